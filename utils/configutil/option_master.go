/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package configutil

import (
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	DefaultMasterNamePrefix    = "master"
	DefaultMasterDataDirPrefix = "data"
	DefaultMasterClientAddr    = "127.0.0.1:2379"
	DefaultMasterPeerAddr      = "127.0.0.1:2380"
	DefaultMasterLogLevel      = "info"

	DefaultStoreAutoCompactionMode      = "periodic"
	DefaultStoreAutoCompactionRetention = "1h"
	DefaultStoreMaxTxnOps               = 2048
	DefaultStoreQuotaBackendBytes       = 2 * 1024 * 1024 * 1024
	DefaultStoreMaxRequestBytes         = 1.5 * 1024 * 1024
	DefaultStoreStartTimeoutSecond      = 60

	// DefaultLeaderElectionTTL is how long, in seconds, a crashed leader keeps its term
	DefaultLeaderElectionTTL = 30
	// DefaultLeaderReconcileCronSpec schedules the leader scan of jobs without an owner
	DefaultLeaderReconcileCronSpec = "@every 10s"
)

// MasterOptions configures a master, the member of the embedded coordination store it runs and
// the duties of the elected leader
type MasterOptions struct {
	Name                string `toml:"name" json:"name"`
	DataDir             string `toml:"data-dir" json:"data-dir"`
	ClientAddr          string `toml:"client-addr" json:"client-addr"`
	PeerAddr            string `toml:"peer-addr" json:"peer-addr"`
	InitialCluster      string `toml:"initial-cluster" json:"initial-cluster"`
	InitialClusterState string `toml:"initial-cluster-state" json:"initial-cluster-state"`
	// Join is the client address of a running cluster, not its peer address
	Join string `toml:"join" json:"join"`

	Store  StoreOptions  `toml:"store" json:"store"`
	Leader LeaderOptions `toml:"leader" json:"leader"`

	LogLevel string `toml:"log-level" json:"log-level"`

	GRPCSvr     func(*grpc.Server)      `toml:"-" json:"-"`
	HttpHandles map[string]http.Handler `toml:"-" json:"-"`
	Logger      *zap.Logger             `toml:"-" json:"-"`
}

// StoreOptions tunes the embedded etcd member holding jobs, checkpoints and job locks
type StoreOptions struct {
	MaxTxnOps               uint   `toml:"max-txn-ops" json:"max-txn-ops"`
	MaxRequestBytes         uint   `toml:"max-request-bytes" json:"max-request-bytes"`
	AutoCompactionMode      string `toml:"auto-compaction-mode" json:"auto-compaction-mode"`
	AutoCompactionRetention string `toml:"auto-compaction-retention" json:"auto-compaction-retention"`
	QuotaBackendBytes       int64  `toml:"quota-backend-bytes" json:"quota-backend-bytes"`
	// Metrics is base or extensive, served on MetricsURL when set
	Metrics    string `toml:"metrics" json:"metrics"`
	MetricsURL string `toml:"metrics-url" json:"metrics-url"`
	// StartTimeout in seconds bounds the wait for the member to serve
	StartTimeout int `toml:"start-timeout" json:"start-timeout"`
}

// LeaderOptions drive the elected master
type LeaderOptions struct {
	ElectionTTL       int    `toml:"election-ttl" json:"election-ttl"`
	ReconcileCronSpec string `toml:"reconcile-cron-spec" json:"reconcile-cron-spec"`
}

// MasterOption attaches what a config file can't carry
type MasterOption func(opts *MasterOptions)

func DefaultMasterServerConfig() *MasterOptions {
	return &MasterOptions{
		Name:                DefaultMasterNamePrefix,
		DataDir:             DefaultMasterDataDirPrefix,
		ClientAddr:          DefaultMasterClientAddr,
		PeerAddr:            DefaultMasterPeerAddr,
		InitialCluster:      DefaultMasterPeerAddr,
		InitialClusterState: embed.ClusterStateFlagNew,
		Store: StoreOptions{
			MaxTxnOps:               DefaultStoreMaxTxnOps,
			MaxRequestBytes:         DefaultStoreMaxRequestBytes,
			AutoCompactionMode:      DefaultStoreAutoCompactionMode,
			AutoCompactionRetention: DefaultStoreAutoCompactionRetention,
			QuotaBackendBytes:       DefaultStoreQuotaBackendBytes,
			StartTimeout:            DefaultStoreStartTimeoutSecond,
		},
		Leader: LeaderOptions{
			ElectionTTL:       DefaultLeaderElectionTTL,
			ReconcileCronSpec: DefaultLeaderReconcileCronSpec,
		},
		LogLevel: DefaultMasterLogLevel,
	}
}

// Normalize fills the derived member settings and rejects what the member could never serve with
func (o *MasterOptions) Normalize() error {
	host, port, err := net.SplitHostPort(o.ClientAddr)
	if err != nil {
		return errorutil.Config.Wrap(err, "master client-addr [%s]", o.ClientAddr)
	}
	if host == "" || host == "0.0.0.0" || port == "" {
		return errorutil.Config.New("master client-addr [%s] must include the host part, not 0.0.0.0", o.ClientAddr)
	}

	if o.Name == "" || strings.EqualFold(o.Name, DefaultMasterNamePrefix) {
		if o.Name = stringutil.LocalMemberName(DefaultMasterNamePrefix, host, o.PeerAddr); o.Name == "" {
			return errorutil.Config.New("master peer-addr [%s] has no address on client host [%s]", o.PeerAddr, host)
		}
	}
	member := DefaultMasterDataDirPrefix + "." + o.Name
	if o.DataDir == "" || strings.EqualFold(o.DataDir, DefaultMasterDataDirPrefix) {
		o.DataDir = member
	} else if filepath.Base(o.DataDir) != member {
		o.DataDir = filepath.Join(o.DataDir, member)
	}
	if o.InitialCluster == "" {
		o.InitialCluster = o.PeerAddr
	}
	if strings.HasPrefix(o.InitialClusterState, "exist") {
		o.InitialClusterState = embed.ClusterStateFlagExisting
	} else {
		o.InitialClusterState = embed.ClusterStateFlagNew
	}
	if o.Join != "" && o.Join == o.ClientAddr {
		return errorutil.Config.New("master join [%s] points at itself", o.Join)
	}

	if strings.HasPrefix(o.Store.Metrics, "e") {
		o.Store.Metrics = "extensive"
	} else {
		o.Store.Metrics = "base"
	}
	if o.Store.MetricsURL != "" {
		o.Store.MetricsURL = stringutil.WrapScheme(o.Store.MetricsURL, false)
	}
	if o.Store.StartTimeout <= 0 {
		o.Store.StartTimeout = DefaultStoreStartTimeoutSecond
	}

	if o.Leader.ElectionTTL <= 0 {
		o.Leader.ElectionTTL = DefaultLeaderElectionTTL
	}
	if o.Leader.ReconcileCronSpec == "" {
		o.Leader.ReconcileCronSpec = DefaultLeaderReconcileCronSpec
	}
	if _, err = cron.ParseStandard(o.Leader.ReconcileCronSpec); err != nil {
		return errorutil.Config.Wrap(err, "master reconcile-cron-spec [%s]", o.Leader.ReconcileCronSpec)
	}
	return nil
}

func WithLogLogger(logger *zap.Logger) MasterOption {
	return func(opts *MasterOptions) {
		opts.Logger = logger
	}
}

func WithGRPCSvr(gRPCSvr func(*grpc.Server)) MasterOption {
	return func(opts *MasterOptions) {
		opts.GRPCSvr = gRPCSvr
	}
}

func WithHttpHandles(httpHandles map[string]http.Handler) MasterOption {
	return func(opts *MasterOptions) {
		opts.HttpHandles = httpHandles
	}
}
