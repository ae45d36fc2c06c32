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
package etcdutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// privateDirMode grants owner to make/remove files inside the directory.
const privateDirMode os.FileMode = 0o700

// joinFile keeps the initial cluster a joined member restarts with
const joinFile = "join"

// Embed is the coordination store member a master runs, jobs checkpoints and locks live in it
type Embed interface {
	// Init normalizes opts and builds the member config, attach carries the servers riding on it
	Init(opts *configutil.MasterOptions, attach ...configutil.MasterOption) error
	// Join turns the config into one joining the cluster of MasterOptions.Join
	Join() error
	Run() error
	GetConfig() *configutil.MasterOptions
	// ReadyNotify is closed once the member joined the cluster and is ready to serve
	ReadyNotify() <-chan struct{}
	Close()
}

type Etcd struct {
	MasterOptions *configutil.MasterOptions
	Srv           *embed.Etcd
	Config        *embed.Config
}

func NewETCDServer() Embed {
	return new(Etcd)
}

func (e *Etcd) Init(opts *configutil.MasterOptions, attach ...configutil.MasterOption) error {
	o := *opts
	for _, opt := range attach {
		opt(&o)
	}
	if err := o.Normalize(); err != nil {
		return err
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	cfg := embed.NewConfig()
	cfg.Name = o.Name
	cfg.Dir = o.DataDir
	cfg.LogLevel = o.LogLevel
	cfg.Logger = "zap"
	cfg.ZapLoggerBuilder = embed.NewZapLoggerBuilder(o.Logger)
	if err := cfg.ZapLoggerBuilder(cfg); err != nil {
		return errorutil.Config.Wrap(err, "embed etcd member [%s] logger", o.Name)
	}

	cfg.InitialCluster = stringutil.InitialCluster(o.InitialCluster, configutil.DefaultMasterNamePrefix, false)
	cfg.ClusterState = o.InitialClusterState
	// only hosts of the initial cluster may reach the insecure client port, see CVE-2018-5702
	cfg.HostWhitelist = stringutil.ClusterHosts(cfg.InitialCluster)

	if err := storeConfig(cfg, o.Store); err != nil {
		return err
	}
	if o.GRPCSvr != nil {
		cfg.ServiceRegister = o.GRPCSvr
	}
	if o.HttpHandles != nil {
		cfg.UserHandlers = o.HttpHandles
	}

	var err error
	if cfg.ListenClientUrls, err = memberURLs(o.ClientAddr); err != nil {
		return err
	}
	cfg.AdvertiseClientUrls = cfg.ListenClientUrls
	if cfg.ListenPeerUrls, err = memberURLs(o.PeerAddr); err != nil {
		return err
	}
	cfg.AdvertisePeerUrls = cfg.ListenPeerUrls

	if err = cfg.Validate(); err != nil {
		return errorutil.Config.Wrap(err, "embed etcd member [%s] config", o.Name)
	}
	e.MasterOptions = &o
	e.Config = cfg
	return nil
}

// storeConfig applies the tuning of the member, zero values keep the etcd defaults
func storeConfig(cfg *embed.Config, s configutil.StoreOptions) error {
	if s.AutoCompactionMode != "" {
		cfg.AutoCompactionMode = s.AutoCompactionMode
	}
	if s.AutoCompactionRetention != "" {
		cfg.AutoCompactionRetention = s.AutoCompactionRetention
	}
	if s.QuotaBackendBytes != 0 {
		cfg.QuotaBackendBytes = s.QuotaBackendBytes
	}
	if s.MaxTxnOps != 0 {
		cfg.MaxTxnOps = s.MaxTxnOps
	}
	if s.MaxRequestBytes != 0 {
		cfg.MaxRequestBytes = s.MaxRequestBytes
	}
	if s.MetricsURL != "" {
		urls, err := memberURLs(s.MetricsURL)
		if err != nil {
			return err
		}
		cfg.Metrics = s.Metrics
		cfg.ListenMetricsUrls = urls
	}
	return nil
}

func memberURLs(addrs string) (types.URLs, error) {
	urls, err := types.NewURLs(stringutil.WrapSchemes(addrs, false))
	if err != nil {
		return nil, errorutil.Config.Wrap(err, "embed etcd urls [%s]", addrs)
	}
	return urls, nil
}

func (e *Etcd) Run() (err error) {
	e.Srv, err = embed.StartEtcd(e.Config)
	if err != nil {
		return errorutil.Transient.Wrap(err, "start embed etcd member [%s]", e.Config.Name)
	}

	timeout := time.Duration(e.MasterOptions.Store.StartTimeout) * time.Second
	select {
	case <-e.Srv.Server.ReadyNotify():
		logger.Info("embed etcd member ready", zap.String("member", e.Config.Name), zap.String("dir", e.Config.Dir))
	case <-time.After(timeout):
		// the server may still block in serve, Close would hang, so only stop it and let the process exit
		e.Srv.Server.Stop()
		return errorutil.Timeout.New("embed etcd member [%s] not ready after [%v]", e.Config.Name, timeout)
	}
	return nil
}

// Join prepares a member joining a running cluster. A member with wal data restarts as itself,
// one with persisted join data restarts with the saved initial cluster, anything else is added
// through the join endpoint. A member never moves to another cluster once it joined one.
func (e *Etcd) Join() error {
	if e.MasterOptions.Join == "" {
		return nil
	}
	if isDir(filepath.Join(e.MasterOptions.DataDir, "member", "wal")) {
		e.existing("")
		return nil
	}

	joinFP := filepath.Join(e.MasterOptions.DataDir, joinFile)
	data, err := os.ReadFile(joinFP)
	switch {
	case err == nil:
		e.existing(strings.TrimSpace(stringutil.BytesToString(data)))
		logger.Info("embed etcd member rejoins with persisted join data",
			zap.String("file", joinFP), zap.String("initial cluster", e.Config.InitialCluster))
		return nil
	case !os.IsNotExist(err):
		return errorutil.Config.Wrap(err, "embed etcd read join data [%s]", joinFP)
	}

	client, err := CreateClient(context.Background(), stringutil.WrapSchemes(e.MasterOptions.Join, false), nil)
	if err != nil {
		return errorutil.Transient.Wrap(err, "embed etcd client for join [%s]", e.MasterOptions.Join)
	}
	defer client.Close()

	cluster, err := e.addMember(client)
	if err != nil {
		return err
	}
	e.existing(cluster)

	if err = os.MkdirAll(e.Config.Dir, privateDirMode); err != nil && !os.IsExist(err) {
		return errorutil.Config.Wrap(err, "embed etcd make dir [%s]", e.Config.Dir)
	}
	if err = os.WriteFile(joinFP, []byte(cluster), privateDirMode); err != nil {
		return errorutil.Config.Wrap(err, "embed etcd write join data [%s]", joinFP)
	}
	return nil
}

// addMember adds the local peer to the running cluster and returns the initial cluster to start with
func (e *Etcd) addMember(client *clientv3.Client) (string, error) {
	listResp, err := ListMembers(client)
	if err != nil {
		return "", errorutil.Transient.Wrap(err, "embed etcd list members of [%s]", e.MasterOptions.Join)
	}
	for _, m := range listResp.Members {
		// a member added but never started has no name, the initial cluster can't be rendered
		if m.Name == "" {
			return "", errorutil.Config.New("cluster [%s] has a member that has not joined, continue the join or remove it", e.MasterOptions.Join)
		}
		if m.Name == e.MasterOptions.Name {
			return "", errorutil.Config.New("member [%s] is already in cluster [%s], its data is missing", m.Name, e.MasterOptions.Join)
		}
	}

	addResp, err := AddMember(client, stringutil.WrapSchemes(e.MasterOptions.PeerAddr, false))
	if err != nil {
		return "", errorutil.Transient.Wrap(err, "embed etcd add member [%s]", e.MasterOptions.PeerAddr)
	}
	ms := make([]string, 0, len(addResp.Members))
	for _, m := range addResp.Members {
		name := m.Name
		if m.ID == addResp.Member.ID {
			// the added member has not started yet so it has no name
			name = e.Config.Name
		}
		if name == "" {
			return "", errorutil.Config.New("cluster [%s] has a member that has not joined, continue the join or remove it", e.MasterOptions.Join)
		}
		for _, u := range m.PeerURLs {
			ms = append(ms, stringutil.StringBuilder(name, "=", u))
		}
	}
	return strings.Join(ms, ","), nil
}

// existing restarts the member inside a running cluster, an empty initial cluster reuses the wal
func (e *Etcd) existing(initialCluster string) {
	e.Config.InitialCluster = initialCluster
	e.Config.ClusterState = embed.ClusterStateFlagExisting
}

func (e *Etcd) GetConfig() *configutil.MasterOptions {
	return e.MasterOptions
}

func (e *Etcd) ReadyNotify() <-chan struct{} {
	return e.Srv.Server.ReadyNotify()
}

func (e *Etcd) Close() {
	if e.Srv != nil {
		e.Srv.Close()
	}
}

func isDir(d string) bool {
	stat, err := os.Stat(d)
	return err == nil && stat.IsDir()
}
