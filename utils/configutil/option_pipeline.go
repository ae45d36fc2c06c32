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
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

const (
	// DefaultLockTTL represented job lock lease ttl (seconds)
	DefaultLockTTL = 10
	// DefaultLockRenewInterval represented job lock lease renew interval (seconds)
	DefaultLockRenewInterval = 3
	// DefaultRepositoryPollInterval represented the watch poll interval of backends without native watch (milliseconds)
	DefaultRepositoryPollInterval = 500
	// DefaultChannelTimeout represented channel send and receive timeout (milliseconds), 0 disables it
	DefaultChannelTimeout = 0
	DefaultLagThreshold   = 0
)

// PipelineOptions migration pipeline relative config items
type PipelineOptions struct {
	RepositoryType         string `toml:"repository-type" json:"repository-type"`
	RepositoryEndpoints    string `toml:"repository-endpoints" json:"repository-endpoints"`
	RepositoryDSN          string `toml:"repository-dsn" json:"-"`
	RepositoryPollInterval int64  `toml:"repository-poll-interval" json:"repository-poll-interval"`

	LockTTL           int64 `toml:"lock-ttl" json:"lock-ttl"`
	LockRenewInterval int64 `toml:"lock-renew-interval" json:"lock-renew-interval"`

	EngineMode     string `toml:"engine-mode" json:"engine-mode"`
	EngineWorkers  int    `toml:"engine-workers" json:"engine-workers"`
	TaskQueueSize  int    `toml:"task-queue-size" json:"task-queue-size"`
	ChannelSize    int    `toml:"channel-capacity" json:"channel-capacity"`
	BatchSize      int    `toml:"batch-size" json:"batch-size"`
	SendTimeout    int64  `toml:"send-timeout" json:"send-timeout"`
	ReceiveTimeout int64  `toml:"receive-timeout" json:"receive-timeout"`

	CheckpointCronSpec string `toml:"checkpoint-cron-spec" json:"checkpoint-cron-spec"`
	LagThreshold       int64  `toml:"lag-threshold" json:"lag-threshold"`
}

type PipelineOption func(opts *PipelineOptions)

func DefaultPipelineConfig() *PipelineOptions {
	return &PipelineOptions{
		RepositoryType:         constant.RepositoryTypeEtcd,
		RepositoryEndpoints:    DefaultMasterClientAddr,
		RepositoryPollInterval: DefaultRepositoryPollInterval,
		LockTTL:                DefaultLockTTL,
		LockRenewInterval:      DefaultLockRenewInterval,
		EngineMode:             constant.EngineModeElastic,
		EngineWorkers:          constant.DefaultEngineWorkerSize,
		TaskQueueSize:          constant.DefaultTaskQueueChannelSize,
		ChannelSize:            constant.DefaultChannelCapacity,
		BatchSize:              constant.DefaultBatchSize,
		SendTimeout:            DefaultChannelTimeout,
		ReceiveTimeout:         DefaultChannelTimeout,
		CheckpointCronSpec:     constant.DefaultCheckpointCronSpec,
		LagThreshold:           DefaultLagThreshold,
	}
}

// NewPipelineOptions applies opts over the defaults
func NewPipelineOptions(opts ...PipelineOption) *PipelineOptions {
	o := DefaultPipelineConfig()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate checks the option invariants, violations are config errors
func (o *PipelineOptions) Validate() error {
	switch strings.ToLower(o.RepositoryType) {
	case constant.RepositoryTypeEtcd:
		if o.RepositoryEndpoints == "" {
			return errorutil.Config.New("repository-endpoints is required by repository-type [%s]", o.RepositoryType)
		}
	case constant.RepositoryTypeMySQL:
		if o.RepositoryDSN == "" {
			return errorutil.Config.New("repository-dsn is required by repository-type [%s]", o.RepositoryType)
		}
	case constant.RepositoryTypeMemory:
	default:
		return errorutil.Config.New("repository-type [%s] is not support, current support [%s,%s,%s]", o.RepositoryType,
			constant.RepositoryTypeEtcd, constant.RepositoryTypeMySQL, constant.RepositoryTypeMemory)
	}
	if o.LockTTL <= 0 {
		return errorutil.Config.New("lock-ttl [%d] must be greater than 0", o.LockTTL)
	}
	if o.LockRenewInterval <= 0 || o.LockRenewInterval >= o.LockTTL {
		return errorutil.Config.New("lock-renew-interval [%d] must be greater than 0 and strictly less than lock-ttl [%d]", o.LockRenewInterval, o.LockTTL)
	}
	switch strings.ToLower(o.EngineMode) {
	case constant.EngineModeFixed:
		if o.EngineWorkers <= 0 {
			return errorutil.Config.New("engine-workers [%d] must be greater than 0 in engine-mode [%s]", o.EngineWorkers, o.EngineMode)
		}
	case constant.EngineModeElastic:
	default:
		return errorutil.Config.New("engine-mode [%s] is not support, current support [%s,%s]", o.EngineMode, constant.EngineModeFixed, constant.EngineModeElastic)
	}
	if o.ChannelSize <= 0 {
		return errorutil.Config.New("channel-capacity [%d] must be greater than 0", o.ChannelSize)
	}
	if o.BatchSize <= 0 {
		return errorutil.Config.New("batch-size [%d] must be greater than 0", o.BatchSize)
	}
	if o.SendTimeout < 0 || o.ReceiveTimeout < 0 {
		return errorutil.Config.New("send-timeout [%d] and receive-timeout [%d] must not be negative", o.SendTimeout, o.ReceiveTimeout)
	}
	if o.LagThreshold < 0 {
		return errorutil.Config.New("lag-threshold [%d] must not be negative", o.LagThreshold)
	}
	if _, err := cron.ParseStandard(o.CheckpointCronSpec); err != nil {
		return errorutil.Config.Wrap(err, "checkpoint-cron-spec [%s] parse failed", o.CheckpointCronSpec)
	}
	return nil
}

func (o *PipelineOptions) LockTTLDuration() time.Duration {
	return time.Duration(o.LockTTL) * time.Second
}

func (o *PipelineOptions) LockRenewDuration() time.Duration {
	return time.Duration(o.LockRenewInterval) * time.Second
}

func (o *PipelineOptions) SendTimeoutDuration() time.Duration {
	return time.Duration(o.SendTimeout) * time.Millisecond
}

func (o *PipelineOptions) ReceiveTimeoutDuration() time.Duration {
	return time.Duration(o.ReceiveTimeout) * time.Millisecond
}

func WithRepository(typ, endpoints, dsn string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.RepositoryType = typ
		opts.RepositoryEndpoints = endpoints
		opts.RepositoryDSN = dsn
	}
}

func WithLock(ttl, renewInterval int64) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.LockTTL = ttl
		opts.LockRenewInterval = renewInterval
	}
}

func WithEngine(mode string, workers int) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.EngineMode = mode
		opts.EngineWorkers = workers
	}
}

func WithChannelCapacity(size int) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.ChannelSize = size
	}
}

func WithBatchSize(size int) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.BatchSize = size
	}
}

func WithChannelTimeout(send, receive int64) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.SendTimeout = send
		opts.ReceiveTimeout = receive
	}
}

func WithCheckpointCronSpec(spec string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.CheckpointCronSpec = spec
	}
}

func WithLagThreshold(threshold int64) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.LagThreshold = threshold
	}
}
