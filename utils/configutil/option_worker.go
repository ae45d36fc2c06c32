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
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

const (
	DefaultWorkerNamePrefix   = "worker"
	DefaultWorkerRegisterAddr = "127.0.0.1:2381"
	// DefaultWorkerKeepaliveTTL is the registration lease in seconds
	DefaultWorkerKeepaliveTTL = 5
	// DefaultSchedulerEventQueueSize bounds the pending job events of a worker
	DefaultSchedulerEventQueueSize = 1024
	// DefaultSchedulerRescanCronSpec schedules the full job list scan catching missed watch events
	DefaultSchedulerRescanCronSpec = "@every 10s"
)

// WorkerOptions configures a worker, how it registers with the masters and how it picks up jobs
type WorkerOptions struct {
	Name       string `toml:"name" json:"name"`
	WorkerAddr string `toml:"worker-addr" json:"worker-addr"`
	// Endpoint lists the master client addresses
	Endpoint string `toml:"endpoint" json:"endpoint"`

	Register  RegisterOptions  `toml:"register" json:"register"`
	Scheduler SchedulerOptions `toml:"scheduler" json:"scheduler"`
}

type RegisterOptions struct {
	KeepaliveTTL int64 `toml:"keepalive-ttl" json:"keepalive-ttl"`
}

type SchedulerOptions struct {
	EventQueueSize int64  `toml:"event-queue-size" json:"event-queue-size"`
	RescanCronSpec string `toml:"rescan-cron-spec" json:"rescan-cron-spec"`
}

func DefaultWorkerServerConfig() *WorkerOptions {
	return &WorkerOptions{
		Name:       DefaultWorkerNamePrefix,
		Endpoint:   DefaultMasterClientAddr,
		WorkerAddr: DefaultWorkerRegisterAddr,
		Register:   RegisterOptions{KeepaliveTTL: DefaultWorkerKeepaliveTTL},
		Scheduler: SchedulerOptions{
			EventQueueSize: DefaultSchedulerEventQueueSize,
			RescanCronSpec: DefaultSchedulerRescanCronSpec,
		},
	}
}

// Normalize fills the derived worker settings, an etcd coordination store without endpoints
// shares the masters the worker registers with
func (o *WorkerOptions) Normalize(pipeline *PipelineOptions) error {
	host, port, err := net.SplitHostPort(o.WorkerAddr)
	if err != nil {
		return errorutil.Config.Wrap(err, "worker-addr [%s]", o.WorkerAddr)
	}
	if host == "" || host == "0.0.0.0" || port == "" {
		return errorutil.Config.New("worker-addr [%s] must include the host part, not 0.0.0.0", o.WorkerAddr)
	}
	if o.Name == "" || strings.EqualFold(o.Name, DefaultWorkerNamePrefix) {
		o.Name = stringutil.MemberName(DefaultWorkerNamePrefix, o.WorkerAddr)
	}
	if strings.TrimSpace(o.Endpoint) == "" {
		return errorutil.Config.New("worker join is not set, it needs the master client addrs")
	}

	if o.Register.KeepaliveTTL <= 0 {
		o.Register.KeepaliveTTL = DefaultWorkerKeepaliveTTL
	}
	if o.Scheduler.EventQueueSize <= 0 {
		o.Scheduler.EventQueueSize = DefaultSchedulerEventQueueSize
	}
	if o.Scheduler.RescanCronSpec == "" {
		o.Scheduler.RescanCronSpec = DefaultSchedulerRescanCronSpec
	}
	if _, err = cron.ParseStandard(o.Scheduler.RescanCronSpec); err != nil {
		return errorutil.Config.Wrap(err, "worker rescan-cron-spec [%s]", o.Scheduler.RescanCronSpec)
	}

	if pipeline == nil {
		return nil
	}
	if strings.EqualFold(pipeline.RepositoryType, constant.RepositoryTypeEtcd) && pipeline.RepositoryEndpoints == "" {
		pipeline.RepositoryEndpoints = o.Endpoint
	}
	return pipeline.Validate()
}
