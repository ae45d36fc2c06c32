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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.etcd.io/etcd/server/v3/embed"
)

func TestMasterOptionsNormalize(t *testing.T) {
	o := DefaultMasterServerConfig()
	o.DataDir = "/var/lib/scaling"
	o.InitialClusterState = "existing"
	o.Store.Metrics = "ext"
	o.Store.MetricsURL = "127.0.0.1:9090"
	o.Leader.ElectionTTL = 0
	require.NoError(t, o.Normalize())

	assert.Equal(t, "master_127-0-0-1_2380", o.Name)
	assert.Equal(t, filepath.Join("/var/lib/scaling", "data.master_127-0-0-1_2380"), o.DataDir)
	assert.Equal(t, embed.ClusterStateFlagExisting, o.InitialClusterState)
	assert.Equal(t, "extensive", o.Store.Metrics)
	assert.Equal(t, "http://127.0.0.1:9090", o.Store.MetricsURL)
	assert.Equal(t, DefaultLeaderElectionTTL, o.Leader.ElectionTTL)

	// normalizing twice keeps the data dir
	require.NoError(t, o.Normalize())
	assert.Equal(t, filepath.Join("/var/lib/scaling", "data.master_127-0-0-1_2380"), o.DataDir)

	cases := map[string]func(o *MasterOptions){
		"wildcard host":  func(o *MasterOptions) { o.ClientAddr = "0.0.0.0:2379" },
		"no port":        func(o *MasterOptions) { o.ClientAddr = "127.0.0.1" },
		"peer elsewhere": func(o *MasterOptions) { o.Name = ""; o.PeerAddr = "10.0.0.2:2380" },
		"join self":      func(o *MasterOptions) { o.Join = o.ClientAddr },
		"bad reconcile":  func(o *MasterOptions) { o.Leader.ReconcileCronSpec = "hourly" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := DefaultMasterServerConfig()
			mutate(o)
			assert.True(t, errorutil.IsConfig(o.Normalize()))
		})
	}
}

func TestWorkerOptionsNormalize(t *testing.T) {
	o := DefaultWorkerServerConfig()
	o.Endpoint = "10.0.0.1:2379,10.0.0.2:2379"
	o.Register.KeepaliveTTL = 0
	o.Scheduler.EventQueueSize = 0
	pipeline := DefaultPipelineConfig()
	pipeline.RepositoryEndpoints = ""
	require.NoError(t, o.Normalize(pipeline))

	assert.Equal(t, "worker_127-0-0-1_2381", o.Name)
	assert.Equal(t, int64(DefaultWorkerKeepaliveTTL), o.Register.KeepaliveTTL)
	assert.Equal(t, int64(DefaultSchedulerEventQueueSize), o.Scheduler.EventQueueSize)
	assert.Equal(t, o.Endpoint, pipeline.RepositoryEndpoints)

	// a dedicated coordination store keeps its own endpoints
	mysql := NewPipelineOptions(WithRepository(constant.RepositoryTypeMySQL, "", "root@tcp(127.0.0.1:3306)/scaling"))
	require.NoError(t, DefaultWorkerServerConfig().Normalize(mysql))
	assert.Empty(t, mysql.RepositoryEndpoints)

	bad := DefaultWorkerServerConfig()
	bad.Endpoint = ""
	assert.True(t, errorutil.IsConfig(bad.Normalize(nil)))
	bad = DefaultWorkerServerConfig()
	bad.Scheduler.RescanCronSpec = "sometimes"
	assert.True(t, errorutil.IsConfig(bad.Normalize(nil)))
}
