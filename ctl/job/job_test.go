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
package job

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
)

const jobFile = `
id = "order-scaling"
mode = "continuous"
inventory-split = 2

[source]
type = "MYSQL"
tables = ["t_order"]

[[source.shards]]
name = "ds_0"
dsn = "root:root@tcp(127.0.0.1:3306)/ds_0"

[source.shards.stream]
type = "CHANGELOG"

[target]
type = "MYSQL"
tables = ["t_order"]

[[target.shards]]
name = "ds_1"
dsn = "root:root@tcp(127.0.0.1:3306)/ds_1"

[[target.shards]]
name = "ds_2"
dsn = "root:root@tcp(127.0.0.1:3306)/ds_2"

[[target.rules]]
table = "t_order"
column = "order_id"
algorithm = "MOD"
shards = ["ds_1", "ds_2"]
`

func writeJobFile(t *testing.T) string {
	file := filepath.Join(t.TempDir(), "job.toml")
	require.NoError(t, os.WriteFile(file, []byte(jobFile), 0644))
	return file
}

func TestLoadFile(t *testing.T) {
	req, err := LoadFile(writeJobFile(t))
	require.NoError(t, err)

	assert.Equal(t, "order-scaling", req.ID)
	assert.Equal(t, constant.JobModeContinuous, req.Mode)
	assert.Equal(t, 2, req.InventorySplit)
	require.Len(t, req.Source.Shards, 1)
	require.NotNil(t, req.Source.Shards[0].Stream)
	assert.Equal(t, "CHANGELOG", req.Source.Shards[0].Stream.Type)
	assert.Len(t, req.Target.Shards, 2)
	require.Len(t, req.Target.Rules, 1)
	assert.Equal(t, "order_id", req.Target.Rules[0].Column)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestSubmitPostsJobFile(t *testing.T) {
	var got openapi.SubmitJobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openapi.Response{Code: http.StatusOK, Data: &job.Job{ID: got.ID, Mode: got.Mode, State: constant.JobStatePreparing}})
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, Submit(&out, srv.URL, writeJobFile(t)))
	assert.Equal(t, "order-scaling", got.ID)
	assert.Contains(t, out.String(), "success")
	assert.Contains(t, out.String(), "order-scaling")
}

func TestSignalReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/j1/pause", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(openapi.Response{Code: http.StatusBadRequest, Error: "job [j1] can not transit from [PREPARING] to [PAUSED]"})
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := Signal(&out, srv.URL, "j1", openapi.APIJobPausePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREPARING")
	assert.Contains(t, out.String(), "failed")
}

func TestStatusRendersTasks(t *testing.T) {
	status := &job.Status{
		JobID: "j1",
		Mode:  constant.JobModeContinuous,
		State: constant.JobStateRunning,
		Owner: "127.0.0.1:2380",
		Tasks: []*job.TaskStatus{
			{TaskID: "j1-inv-ds_0-t_order-0", Kind: constant.TaskKindInventory, Status: constant.TaskStatusFinished, Position: position.NewIntegerPosition(1000)},
			{TaskID: "j1-inc-ds_0", Kind: constant.TaskKindIncremental, Status: constant.TaskStatusRunning, Position: position.NewLogOffsetPosition(6)},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(openapi.Response{Code: http.StatusOK, Data: status})
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, Status(&out, srv.URL, "j1"))
	assert.Contains(t, out.String(), "j1-inv-ds_0-t_order-0")
	assert.Contains(t, out.String(), "j1-inc-ds_0")
	assert.Contains(t, out.String(), "127.0.0.1:2380")
	assert.Contains(t, out.String(), constant.JobStateRunning)
}
