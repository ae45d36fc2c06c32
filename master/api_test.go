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
package master

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/model/job"
	repomemory "github.com/wentaojin/scaling/repository/memory"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/utils/constant"
	"google.golang.org/grpc/health"
)

type apiResponse struct {
	Code  int             `json:"code"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*Server, *repomemory.Repository, *gin.Engine) {
	t.Helper()
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	s := &Server{Config: NewConfig(), repo: repo, health: health.NewServer()}
	r, err := s.initOpenAPIHandler()
	require.NoError(t, err)
	return s, repo, r
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func submitBody(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"mode": constant.JobModeOneShot,
		"source": map[string]any{
			"type":   constant.DatabaseTypeMemory,
			"tables": []string{"t_order"},
			"shards": []map[string]any{{
				"name":   "src_0",
				"dsn":    "api_src",
				"stream": map[string]any{"type": constant.ChangeStreamTypeChangelog},
			}},
		},
		"target": map[string]any{
			"type":   constant.DatabaseTypeMemory,
			"tables": []string{"t_order"},
			"shards": []map[string]any{{"name": "ds_0", "dsn": "api_t0"}},
		},
	}
}

func TestAPISubmitAndQueryJob(t *testing.T) {
	_, _, r := newTestServer(t)

	code, resp := do(t, r, http.MethodPost, "/api/v1/jobs", submitBody("j1"))
	require.Equal(t, http.StatusOK, code, resp.Error)
	var submitted job.Job
	require.NoError(t, json.Unmarshal(resp.Data, &submitted))
	assert.Equal(t, "j1", submitted.ID)
	assert.Equal(t, constant.JobStatePreparing, submitted.State)

	code, resp = do(t, r, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	var jobs []*job.Job
	require.NoError(t, json.Unmarshal(resp.Data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)

	code, resp = do(t, r, http.MethodGet, "/api/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, code)
	var status job.Status
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, constant.JobStatePreparing, status.State)
	assert.Empty(t, status.Tasks)
}

func TestAPISubmitRejectsInvalidJob(t *testing.T) {
	_, _, r := newTestServer(t)

	cases := []struct {
		name   string
		mutate func(body map[string]any)
	}{
		{"unknown mode", func(body map[string]any) { body["mode"] = "forever" }},
		{"missing target", func(body map[string]any) { delete(body, "target") }},
		{"unsupported type", func(body map[string]any) {
			body["target"].(map[string]any)["type"] = "ORACLE"
		}},
		{"source without stream", func(body map[string]any) {
			src := body["source"].(map[string]any)
			src["shards"] = []map[string]any{{"name": "src_0", "dsn": "api_src"}}
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			body := submitBody("bad")
			c.mutate(body)
			code, resp := do(t, r, http.MethodPost, "/api/v1/jobs", body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}

	code, _ := do(t, r, http.MethodPost, "/api/v1/jobs", submitBody("dup"))
	require.Equal(t, http.StatusOK, code)
	code, resp := do(t, r, http.MethodPost, "/api/v1/jobs", submitBody("dup"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "already exists")
}

func TestAPIJobSignals(t *testing.T) {
	_, repo, r := newTestServer(t)
	ctx := context.Background()

	code, _ := do(t, r, http.MethodPost, "/api/v1/jobs", submitBody("j2"))
	require.Equal(t, http.StatusOK, code)

	// a preparing job accepts no signal
	code, resp := do(t, r, http.MethodPost, "/api/v1/jobs/j2/pause", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, constant.JobStatePreparing)

	j, err := service.GetJob(ctx, repo, "j2")
	require.NoError(t, err)
	j.State = constant.JobStateRunning
	data, err := json.Marshal(j)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, job.ConfigKey("j2"), data))

	code, resp = do(t, r, http.MethodPost, "/api/v1/jobs/j2/pause", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	signal, ok, err := repo.Get(ctx, job.SignalKey("j2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, constant.JobSignalPause, string(signal))

	code, _ = do(t, r, http.MethodPost, "/api/v1/jobs/j2/stop", nil)
	require.Equal(t, http.StatusOK, code)
	signal, _, err = repo.Get(ctx, job.SignalKey("j2"))
	require.NoError(t, err)
	assert.Equal(t, constant.JobSignalStop, string(signal))

	code, _ = do(t, r, http.MethodPost, "/api/v1/jobs/j2/resume", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = do(t, r, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "does not exist")
}

func TestAPIListWorkersWithoutDiscovery(t *testing.T) {
	_, _, r := newTestServer(t)
	code, resp := do(t, r, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(resp.Data))
}

func TestReconcileReportsOrphanJobs(t *testing.T) {
	s, repo, _ := newTestServer(t)
	ctx := context.Background()

	put := func(id, state string) {
		j := job.NewJob(constant.JobModeOneShot, job.Topology{}, job.Topology{})
		j.ID = id
		j.State = state
		data, err := json.Marshal(j)
		require.NoError(t, err)
		require.NoError(t, repo.Put(ctx, job.ConfigKey(id), data))
	}
	put("running", constant.JobStateRunning)
	put("paused", constant.JobStatePaused)
	put("done", constant.JobStateFinished)

	orphans, err := s.reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, orphans)

	lease, err := repo.AcquireLock(ctx, job.LockKey("running"), 3*time.Second)
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	orphans, err = s.reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)
}
