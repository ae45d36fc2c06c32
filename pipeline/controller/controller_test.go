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
package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/datasource/memory"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/pipeline"
	"github.com/wentaojin/scaling/pipeline/metadata"
	repomemory "github.com/wentaojin/scaling/repository/memory"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

const waitFor = 10 * time.Second

func orderMeta() *metadata.TableMeta {
	return &metadata.TableMeta{
		Name: "t_order",
		Columns: []metadata.Column{
			{Name: "order_id", DataType: "BIGINT", PrimaryKey: true},
			{Name: "status", DataType: "VARCHAR", Nullable: true},
		},
		PrimaryKey: []string{"order_id"},
	}
}

func newOrderDB(t *testing.T, name string, rows int) *memory.Database {
	t.Helper()
	db := memory.NewDatabase(name)
	t.Cleanup(func() { memory.Drop(name) })
	require.NoError(t, db.CreateTable(orderMeta()))
	for i := 1; i <= rows; i++ {
		require.NoError(t, db.Insert("t_order", map[string]any{"order_id": int64(i), "status": "NEW"}))
	}
	return db
}

func newManager(t *testing.T, repo *repomemory.Repository, instance string, extra ...configutil.PipelineOption) *pipeline.ContextManager {
	t.Helper()
	opts := configutil.NewPipelineOptions(append([]configutil.PipelineOption{
		configutil.WithRepository(constant.RepositoryTypeMemory, "", ""),
		configutil.WithLock(3, 1),
		configutil.WithBatchSize(50),
		configutil.WithChannelCapacity(4),
		configutil.WithChannelTimeout(200, 200),
		configutil.WithCheckpointCronSpec("@every 1s"),
	}, extra...)...)
	m, err := pipeline.NewContextManager(context.Background(),
		&pipeline.ModeConfig{Instance: instance, Options: opts},
		pipeline.WithClusterRepository(repo))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(time.Second) })
	return m
}

// orderJob migrates t_order from one source database into two mod sharded target databases
func orderJob(mode, source string, targets ...string) *job.Job {
	var shards []job.Shard
	for i, name := range targets {
		shards = append(shards, job.Shard{Name: fmt.Sprintf("ds_%d", i), DSN: name})
	}
	var names []string
	for _, s := range shards {
		names = append(names, s.Name)
	}
	target := job.Topology{Type: constant.DatabaseTypeMemory, Tables: []string{"t_order"}, Shards: shards}
	if len(shards) > 1 {
		target.Rules = []sharding.Rule{{Table: "t_order", Column: "order_id", Algorithm: sharding.AlgorithmMod, Shards: names}}
	}
	return job.NewJob(mode, job.Topology{
		Type:   constant.DatabaseTypeMemory,
		Tables: []string{"t_order"},
		Shards: []job.Shard{{Name: "src_0", DSN: source, Stream: &job.Stream{Type: constant.ChangeStreamTypeChangelog}}},
	}, target)
}

type runResult struct {
	c    *Controller
	done chan error
	stop context.CancelFunc
}

func runController(t *testing.T, j *job.Job, m *pipeline.ContextManager) *runResult {
	t.Helper()
	c, err := New(j, m)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &runResult{c: c, done: make(chan error, 1), stop: cancel}
	go func() { r.done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func (r *runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(waitFor):
		t.Fatalf("controller did not return")
		return nil
	}
}

func waitState(t *testing.T, c *Controller, state string) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == state }, waitFor, 10*time.Millisecond,
		"job state is [%s], want [%s]", c.State(), state)
}

// statuses renders every row of the databases as key -> status
func statuses(dbs ...*memory.Database) map[string]any {
	out := make(map[string]any)
	for _, db := range dbs {
		for k, row := range db.Rows("t_order") {
			out[k] = row["status"]
		}
	}
	return out
}

func TestOneShotJobFinishes(t *testing.T) {
	source := newOrderDB(t, "oneshot_src", 300)
	t0 := newOrderDB(t, "oneshot_t0", 0)
	t1 := newOrderDB(t, "oneshot_t1", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	m := newManager(t, repo, "node-1")

	var (
		mu          sync.Mutex
		transitions []string
	)
	require.NoError(t, m.EventBus().Subscribe(constant.EventTopicJobState, func(jobID, from, to string) {
		mu.Lock()
		transitions = append(transitions, from+">"+to)
		mu.Unlock()
	}))

	ctx := context.Background()
	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeOneShot, "oneshot_src", "oneshot_t0", "oneshot_t1"))
	require.NoError(t, err)

	r := runController(t, j, m)
	require.NoError(t, r.wait(t))
	assert.Equal(t, constant.JobStateFinished, r.c.State())

	assert.Equal(t, statuses(source), statuses(t0, t1))
	assert.Len(t, t0.Rows("t_order"), 150)
	assert.Len(t, t1.Rows("t_order"), 150)

	status, err := service.StatusJob(ctx, repo, j.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStateFinished, status.State)
	require.Len(t, status.Tasks, 2)
	for _, ts := range status.Tasks {
		assert.Equal(t, constant.TaskStatusFinished, ts.Status)
		if ts.Kind == constant.TaskKindInventory {
			assert.Equal(t, "300", ts.Position.CursorValue)
		}
	}

	snapshot := r.c.Metadata()
	meta, ok := snapshot.Table("T_ORDER")
	require.True(t, ok)
	assert.Equal(t, []string{"order_id"}, meta.PrimaryKey)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"PREPARING>RUNNING", "RUNNING>FINISHED"}, transitions)

	_, held, err := repo.Get(ctx, job.LockKey(j.ID))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestJobOwnedByOneNode(t *testing.T) {
	newOrderDB(t, "owned_src", 20)
	newOrderDB(t, "owned_t0", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "owned_src", "owned_t0"))
	require.NoError(t, err)

	first := runController(t, j, newManager(t, repo, "node-1"))
	waitState(t, first.c, constant.JobStateRunning)

	second, err := New(j, newManager(t, repo, "node-2"))
	require.NoError(t, err)
	err = second.Run(ctx)
	require.Error(t, err)
	assert.True(t, errorutil.IsNotOwner(err))
	assert.Equal(t, constant.JobStateRunning, first.c.State())

	stored, err := service.GetJob(ctx, repo, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-1", stored.Owner)

	require.NoError(t, service.StopJob(ctx, repo, j.ID))
	require.NoError(t, first.wait(t))
	assert.Equal(t, constant.JobStateStopped, first.c.State())
}

func TestResumeFromCheckpointEndStateEquivalence(t *testing.T) {
	source := newOrderDB(t, "resume_src", 2000)
	t0 := newOrderDB(t, "resume_t0", 0)
	t1 := newOrderDB(t, "resume_t1", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "resume_src", "resume_t0", "resume_t1"))
	require.NoError(t, err)

	// the first node goes away mid run, the drained checkpoint stays behind
	first := runController(t, j, newManager(t, repo, "node-1"))
	waitState(t, first.c, constant.JobStateRunning)
	first.stop()
	require.NoError(t, first.wait(t))
	assert.Equal(t, constant.JobStateRunning, first.c.State())

	for i := 1; i <= 100; i++ {
		require.NoError(t, source.Update("t_order", map[string]any{"order_id": int64(i), "status": "PAID"}))
	}
	require.NoError(t, source.Delete("t_order", int64(2000)))
	require.NoError(t, source.Insert("t_order", map[string]any{"order_id": int64(2001), "status": "NEW"}))

	second := runController(t, j, newManager(t, repo, "node-2"))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(statuses(source), statuses(t0, t1))
	}, waitFor, 20*time.Millisecond)

	require.NoError(t, service.StopJob(ctx, repo, j.ID))
	require.NoError(t, second.wait(t))
	assert.Equal(t, constant.JobStateStopped, second.c.State())
	assert.Equal(t, statuses(source), statuses(t0, t1))
}

func TestPauseAndResume(t *testing.T) {
	source := newOrderDB(t, "pause_src", 500)
	target := newOrderDB(t, "pause_t0", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "pause_src", "pause_t0"))
	require.NoError(t, err)
	r := runController(t, j, newManager(t, repo, "node-1"))
	waitState(t, r.c, constant.JobStateRunning)

	require.NoError(t, service.PauseJob(ctx, repo, j.ID))
	waitState(t, r.c, constant.JobStatePaused)
	assert.True(t, errorutil.IsConfig(service.PauseJob(ctx, repo, j.ID)))

	status, err := service.StatusJob(ctx, repo, j.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatePaused, status.State)
	require.NotEmpty(t, status.Tasks)

	require.NoError(t, source.Insert("t_order", map[string]any{"order_id": int64(501), "status": "NEW"}))
	require.NoError(t, service.ResumeJob(ctx, repo, j.ID))
	waitState(t, r.c, constant.JobStateRunning)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(statuses(source), statuses(target))
	}, waitFor, 20*time.Millisecond)

	require.NoError(t, service.StopJob(ctx, repo, j.ID))
	require.NoError(t, r.wait(t))
	assert.Equal(t, constant.JobStateStopped, r.c.State())
}

func TestDataConflictFailsJob(t *testing.T) {
	source := newOrderDB(t, "conflict_src", 200)
	target := newOrderDB(t, "conflict_t0", 0)
	target.FailNextApply(1, errorutil.DataConflict.New("duplicate entry for key [order_id]"))
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeOneShot, "conflict_src", "conflict_t0"))
	require.NoError(t, err)
	r := runController(t, j, newManager(t, repo, "node-1"))
	waitState(t, r.c, constant.JobStateFailed)

	stored, err := service.GetJob(ctx, repo, j.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStateFailed, stored.State)
	assert.Contains(t, stored.Error, "duplicate entry")
	_, ok, err := repo.Get(ctx, job.CheckpointKey(j.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, service.ResumeJob(ctx, repo, j.ID))
	require.NoError(t, r.wait(t))
	assert.Equal(t, constant.JobStateFinished, r.c.State())
	assert.Equal(t, statuses(source), statuses(target))
}

func TestPrepareFailsOnMissingTable(t *testing.T) {
	newOrderDB(t, "missing_src", 10)
	newOrderDB(t, "missing_t0", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j := orderJob(constant.JobModeOneShot, "missing_src", "missing_t0")
	j.Source.Tables = []string{"t_missing"}
	j.Target.Tables = []string{"t_missing"}
	_, err := service.SubmitJob(ctx, repo, j)
	require.NoError(t, err)

	c, err := New(j, newManager(t, repo, "node-1"))
	require.NoError(t, err)
	err = c.Run(ctx)
	require.Error(t, err)
	assert.True(t, errorutil.IsConfig(err))
	assert.Equal(t, constant.JobStateFailed, c.State())

	invalid := orderJob("nightly", "missing_src", "missing_t0")
	_, err = service.SubmitJob(ctx, repo, invalid)
	assert.True(t, errorutil.IsConfig(err))
}

func TestLeaseLossStopsController(t *testing.T) {
	newOrderDB(t, "lease_src", 50)
	newOrderDB(t, "lease_t0", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "lease_src", "lease_t0"))
	require.NoError(t, err)
	r := runController(t, j, newManager(t, repo, "node-1"))
	waitState(t, r.c, constant.JobStateRunning)

	require.True(t, repo.ExpireLease(job.LockKey(j.ID)))
	err = r.wait(t)
	require.Error(t, err)
	assert.True(t, errorutil.IsNotOwner(err))

	// another node takes over from the checkpoint
	next := runController(t, j, newManager(t, repo, "node-2"))
	waitState(t, next.c, constant.JobStateRunning)
	require.NoError(t, service.StopJob(ctx, repo, j.ID))
	require.NoError(t, next.wait(t))
}

func TestRowsWrittenDuringPrepareAreMigrated(t *testing.T) {
	source := newOrderDB(t, "prepare_src", 300)
	t0 := newOrderDB(t, "prepare_t0", 0)
	t1 := newOrderDB(t, "prepare_t1", 0)
	var once sync.Once
	source.AfterKeyRange(func(string) {
		once.Do(func() {
			// lands above the resolved range end and after the change log point
			assert.NoError(t, source.Insert("t_order", map[string]any{"order_id": int64(301), "status": "NEW"}))
			assert.NoError(t, source.Update("t_order", map[string]any{"order_id": int64(7), "status": "PAID"}))
		})
	})
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeOneShot, "prepare_src", "prepare_t0", "prepare_t1"))
	require.NoError(t, err)
	r := runController(t, j, newManager(t, repo, "node-1"))
	require.NoError(t, r.wait(t))
	assert.Equal(t, constant.JobStateFinished, r.c.State())

	assert.Len(t, source.Rows("t_order"), 301)
	assert.Equal(t, statuses(source), statuses(t0, t1))
	assert.Equal(t, "PAID", statuses(t0, t1)["7"])
}

func TestBusyEngineDefersStart(t *testing.T) {
	sourceA := newOrderDB(t, "busy_a_src", 100)
	targetA := newOrderDB(t, "busy_a_t0", 0)
	newOrderDB(t, "busy_b_src", 100)
	targetB := newOrderDB(t, "busy_b_t0", 0)
	sourceC := newOrderDB(t, "busy_c_src", 100)
	targetC := newOrderDB(t, "busy_c_t0", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()
	// a continuous single shard job runs four tasks, the engine fits exactly one such job
	m := newManager(t, repo, "node-1", configutil.WithEngine(constant.EngineModeElastic, 4))

	a, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "busy_a_src", "busy_a_t0"))
	require.NoError(t, err)
	ra := runController(t, a, m)
	waitState(t, ra.c, constant.JobStateRunning)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(statuses(sourceA), statuses(targetA))
	}, waitFor, 20*time.Millisecond)

	b, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "busy_b_src", "busy_b_t0"))
	require.NoError(t, err)
	rb := runController(t, b, m)
	waitState(t, rb.c, constant.JobStateRunning)
	assert.Never(t, func() bool { return len(targetB.Rows("t_order")) > 0 }, 300*time.Millisecond, 20*time.Millisecond)

	// a job waiting for workers still answers operator signals
	require.NoError(t, service.StopJob(ctx, repo, b.ID))
	require.NoError(t, rb.wait(t))
	assert.Equal(t, constant.JobStateStopped, rb.c.State())

	c, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "busy_c_src", "busy_c_t0"))
	require.NoError(t, err)
	rc := runController(t, c, m)
	waitState(t, rc.c, constant.JobStateRunning)

	require.NoError(t, service.StopJob(ctx, repo, a.ID))
	require.NoError(t, ra.wait(t))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(statuses(sourceC), statuses(targetC))
	}, waitFor, 20*time.Millisecond)

	require.NoError(t, service.StopJob(ctx, repo, c.ID))
	require.NoError(t, rc.wait(t))
	assert.Equal(t, constant.JobStateStopped, rc.c.State())
}

func TestJobLargerThanEngineFails(t *testing.T) {
	newOrderDB(t, "small_src", 10)
	newOrderDB(t, "small_t0", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeOneShot, "small_src", "small_t0"))
	require.NoError(t, err)
	r := runController(t, j, newManager(t, repo, "node-1", configutil.WithEngine(constant.EngineModeFixed, 2)))
	waitState(t, r.c, constant.JobStateFailed)

	stored, err := service.GetJob(ctx, repo, j.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "engine-workers is [2]")

	require.NoError(t, service.StopJob(ctx, repo, j.ID))
	require.NoError(t, r.wait(t))
	assert.Equal(t, constant.JobStateStopped, r.c.State())
}

func TestCanceledTasksReleaseTheJob(t *testing.T) {
	newOrderDB(t, "canceled_src", 50)
	newOrderDB(t, "canceled_t0", 0)
	repo := repomemory.NewRepository()
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	j, err := service.SubmitJob(ctx, repo, orderJob(constant.JobModeContinuous, "canceled_src", "canceled_t0"))
	require.NoError(t, err)
	m := newManager(t, repo, "node-1")
	r := runController(t, j, m)
	waitState(t, r.c, constant.JobStateRunning)

	// the engine cancels the incremental tasks once the grace is over
	_ = m.Engine().Shutdown(50 * time.Millisecond)
	err = r.wait(t)
	require.Error(t, err)
	assert.True(t, errorutil.IsCanceled(err))
	assert.Equal(t, constant.JobStateRunning, r.c.State())

	_, held, err := repo.Get(ctx, job.LockKey(j.ID))
	require.NoError(t, err)
	assert.False(t, held)
}
