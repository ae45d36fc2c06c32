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
package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/datasource/memory"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"golang.org/x/sync/errgroup"
)

func tableMeta(name string) *metadata.TableMeta {
	return &metadata.TableMeta{
		Name: name,
		Columns: []metadata.Column{
			{Name: "id", DataType: "BIGINT", PrimaryKey: true},
			{Name: "status", DataType: "VARCHAR", Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func newDB(t *testing.T, name string, tables ...string) *memory.Database {
	t.Helper()
	db := memory.NewDatabase(name)
	t.Cleanup(func() { memory.Drop(name) })
	for _, tbl := range tables {
		require.NoError(t, db.CreateTable(tableMeta(tbl)))
	}
	return db
}

func singleRouter(t *testing.T, target *memory.Database) *TargetRouter {
	t.Helper()
	r, err := NewTargetRouter(job.Topology{
		Type:   constant.DatabaseTypeMemory,
		Shards: []job.Shard{{Name: "ds_target", DSN: target.Name()}},
	}, map[string]datasource.BatchApplier{"ds_target": memory.NewSource(target)})
	require.NoError(t, err)
	return r
}

func newChannel(t *testing.T, name string) *channel.Channel {
	t.Helper()
	ch, err := channel.NewChannel(name, constant.DefaultChannelCapacity,
		channel.WithSendTimeout(time.Second), channel.WithReceiveTimeout(100*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestInventoryMigratesWholeRange(t *testing.T) {
	source := newDB(t, "inv_source", "t_order")
	target := newDB(t, "inv_target", "t_order")
	for i := int64(1); i <= 1000; i++ {
		require.NoError(t, source.Insert("t_order", map[string]any{"id": i, "status": fmt.Sprintf("S%d", i)}))
	}

	tk := &job.Task{ID: "j1-inv", Kind: constant.TaskKindInventory, Shard: "ds_0", Table: "t_order", RangeStart: "1", RangeEnd: "1000"}
	ch := newChannel(t, "inv_whole")
	tracker := position.NewTracker(tk.ID, tk.Kind)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return (&InventoryDumper{Task: tk, Reader: memory.NewSource(source), Channel: ch, BatchSize: 100}).Run(ctx)
	})
	g.Go(func() error {
		return (&Importer{Task: tk, Channel: ch, Router: singleRouter(t, target), Tracker: tracker}).Run(ctx)
	})
	require.NoError(t, g.Wait())

	rows := target.Rows("t_order")
	assert.Len(t, rows, 1000)
	assert.Equal(t, "S500", rows["500"]["status"])
	assert.Equal(t, "1000", tracker.Current().CursorValue)
	assert.Equal(t, 0, ch.Outstanding())
}

func TestInventoryResumesAfterPosition(t *testing.T) {
	source := newDB(t, "inv_resume_source", "t_order")
	target := newDB(t, "inv_resume_target", "t_order")
	for i := int64(1); i <= 30; i++ {
		require.NoError(t, source.Insert("t_order", map[string]any{"id": i, "status": "NEW"}))
	}

	tk := &job.Task{ID: "j1-inv-resume", Kind: constant.TaskKindInventory, Shard: "ds_0", Table: "t_order", RangeStart: "1", RangeEnd: "30"}
	ch := newChannel(t, "inv_resume")
	tracker := position.NewTracker(tk.ID, tk.Kind)
	from := datasource.KeyPosition(decimalOf(t, "20"))
	require.NoError(t, tracker.RestoreFrom(position.Snapshot{TaskID: tk.ID, Kind: tk.Kind, Position: from}))

	g := new(errgroup.Group)
	g.Go(func() error {
		return (&InventoryDumper{Task: tk, Reader: memory.NewSource(source), Channel: ch, BatchSize: 4, From: from}).Run(context.Background())
	})
	g.Go(func() error {
		return (&Importer{Task: tk, Channel: ch, Router: singleRouter(t, target), Tracker: tracker}).Run(context.Background())
	})
	require.NoError(t, g.Wait())

	rows := target.Rows("t_order")
	assert.Len(t, rows, 10)
	assert.NotContains(t, rows, "20")
	assert.Contains(t, rows, "21")
	assert.Equal(t, "30", tracker.Current().CursorValue)
}

func TestIncrementalRestoreRedeliversUnacked(t *testing.T) {
	source := newDB(t, "inc_source", "t_order")
	target := newDB(t, "inc_target", "t_order")
	for i := int64(1); i <= 6; i++ {
		require.NoError(t, source.Insert("t_order", map[string]any{"id": i, "status": "NEW"}))
	}

	tk := &job.Task{ID: "j1-inc", Kind: constant.TaskKindIncremental, Shard: "ds_0"}
	src := memory.NewSource(source)
	tracker := position.NewTracker(tk.ID, tk.Kind)

	run := func(name string, from position.Position) {
		ch := newChannel(t, name)
		g := new(errgroup.Group)
		g.Go(func() error {
			return (&IncrementalDumper{
				Task: tk, Streamer: src, Channel: ch, Tables: []string{"t_order"},
				PollWait: 20 * time.Millisecond, From: from, OneShot: true,
			}).Run(context.Background())
		})
		g.Go(func() error {
			return (&Importer{Task: tk, Channel: ch, Router: singleRouter(t, target), Tracker: tracker}).Run(context.Background())
		})
		require.NoError(t, g.Wait())
	}

	// offsets 5 and 6 are applied and acknowledged
	run("inc_first", position.NewLogOffsetPosition(4))
	assert.Equal(t, position.NewLogOffsetPosition(6), tracker.Current())
	snapshot := tracker.Snapshot()

	// offset 7 reaches the target but the crash loses its ack
	require.NoError(t, source.Update("t_order", map[string]any{"id": int64(6), "status": "PAID"}))
	stream, err := src.Subscribe(context.Background(), position.NewLogOffsetPosition(7))
	require.NoError(t, err)
	events, err := stream.Next(context.Background(), 10, 0)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.Len(t, events, 1)
	require.NoError(t, memory.NewSource(target).ApplyBatch(context.Background(), events))

	restored := position.NewTracker(tk.ID, tk.Kind)
	require.NoError(t, restored.RestoreFrom(snapshot))
	tracker = restored
	run("inc_second", restored.Current())

	rows := target.Rows("t_order")
	assert.Len(t, rows, 2)
	assert.Equal(t, "PAID", rows["6"]["status"])
	assert.Equal(t, position.NewLogOffsetPosition(7), tracker.Current())
}

func TestIncrementalSkipsForeignTables(t *testing.T) {
	source := newDB(t, "inc_filter_source", "t_order", "t_user")
	target := newDB(t, "inc_filter_target", "t_order")
	require.NoError(t, source.Insert("t_order", map[string]any{"id": int64(1), "status": "NEW"}))
	require.NoError(t, source.Insert("t_user", map[string]any{"id": int64(1), "status": "NEW"}))
	require.NoError(t, source.Insert("t_user", map[string]any{"id": int64(2), "status": "NEW"}))

	tk := &job.Task{ID: "j2-inc", Kind: constant.TaskKindIncremental, Shard: "ds_0"}
	ch := newChannel(t, "inc_filter")
	tracker := position.NewTracker(tk.ID, tk.Kind)

	g := new(errgroup.Group)
	g.Go(func() error {
		return (&IncrementalDumper{
			Task: tk, Streamer: memory.NewSource(source), Channel: ch, Tables: []string{"T_ORDER"},
			PollWait: 20 * time.Millisecond, From: position.NewLogOffsetPosition(0), OneShot: true,
		}).Run(context.Background())
	})
	g.Go(func() error {
		return (&Importer{Task: tk, Channel: ch, Router: singleRouter(t, target), Tracker: tracker}).Run(context.Background())
	})
	require.NoError(t, g.Wait())

	assert.Len(t, target.Rows("t_order"), 1)
	assert.Equal(t, position.NewLogOffsetPosition(3), tracker.Current())
}

func TestIncrementalWaitsForInventoryGate(t *testing.T) {
	source := newDB(t, "inc_gate_source", "t_order")
	tk := &job.Task{ID: "j3-inc", Kind: constant.TaskKindIncremental, Shard: "ds_0"}
	ch := newChannel(t, "inc_gate")

	gate := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := (&IncrementalDumper{
		Task: tk, Streamer: memory.NewSource(source), Channel: ch,
		From: position.NewLogOffsetPosition(0), Gate: gate,
	}).Run(ctx)
	assert.True(t, errorutil.IsCanceled(err))
	assert.Equal(t, 0, ch.Outstanding())
}

func TestImporterFailureStopsDumper(t *testing.T) {
	source := newDB(t, "imp_fail_source", "t_order")
	target := newDB(t, "imp_fail_target", "t_order")
	for i := int64(1); i <= 50; i++ {
		require.NoError(t, source.Insert("t_order", map[string]any{"id": i, "status": "NEW"}))
	}
	target.FailNextApply(1, errorutil.DataConflict.New("duplicate entry"))

	tk := &job.Task{ID: "j4-inv", Kind: constant.TaskKindInventory, Shard: "ds_0", Table: "t_order", RangeStart: "1", RangeEnd: "50"}
	ch := newChannel(t, "imp_fail")
	tracker := position.NewTracker(tk.ID, tk.Kind)

	g := new(errgroup.Group)
	g.Go(func() error {
		return (&InventoryDumper{Task: tk, Reader: memory.NewSource(source), Channel: ch, BatchSize: 1}).Run(context.Background())
	})
	g.Go(func() error {
		return (&Importer{Task: tk, Channel: ch, Router: singleRouter(t, target), Tracker: tracker}).Run(context.Background())
	})
	err := g.Wait()
	require.Error(t, err)
	assert.True(t, errorutil.IsDataConflict(err))
	assert.True(t, errorutil.IsDataConflict(ch.Err()))
	assert.True(t, tracker.Current().IsZero())
}

func TestTargetRouterSplitsByRule(t *testing.T) {
	t0 := newDB(t, "route_t0", "t_order")
	t1 := newDB(t, "route_t1", "t_order")
	r, err := NewTargetRouter(job.Topology{
		Type:   constant.DatabaseTypeMemory,
		Shards: []job.Shard{{Name: "ds_0"}, {Name: "ds_1"}},
		Rules:  []sharding.Rule{{Table: "t_order", Column: "id", Algorithm: sharding.AlgorithmMod, Shards: []string{"ds_0", "ds_1"}}},
	}, map[string]datasource.BatchApplier{"ds_0": memory.NewSource(t0), "ds_1": memory.NewSource(t1)})
	require.NoError(t, err)

	var records []*record.DataRecord
	for i := int64(1); i <= 9; i++ {
		records = append(records, &record.DataRecord{
			Table: "t_order", Op: constant.RecordOperationInsert, Key: fmt.Sprintf("%d", i),
			Columns: []record.Column{{Name: "id", Value: i, UniqueKey: true}, {Name: "status", Value: "NEW"}},
		})
	}
	require.NoError(t, r.Apply(context.Background(), records))
	assert.Len(t, t0.Rows("t_order"), 4)
	assert.Len(t, t1.Rows("t_order"), 5)

	_, err = r.Route(&record.DataRecord{Table: "t_user", Key: "1"})
	assert.True(t, errorutil.IsConfig(err))
	_, err = NewTargetRouter(job.Topology{Shards: []job.Shard{{Name: "ds_9"}}}, map[string]datasource.BatchApplier{})
	assert.True(t, errorutil.IsConfig(err))
}

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
