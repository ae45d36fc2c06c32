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
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

func newTestJob() *Job {
	return NewJob(constant.JobModeOneShot,
		Topology{
			Type:   constant.DatabaseTypeMemory,
			Tables: []string{"t_order"},
			Shards: []Shard{{Name: "ds_0", RangeStart: "1", RangeEnd: "1000", Stream: &Stream{Type: constant.ChangeStreamTypeChangelog}}},
		},
		Topology{
			Type:   constant.DatabaseTypeMemory,
			Shards: []Shard{{Name: "ds_1"}, {Name: "ds_2"}},
			Rules:  []sharding.Rule{{Table: "t_order", Column: "order_id", Algorithm: sharding.AlgorithmMod, Shards: []string{"ds_1", "ds_2"}}},
		})
}

func TestJobValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(j *Job)
		ok     bool
	}{
		{name: "valid", mutate: func(j *Job) {}, ok: true},
		{name: "bad mode", mutate: func(j *Job) { j.Mode = "forever" }},
		{name: "no source shards", mutate: func(j *Job) { j.Source.Shards = nil }},
		{name: "no tables", mutate: func(j *Job) { j.Source.Tables = nil }},
		{name: "unknown type", mutate: func(j *Job) { j.Source.Type = "oracle" }},
		{name: "half range", mutate: func(j *Job) { j.Source.Shards[0].RangeEnd = "" }},
		{name: "inverted range", mutate: func(j *Job) { j.Source.Shards[0].RangeStart = "2000" }},
		{name: "no stream", mutate: func(j *Job) { j.Source.Shards[0].Stream = nil }},
		{name: "kafka without topic", mutate: func(j *Job) {
			j.Source.Shards[0].Stream = &Stream{Type: constant.ChangeStreamTypeKafka, Brokers: "127.0.0.1:9092"}
		}},
		{name: "duplicate target shard", mutate: func(j *Job) { j.Target.Shards[1].Name = "ds_1" }},
		{name: "rule to unknown shard", mutate: func(j *Job) { j.Target.Rules[0].Shards = []string{"ds_1", "ds_9"} }},
		{name: "missing rule", mutate: func(j *Job) { j.Target.Rules = nil }},
		{name: "single target without rule", mutate: func(j *Job) {
			j.Target.Rules = nil
			j.Target.Shards = j.Target.Shards[:1]
		}, ok: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			j := newTestJob()
			c.mutate(j)
			err := j.Validate()
			if c.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errorutil.IsConfig(err), "got %v", err)
		})
	}
}

func TestJobSplit(t *testing.T) {
	j := newTestJob()
	j.InventorySplit = 4
	tasks, err := j.Split()
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	var inventory []*Task
	for _, task := range tasks {
		if task.Kind == constant.TaskKindInventory {
			inventory = append(inventory, task)
		}
	}
	require.Len(t, inventory, 4)
	assert.Equal(t, "1", inventory[0].RangeStart)
	assert.Equal(t, "250", inventory[0].RangeEnd)
	assert.Equal(t, "751", inventory[3].RangeStart)
	assert.Equal(t, "1000", inventory[3].RangeEnd)
	assert.Equal(t, constant.TaskKindIncremental, tasks[4].Kind)
	assert.Equal(t, IncrementalTaskID(j.ID, "ds_0"), tasks[4].ID)

	j.Source.Shards[0].RangeStart, j.Source.Shards[0].RangeEnd = "", ""
	_, err = j.Split()
	assert.True(t, errorutil.IsConfig(err))
}

func TestSplitRange(t *testing.T) {
	ranges, err := SplitRange("1", "3", 5)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"1", "1"}, {"2", "2"}, {"3", "3"}}, ranges)

	ranges, err = SplitRange("10", "10", 1)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"10", "10"}}, ranges)
}

func TestStateMachine(t *testing.T) {
	j := newTestJob()
	assert.Equal(t, constant.JobStatePreparing, j.State)
	require.NoError(t, j.Transit(constant.JobStateRunning))
	require.NoError(t, j.Transit(constant.JobStatePaused))
	require.NoError(t, j.Transit(constant.JobStateRunning))
	assert.True(t, errorutil.IsConfig(j.Transit(constant.JobStateStopped)))
	require.NoError(t, j.Transit(constant.JobStateFinished))
	assert.True(t, IsTerminal(j.State))
	assert.Error(t, j.Transit(constant.JobStateRunning))
}

func TestCheckpointCodec(t *testing.T) {
	c := NewCheckpoint("j1", constant.JobStateRunning)
	c.SetTask(position.Snapshot{TaskID: "t1", Kind: constant.TaskKindInventory, Position: position.NewIntegerPosition(1000)}, constant.TaskStatusFinished)
	c.SetTask(position.Snapshot{TaskID: "t2", Kind: constant.TaskKindIncremental, Position: position.NewLogOffsetPosition(6)}, constant.TaskStatusRunning)

	data, err := EncodeCheckpoint(c, 0)
	require.NoError(t, err)

	var layout map[string]any
	require.NoError(t, json.Unmarshal(data, &layout))
	assert.Equal(t, float64(1), layout["version"])
	assert.Equal(t, "j1", layout["jobId"])
	assert.Equal(t, map[string]any{"kind": "INVENTORY", "cursorValue": "1000", "cursorType": "INTEGER", "status": "FINISHED"},
		layout["tasks"].(map[string]any)["t1"])

	got, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	s, ok := got.TaskSnapshot("t2")
	require.True(t, ok)
	assert.Equal(t, position.NewLogOffsetPosition(6), s.Position)
}

func TestCheckpointSnappyEnvelope(t *testing.T) {
	c := NewCheckpoint("j1", constant.JobStateRunning)
	for i := 0; i < 200; i++ {
		c.SetTask(position.Snapshot{TaskID: fmt.Sprintf("t%03d", i), Kind: constant.TaskKindInventory, Position: position.NewIntegerPosition(int64(i))}, constant.TaskStatusRunning)
	}
	data, err := EncodeCheckpoint(c, 1024)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, CodecSnappy, env.Codec)

	got, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestCheckpointNewerVersion(t *testing.T) {
	_, err := DecodeCheckpoint([]byte(`{"version":2,"jobId":"j1","state":"RUNNING","tasks":{}}`))
	assert.True(t, errorutil.IsConfig(err))

	c, err := DecodeCheckpoint([]byte(`{"version":1,"jobId":"j1","state":"RUNNING","tasks":{"t1":{"kind":"INVENTORY","cursorValue":"5","cursorType":"INTEGER","extra":"ignored"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "5", c.Tasks["t1"].CursorValue)
}

func TestNewStatus(t *testing.T) {
	j := newTestJob()
	c := NewCheckpoint(j.ID, j.State)
	c.SetTask(position.Snapshot{TaskID: "b", Kind: constant.TaskKindIncremental, Position: position.NewLogOffsetPosition(7)}, constant.TaskStatusRunning)
	c.SetTask(position.Snapshot{TaskID: "a", Kind: constant.TaskKindInventory}, constant.TaskStatusPending)
	s := NewStatus(j, c)
	require.Len(t, s.Tasks, 2)
	assert.Equal(t, "a", s.Tasks[0].TaskID)
	assert.True(t, s.Tasks[0].Position.IsZero())
}
