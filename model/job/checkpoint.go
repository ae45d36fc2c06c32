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

	"github.com/golang/snappy"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/errorutil"
)

const (
	// CheckpointVersion is bumped whenever the persisted layout changes incompatibly
	CheckpointVersion = 1

	CodecSnappy = "snappy"
)

// Checkpoint is the durable resume snapshot of a job
type Checkpoint struct {
	Version int                       `json:"version"`
	JobID   string                    `json:"jobId"`
	State   string                    `json:"state"`
	Tasks   map[string]TaskCheckpoint `json:"tasks"`
}

type TaskCheckpoint struct {
	Kind        string `json:"kind"`
	CursorValue string `json:"cursorValue"`
	CursorType  string `json:"cursorType"`
	Status      string `json:"status,omitempty"`
}

type envelope struct {
	Codec string `json:"codec"`
	Data  []byte `json:"data"`
}

func NewCheckpoint(jobID, state string) *Checkpoint {
	return &Checkpoint{
		Version: CheckpointVersion,
		JobID:   jobID,
		State:   state,
		Tasks:   make(map[string]TaskCheckpoint),
	}
}

// SetTask records the task position snapshot
func (c *Checkpoint) SetTask(s position.Snapshot, status string) {
	c.Tasks[s.TaskID] = TaskCheckpoint{
		Kind:        s.Kind,
		CursorValue: s.Position.CursorValue,
		CursorType:  s.Position.CursorType,
		Status:      status,
	}
}

// TaskSnapshot returns the persisted tracker state of the task
func (c *Checkpoint) TaskSnapshot(taskID string) (position.Snapshot, bool) {
	t, ok := c.Tasks[taskID]
	if !ok {
		return position.Snapshot{}, false
	}
	return position.Snapshot{
		TaskID:   taskID,
		Kind:     t.Kind,
		Position: position.Position{CursorType: t.CursorType, CursorValue: t.CursorValue},
	}, true
}

// EncodeCheckpoint marshals the checkpoint, payloads above compressThreshold bytes are wrapped
// in a snappy envelope. A threshold <= 0 never compresses.
func EncodeCheckpoint(c *Checkpoint, compressThreshold int) ([]byte, error) {
	if c.Version == 0 {
		c.Version = CheckpointVersion
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("checkpoint [%s] marshal failed: [%v]", c.JobID, err)
	}
	if compressThreshold <= 0 || len(data) <= compressThreshold {
		return data, nil
	}
	return json.Marshal(&envelope{Codec: CodecSnappy, Data: snappy.Encode(nil, data)})
}

// DecodeCheckpoint accepts plain and enveloped checkpoints up to the current version
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errorutil.Config.Wrap(err, "checkpoint unmarshal failed")
	}
	switch env.Codec {
	case "":
	case CodecSnappy:
		raw, err := snappy.Decode(nil, env.Data)
		if err != nil {
			return nil, errorutil.Config.Wrap(err, "checkpoint snappy decode failed")
		}
		data = raw
	default:
		return nil, errorutil.Config.New("checkpoint codec [%s] is not support", env.Codec)
	}

	var c *Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errorutil.Config.Wrap(err, "checkpoint unmarshal failed")
	}
	if c.Version > CheckpointVersion {
		return nil, errorutil.Config.New("checkpoint [%s] version [%d] is newer than supported version [%d]", c.JobID, c.Version, CheckpointVersion)
	}
	if c.Tasks == nil {
		c.Tasks = make(map[string]TaskCheckpoint)
	}
	return c, nil
}
