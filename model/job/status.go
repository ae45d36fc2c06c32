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
	"sort"

	"github.com/wentaojin/scaling/pipeline/position"
)

// Status is the operator view of a job
type Status struct {
	JobID string        `json:"jobId"`
	Mode  string        `json:"mode"`
	State string        `json:"state"`
	Owner string        `json:"owner,omitempty"`
	Error string        `json:"error,omitempty"`
	Tasks []*TaskStatus `json:"tasks"`
}

type TaskStatus struct {
	TaskID   string            `json:"taskId"`
	Kind     string            `json:"kind"`
	Status   string            `json:"status"`
	Position position.Position `json:"position"`
}

// NewStatus merges the job definition with its last checkpoint, the checkpoint may be nil
func NewStatus(j *Job, c *Checkpoint) *Status {
	s := &Status{JobID: j.ID, Mode: j.Mode, State: j.State, Owner: j.Owner, Error: j.Error}
	if c == nil {
		return s
	}
	for id, t := range c.Tasks {
		s.Tasks = append(s.Tasks, &TaskStatus{
			TaskID:   id,
			Kind:     t.Kind,
			Status:   t.Status,
			Position: position.Position{CursorType: t.CursorType, CursorValue: t.CursorValue},
		})
	}
	sort.Slice(s.Tasks, func(i, k int) bool {
		return s.Tasks[i].TaskID < s.Tasks[k].TaskID
	})
	return s
}
