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
package position

import (
	"fmt"
	"sync"

	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

// Snapshot is an immutable copy of a tracker, safe to persist without locking producers
type Snapshot struct {
	TaskID   string   `json:"taskId"`
	Kind     string   `json:"kind"`
	Position Position `json:"position"`
}

// Tracker is the per task cursor, exclusively owned by its task
type Tracker struct {
	mu       sync.Mutex
	taskID   string
	kind     string
	position Position
}

func NewTracker(taskID, kind string) *Tracker {
	return &Tracker{taskID: taskID, kind: kind}
}

// Advance moves the cursor forward, positions at or before the current one are ignored
func (t *Tracker) Advance(p Position) (bool, error) {
	if p.IsZero() {
		return false, nil
	}
	if err := t.checkCursorType(p); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := p.Compare(t.position)
	if err != nil {
		return false, err
	}
	if c <= 0 {
		return false, nil
	}
	t.position = p
	return true, nil
}

func (t *Tracker) Current() Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{TaskID: t.taskID, Kind: t.kind, Position: t.position}
}

// RestoreFrom seeds the tracker with a persisted snapshot
func (t *Tracker) RestoreFrom(s Snapshot) error {
	if s.TaskID != t.taskID {
		return errorutil.Config.New("restore task [%s] tracker from task [%s] snapshot", t.taskID, s.TaskID)
	}
	if s.Kind != t.kind {
		return errorutil.Config.New("restore task [%s] tracker kind [%s] from kind [%s]", t.taskID, t.kind, s.Kind)
	}
	if !s.Position.IsZero() {
		if err := t.checkCursorType(s.Position); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.position = s.Position
	t.mu.Unlock()
	return nil
}

func (t *Tracker) checkCursorType(p Position) error {
	switch t.kind {
	case constant.TaskKindInventory:
		if p.CursorType == constant.CursorTypeInteger || p.CursorType == constant.CursorTypeDecimal {
			return nil
		}
	case constant.TaskKindIncremental:
		if p.CursorType == constant.CursorTypeLogOffset {
			return nil
		}
	}
	return errorutil.Config.New("task [%s] kind [%s] does not accept cursor type [%s]", t.taskID, t.kind, p.CursorType)
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s/%s@%s", s.TaskID, s.Kind, s.Position.String())
}
