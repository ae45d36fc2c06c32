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
package metadata

import (
	"strings"
	"sync"

	"github.com/r3labs/diff/v2"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Column struct {
	Name       string `json:"name" diff:"name"`
	DataType   string `json:"dataType" diff:"dataType"`
	Nullable   bool   `json:"nullable" diff:"nullable"`
	PrimaryKey bool   `json:"primaryKey" diff:"primaryKey"`
}

type TableMeta struct {
	Name       string   `json:"name" diff:"name"`
	Columns    []Column `json:"columns" diff:"columns"`
	PrimaryKey []string `json:"primaryKey" diff:"primaryKey"`
}

// Snapshot is a versioned read only view of table metadata and topology, readers never mutate it
type Snapshot struct {
	Version  int64                 `json:"version" diff:"-"`
	Tables   map[string]*TableMeta `json:"tables" diff:"tables"`
	Topology job.Topology          `json:"topology" diff:"topology"`
}

// Table returns the table metadata, names are case insensitive
func (s *Snapshot) Table(name string) (*TableMeta, bool) {
	if t, ok := s.Tables[name]; ok {
		return t, true
	}
	for k, t := range s.Tables {
		if strings.EqualFold(k, name) {
			return t, true
		}
	}
	return nil, false
}

// Clone returns a deep copy for copy on write
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{Version: s.Version, Tables: make(map[string]*TableMeta, len(s.Tables))}
	for k, t := range s.Tables {
		c.Tables[k] = t.Clone()
	}
	c.Topology = cloneTopology(s.Topology)
	return c
}

func (t *TableMeta) Clone() *TableMeta {
	return &TableMeta{
		Name:       t.Name,
		Columns:    append([]Column(nil), t.Columns...),
		PrimaryKey: append([]string(nil), t.PrimaryKey...),
	}
}

// ColumnNames returns the column names in definition order
func (t *TableMeta) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (t *TableMeta) IsPrimaryKey(column string) bool {
	for _, pk := range t.PrimaryKey {
		if strings.EqualFold(pk, column) {
			return true
		}
	}
	return false
}

func cloneTopology(t job.Topology) job.Topology {
	c := job.Topology{
		Type:   t.Type,
		Tables: append([]string(nil), t.Tables...),
		Shards: append([]job.Shard(nil), t.Shards...),
	}
	for _, r := range t.Rules {
		r.Shards = append([]string(nil), r.Shards...)
		r.Boundaries = append([]string(nil), r.Boundaries...)
		c.Rules = append(c.Rules, r)
	}
	return c
}

// Holder publishes snapshots, a single writer swaps whole snapshots while readers load lock free
type Holder struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

func NewHolder(initial *Snapshot) *Holder {
	if initial == nil {
		initial = &Snapshot{Tables: make(map[string]*TableMeta)}
	}
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// Load returns the current complete snapshot
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Refresh applies fn to a copy of the current snapshot and swaps it in with the next version,
// the current snapshot stays published when fn fails
func (h *Holder) Refresh(fn func(next *Snapshot) error) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	next := cur.Clone()
	if err := fn(next); err != nil {
		return cur, err
	}
	if next.Tables == nil {
		return cur, errorutil.Config.New("metadata snapshot refresh produced no tables")
	}
	next.Version = cur.Version + 1

	changelog, err := diff.Diff(cur, next)
	if err != nil {
		logger.Warn("metadata snapshot diff failed", zap.Int64("version", next.Version), zap.Error(err))
	}
	for _, c := range changelog {
		logger.Info("metadata snapshot changed",
			zap.Int64("version", next.Version),
			zap.String("type", c.Type),
			zap.Strings("path", c.Path),
			zap.Any("from", c.From),
			zap.Any("to", c.To))
	}

	h.current.Store(next)
	return next, nil
}
