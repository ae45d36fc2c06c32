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
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

// Source serves one shard backed by a memory database
type Source struct {
	db *Database
}

var _ datasource.DataSource = (*Source)(nil)

func NewSource(db *Database) *Source {
	return &Source{db: db}
}

func (s *Source) LoadTableMeta(ctx context.Context, tableName string) (*metadata.TableMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorutil.Canceled.Wrap(err, "load table [%s] meta", tableName)
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	t, err := s.db.tableLocked(tableName)
	if err != nil {
		return nil, err
	}
	return t.meta.Clone(), nil
}

func (s *Source) KeyRange(ctx context.Context, tableName string) (decimal.Decimal, decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, decimal.Zero, false, errorutil.Canceled.Wrap(err, "key range of table [%s]", tableName)
	}
	start, end, ok, err := s.keyRange(tableName)
	s.db.mu.RLock()
	hook := s.db.afterKeyRange
	s.db.mu.RUnlock()
	if err == nil && hook != nil {
		hook(tableName)
	}
	return start, end, ok, err
}

func (s *Source) keyRange(tableName string) (decimal.Decimal, decimal.Decimal, bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	t, err := s.db.tableLocked(tableName)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	if len(t.keys) == 0 {
		return decimal.Zero, decimal.Zero, false, nil
	}
	var start, end decimal.Decimal
	first := true
	for _, k := range t.keys {
		if first || k.LessThan(start) {
			start = k
		}
		if first || k.GreaterThan(end) {
			end = k
		}
		first = false
	}
	return start, end, true, nil
}

func (s *Source) ReadRange(ctx context.Context, tableName string, start, end decimal.Decimal, limit int) ([]*record.DataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorutil.Canceled.Wrap(err, "read table [%s] range", tableName)
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	t, err := s.db.tableLocked(tableName)
	if err != nil {
		return nil, err
	}
	keys := t.sortedKeys(start, end)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	rows := make([]*record.DataRecord, 0, len(keys))
	for _, k := range keys {
		rec := t.record(constant.RecordOperationInsert, k, t.rows[k.String()])
		rec.Position = datasource.KeyPosition(k)
		rows = append(rows, rec)
	}
	return rows, nil
}

func (s *Source) CurrentLogPosition(ctx context.Context) (position.Position, error) {
	if err := ctx.Err(); err != nil {
		return position.Position{}, errorutil.Canceled.Wrap(err, "current log position")
	}
	return position.NewLogOffsetPosition(int64(s.db.LogLength())), nil
}

func (s *Source) Subscribe(ctx context.Context, from position.Position) (datasource.ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorutil.Canceled.Wrap(err, "subscribe change stream")
	}
	var cursor int
	if !from.IsZero() {
		off, err := from.Offset()
		if err != nil {
			return nil, err
		}
		if off > 0 {
			cursor = int(off - 1)
		}
	}
	return &stream{db: s.db, cursor: cursor}, nil
}

// ApplyBatch upserts inserts and updates by key and deletes if exists, the batch is applied
// under one lock so readers never observe half of it
func (s *Source) ApplyBatch(ctx context.Context, records []*record.DataRecord) error {
	if err := ctx.Err(); err != nil {
		return errorutil.Canceled.Wrap(err, "apply batch")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.failNext > 0 {
		s.db.failNext--
		return s.db.failErr
	}
	for _, r := range records {
		t, err := s.db.tableLocked(r.Table)
		if err != nil {
			return err
		}
		row := make(map[string]any, len(r.Columns))
		for _, c := range r.Columns {
			row[c.Name] = c.Value
		}
		k, err := t.key(row)
		if err != nil {
			return err
		}
		switch r.Op {
		case constant.RecordOperationInsert, constant.RecordOperationUpdate:
			merged := t.upsert(k, row)
			s.db.appendLocked(t, r.Op, k, merged)
		case constant.RecordOperationDelete:
			t.remove(k.String())
			s.db.appendLocked(t, r.Op, k, map[string]any{strings.ToLower(t.meta.PrimaryKey[0]): k})
		default:
			return errorutil.DataConflict.New("record operation [%s] of table [%s] is not supported", r.Op, r.Table)
		}
	}
	return nil
}

func (s *Source) Close() error {
	return nil
}

type stream struct {
	db     *Database
	cursor int
	closed bool
}

func (st *stream) Next(ctx context.Context, max int, wait time.Duration) ([]*record.DataRecord, error) {
	if st.closed {
		return nil, errorutil.NotInitialized.New("change stream of memory database [%s] is closed", st.db.name)
	}
	rows, changed := st.poll(max)
	if len(rows) > 0 || wait <= 0 {
		return rows, nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, errorutil.Canceled.Wrap(ctx.Err(), "read change stream")
	case <-t.C:
		return nil, nil
	case <-changed:
		rows, _ = st.poll(max)
		return rows, nil
	}
}

func (st *stream) poll(max int) ([]*record.DataRecord, <-chan struct{}) {
	st.db.mu.RLock()
	defer st.db.mu.RUnlock()
	end := len(st.db.log)
	if max > 0 && end-st.cursor > max {
		end = st.cursor + max
	}
	if st.cursor >= end {
		return nil, st.db.changed
	}
	rows := make([]*record.DataRecord, 0, end-st.cursor)
	for _, r := range st.db.log[st.cursor:end] {
		c := *r
		c.Columns = append([]record.Column(nil), r.Columns...)
		rows = append(rows, &c)
	}
	st.cursor = end
	return rows, st.db.changed
}

func (st *stream) Close() error {
	st.closed = true
	return nil
}
