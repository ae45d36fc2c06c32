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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

var (
	dbMu      sync.RWMutex
	databases = make(map[string]*Database)
)

func init() {
	datasource.Register(constant.DatabaseTypeMemory, func(ctx context.Context, shard job.Shard) (datasource.DataSource, error) {
		db, ok := Lookup(shard.DSN)
		if !ok {
			return nil, errorutil.Transient.New("memory database [%s] of shard [%s] is unreachable", shard.DSN, shard.Name)
		}
		return &Source{db: db}, nil
	})
}

// NewDatabase creates and registers an in-process database, the shard dsn refers to it by name
func NewDatabase(name string) *Database {
	db := &Database{
		name:    name,
		tables:  make(map[string]*table),
		changed: make(chan struct{}),
	}
	dbMu.Lock()
	databases[name] = db
	dbMu.Unlock()
	return db
}

func Lookup(name string) (*Database, bool) {
	dbMu.RLock()
	defer dbMu.RUnlock()
	db, ok := databases[name]
	return db, ok
}

// Drop unregisters the database, opened sources keep working
func Drop(name string) {
	dbMu.Lock()
	delete(databases, name)
	dbMu.Unlock()
}

type table struct {
	meta *metadata.TableMeta
	rows map[string]map[string]any
	keys map[string]decimal.Decimal
}

// Database keeps tables keyed by a single numeric primary key and an append only change log,
// the offset of a change is its index plus one
type Database struct {
	mu      sync.RWMutex
	name    string
	tables  map[string]*table
	log     []*record.DataRecord
	changed chan struct{}

	failNext int
	failErr  error

	afterKeyRange func(tableName string)
}

func (d *Database) Name() string {
	return d.name
}

// CreateTable registers a table, the first primary key column is the row key
func (d *Database) CreateTable(meta *metadata.TableMeta) error {
	if meta == nil || len(meta.PrimaryKey) == 0 {
		return errorutil.Config.New("memory table of database [%s] needs a primary key", d.name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[strings.ToLower(meta.Name)] = &table{
		meta: meta.Clone(),
		rows: make(map[string]map[string]any),
		keys: make(map[string]decimal.Decimal),
	}
	return nil
}

func (d *Database) Insert(tableName string, row map[string]any) error {
	return d.write(tableName, constant.RecordOperationInsert, row)
}

func (d *Database) Update(tableName string, row map[string]any) error {
	return d.write(tableName, constant.RecordOperationUpdate, row)
}

// Delete removes the row of the key, a missing row still logs the delete
func (d *Database) Delete(tableName string, key any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.tableLocked(tableName)
	if err != nil {
		return err
	}
	k, err := sharding.ToDecimal(key)
	if err != nil {
		return err
	}
	row := map[string]any{strings.ToLower(t.meta.PrimaryKey[0]): key}
	t.remove(k.String())
	d.appendLocked(t, constant.RecordOperationDelete, k, row)
	return nil
}

// Rows returns a copy of the table rows keyed by the rendered primary key
func (d *Database) Rows(tableName string) map[string]map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[strings.ToLower(tableName)]
	if !ok {
		return nil
	}
	rows := make(map[string]map[string]any, len(t.rows))
	for k, r := range t.rows {
		rows[k] = copyRow(r)
	}
	return rows
}

// LogLength returns the number of logged changes, also the latest offset
func (d *Database) LogLength() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.log)
}

// FailNextApply makes the next n applies fail with err before touching any row
func (d *Database) FailNextApply(n int, err error) {
	if err == nil {
		err = errorutil.Transient.New("memory database [%s] injected apply failure", d.name)
	}
	d.mu.Lock()
	d.failNext = n
	d.failErr = err
	d.mu.Unlock()
}

// AfterKeyRange runs fn once a key range of the table has been read, outside the database lock
func (d *Database) AfterKeyRange(fn func(tableName string)) {
	d.mu.Lock()
	d.afterKeyRange = fn
	d.mu.Unlock()
}

func (d *Database) write(tableName, op string, row map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.tableLocked(tableName)
	if err != nil {
		return err
	}
	k, err := t.key(row)
	if err != nil {
		return err
	}
	merged := t.upsert(k, row)
	d.appendLocked(t, op, k, merged)
	return nil
}

func (d *Database) tableLocked(name string) (*table, error) {
	t, ok := d.tables[strings.ToLower(name)]
	if !ok {
		return nil, errorutil.Config.New("table [%s] does not exist in memory database [%s]", name, d.name)
	}
	return t, nil
}

func (d *Database) appendLocked(t *table, op string, k decimal.Decimal, row map[string]any) {
	rec := t.record(op, k, row)
	rec.Position = position.NewLogOffsetPosition(int64(len(d.log) + 1))
	rec.CommitTime = time.Now()
	d.log = append(d.log, rec)
	close(d.changed)
	d.changed = make(chan struct{})
}

func (t *table) key(row map[string]any) (decimal.Decimal, error) {
	pk := t.meta.PrimaryKey[0]
	for c, v := range row {
		if strings.EqualFold(c, pk) {
			return sharding.ToDecimal(v)
		}
	}
	return decimal.Zero, errorutil.DataConflict.New("row of table [%s] misses primary key column [%s]", t.meta.Name, pk)
}

func (t *table) upsert(k decimal.Decimal, row map[string]any) map[string]any {
	ks := k.String()
	cur, ok := t.rows[ks]
	if !ok {
		cur = make(map[string]any, len(row))
	}
	for c, v := range row {
		cur[strings.ToLower(c)] = v
	}
	t.rows[ks] = cur
	t.keys[ks] = k
	return copyRow(cur)
}

func (t *table) remove(ks string) {
	delete(t.rows, ks)
	delete(t.keys, ks)
}

// record renders a full row image in column order
func (t *table) record(op string, k decimal.Decimal, row map[string]any) *record.DataRecord {
	rec := &record.DataRecord{Table: t.meta.Name, Op: op, Key: k.String()}
	for _, c := range t.meta.Columns {
		v, ok := row[strings.ToLower(c.Name)]
		if !ok && op != constant.RecordOperationDelete {
			continue
		}
		if op == constant.RecordOperationDelete && !c.PrimaryKey {
			continue
		}
		rec.Columns = append(rec.Columns, record.Column{
			Name:      c.Name,
			Value:     v,
			UniqueKey: c.PrimaryKey,
			Updated:   op == constant.RecordOperationUpdate && !c.PrimaryKey,
		})
	}
	return rec
}

func (t *table) sortedKeys(start, end decimal.Decimal) []decimal.Decimal {
	var keys []decimal.Decimal
	for _, k := range t.keys {
		if k.LessThan(start) || k.GreaterThan(end) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].LessThan(keys[j]) })
	return keys
}

func copyRow(r map[string]any) map[string]any {
	c := make(map[string]any, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
