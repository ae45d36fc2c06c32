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
package datasource

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

// MetaLoader describes tables of a shard
type MetaLoader interface {
	LoadTableMeta(ctx context.Context, table string) (*metadata.TableMeta, error)
	// KeyRange returns the inclusive primary key bounds, ok is false for an empty table
	KeyRange(ctx context.Context, table string) (start, end decimal.Decimal, ok bool, err error)
}

// RangeReader reads rows with primary key in [start, end] ordered by key, at most limit rows
type RangeReader interface {
	ReadRange(ctx context.Context, table string, start, end decimal.Decimal, limit int) ([]*record.DataRecord, error)
}

// ChangeStream delivers change events in log order
type ChangeStream interface {
	// Next returns up to max events, waiting at most wait when none is available
	Next(ctx context.Context, max int, wait time.Duration) ([]*record.DataRecord, error)
	Close() error
}

// ChangeStreamer opens change streams, Subscribe is inclusive of from so the event at from may be
// delivered again
type ChangeStreamer interface {
	CurrentLogPosition(ctx context.Context) (position.Position, error)
	Subscribe(ctx context.Context, from position.Position) (ChangeStream, error)
}

// BatchApplier writes records idempotently, upsert by key for inserts and updates and
// delete-if-exists for deletes, applying the same batch twice yields the same target state
type BatchApplier interface {
	ApplyBatch(ctx context.Context, records []*record.DataRecord) error
}

// DataSource is the capability set of one shard
type DataSource interface {
	MetaLoader
	RangeReader
	ChangeStreamer
	BatchApplier
	Close() error
}

// Opener opens a shard of a topology type
type Opener func(ctx context.Context, shard job.Shard) (DataSource, error)

// StreamOpener opens an external change stream of a shard
type StreamOpener func(ctx context.Context, shard job.Shard) (ChangeStreamer, error)

var (
	mu       sync.RWMutex
	openers  = make(map[string]Opener)
	streamer = make(map[string]StreamOpener)
)

// Register makes a topology type available, it panics on duplicate registration
func Register(typ string, o Opener) {
	mu.Lock()
	defer mu.Unlock()
	typ = strings.ToUpper(typ)
	if _, dup := openers[typ]; dup {
		panic("datasource: register called twice for type " + typ)
	}
	openers[typ] = o
}

// RegisterStream makes an external change stream type available
func RegisterStream(typ string, o StreamOpener) {
	mu.Lock()
	defer mu.Unlock()
	typ = strings.ToUpper(typ)
	if _, dup := streamer[typ]; dup {
		panic("datasource: register stream called twice for type " + typ)
	}
	streamer[typ] = o
}

func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	var list []string
	for k := range openers {
		list = append(list, k)
	}
	sort.Strings(list)
	return list
}

// Open opens the shard with the opener of typ
func Open(ctx context.Context, typ string, shard job.Shard) (DataSource, error) {
	mu.RLock()
	o, ok := openers[strings.ToUpper(typ)]
	mu.RUnlock()
	if !ok {
		return nil, errorutil.Config.New("datasource type [%s] is not registered, registered types [%s]", typ, strings.Join(Types(), ","))
	}
	return o(ctx, shard)
}

// OpenChangeStreamer returns the change streamer of the shard, CHANGELOG streams are served by
// the shard itself
func OpenChangeStreamer(ctx context.Context, ds DataSource, shard job.Shard) (ChangeStreamer, error) {
	if shard.Stream == nil || strings.EqualFold(shard.Stream.Type, constant.ChangeStreamTypeChangelog) {
		return ds, nil
	}
	mu.RLock()
	o, ok := streamer[strings.ToUpper(shard.Stream.Type)]
	mu.RUnlock()
	if !ok {
		return nil, errorutil.Config.New("change stream type [%s] of shard [%s] is not registered", shard.Stream.Type, shard.Name)
	}
	return o(ctx, shard)
}

// KeyPosition returns the inventory cursor of a primary key value, integer and decimal keys
// share the decimal cursor so that a task never mixes cursor types
func KeyPosition(key decimal.Decimal) position.Position {
	return position.NewDecimalPosition(key)
}
