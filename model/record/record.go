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
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Record flows through a channel, records are immutable once produced
type Record interface {
	GetPosition() position.Position
	String() string
}

type Column struct {
	Name      string `json:"name"`
	Value     any    `json:"value"`
	UniqueKey bool   `json:"uniqueKey"`
	Updated   bool   `json:"updated"`
}

// DataRecord carries one row change, Key is the rendered primary key used for routing
type DataRecord struct {
	Table      string            `json:"table"`
	Op         string            `json:"op"`
	Key        string            `json:"key"`
	Columns    []Column          `json:"columns"`
	Position   position.Position `json:"position"`
	CommitTime time.Time         `json:"commitTime"`
}

// PlaceholderRecord advances the position on empty polls without carrying data
type PlaceholderRecord struct {
	Position position.Position `json:"position"`
}

// FinishedRecord terminates the consumer loop of a channel
type FinishedRecord struct {
	Position position.Position `json:"position"`
}

func (r *DataRecord) GetPosition() position.Position { return r.Position }

func (r *PlaceholderRecord) GetPosition() position.Position { return r.Position }

func (r *FinishedRecord) GetPosition() position.Position { return r.Position }

// UniqueKeys returns the key columns, used by idempotent upsert and delete-if-exists
func (r *DataRecord) UniqueKeys() []Column {
	var keys []Column
	for _, c := range r.Columns {
		if c.UniqueKey {
			keys = append(keys, c)
		}
	}
	return keys
}

// Column returns the named column
func (r *DataRecord) Column(name string) (Column, bool) {
	for _, c := range r.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

func (r *DataRecord) String() string {
	jsonStr, _ := stringutil.MarshalJSON(r)
	return jsonStr
}

func (r *PlaceholderRecord) String() string {
	return fmt.Sprintf("placeholder@%s", r.Position.String())
}

func (r *FinishedRecord) String() string {
	return fmt.Sprintf("finished@%s", r.Position.String())
}

// Batch is the unit acknowledged by the consumer
type Batch struct {
	ID      string
	Records []Record
}

func NewBatch(records ...Record) *Batch {
	return &Batch{ID: uuid.New().String(), Records: records}
}

// LastPosition returns the position of the last record, the batch cursor
func (b *Batch) LastPosition() position.Position {
	if len(b.Records) == 0 {
		return position.Position{}
	}
	return b.Records[len(b.Records)-1].GetPosition()
}

// IsFinished reports the batch is the finished sentinel
func (b *Batch) IsFinished() bool {
	if len(b.Records) != 1 {
		return false
	}
	_, ok := b.Records[0].(*FinishedRecord)
	return ok
}

// DataRecords filters out placeholders
func (b *Batch) DataRecords() []*DataRecord {
	var rows []*DataRecord
	for _, r := range b.Records {
		if d, ok := r.(*DataRecord); ok {
			rows = append(rows, d)
		}
	}
	return rows
}

// HasFinished reports whether any record is a finished sentinel
func (b *Batch) HasFinished() bool {
	for _, r := range b.Records {
		if _, ok := r.(*FinishedRecord); ok {
			return true
		}
	}
	return false
}
