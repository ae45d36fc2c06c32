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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Stream locates the change stream of a source shard
type Stream struct {
	Type string `toml:"type" json:"type"`
	// Table keeps only the events of one table when set
	Table     string `toml:"table" json:"table,omitempty"`
	Brokers   string `toml:"brokers" json:"brokers,omitempty"`
	Topic     string `toml:"topic" json:"topic,omitempty"`
	Partition int    `toml:"partition" json:"partition,omitempty"`
}

// Shard is one physical database of a topology, the primary key range is inclusive and
// resolved from the source when left empty
type Shard struct {
	Name       string  `toml:"name" json:"name"`
	DSN        string  `toml:"dsn" json:"dsn"`
	RangeStart string  `toml:"range-start" json:"rangeStart,omitempty"`
	RangeEnd   string  `toml:"range-end" json:"rangeEnd,omitempty"`
	Stream     *Stream `toml:"stream" json:"stream,omitempty"`
}

// Topology describes the source or the target of a job
type Topology struct {
	Type   string          `toml:"type" json:"type"`
	Tables []string        `toml:"tables" json:"tables"`
	Shards []Shard         `toml:"shards" json:"shards"`
	Rules  []sharding.Rule `toml:"rules" json:"rules,omitempty"`
}

// Job identifies a migration unit
type Job struct {
	ID     string   `json:"id"`
	Mode   string   `json:"mode"`
	State  string   `json:"state"`
	Source Topology `json:"source"`
	Target Topology `json:"target"`
	// InventorySplit divides every source shard range into that many inventory tasks
	InventorySplit int       `json:"inventorySplit,omitempty"`
	TaskIDs        []string  `json:"taskIds,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreateTime     time.Time `json:"createTime"`
	UpdateTime     time.Time `json:"updateTime"`
}

// Task is the unit of concurrent execution
type Task struct {
	ID         string            `json:"id"`
	JobID      string            `json:"jobId"`
	Kind       string            `json:"kind"`
	Shard      string            `json:"shard"`
	Table      string            `json:"table,omitempty"`
	RangeStart string            `json:"rangeStart,omitempty"`
	RangeEnd   string            `json:"rangeEnd,omitempty"`
	Stream     *Stream           `json:"stream,omitempty"`
	Status     string            `json:"status"`
	Position   position.Position `json:"position"`
}

// NewJob returns a PREPARING job with a fresh id
func NewJob(mode string, source, target Topology) *Job {
	now := time.Now()
	if mode == "" {
		mode = constant.JobModeOneShot
	}
	return &Job{
		ID:         uuid.NewString(),
		Mode:       mode,
		State:      constant.JobStatePreparing,
		Source:     source,
		Target:     target,
		CreateTime: now,
		UpdateTime: now,
	}
}

func (j *Job) String() string {
	jsonStr, _ := stringutil.MarshalJSON(j)
	return jsonStr
}

// Validate checks the topologies, every violation is a config error surfaced before any task starts
func (j *Job) Validate() error {
	switch j.Mode {
	case constant.JobModeOneShot, constant.JobModeContinuous:
	default:
		return errorutil.Config.New("job [%s] mode [%s] is not support, current support [%s,%s]", j.ID, j.Mode, constant.JobModeOneShot, constant.JobModeContinuous)
	}
	if j.InventorySplit < 0 {
		return errorutil.Config.New("job [%s] inventory split [%d] must not be negative", j.ID, j.InventorySplit)
	}
	if err := j.Source.validate("source"); err != nil {
		return err
	}
	if err := j.Target.validate("target"); err != nil {
		return err
	}

	for _, s := range j.Source.Shards {
		if s.Stream == nil {
			return errorutil.Config.New("source shard [%s] has no change stream", s.Name)
		}
		switch strings.ToUpper(s.Stream.Type) {
		case constant.ChangeStreamTypeChangelog:
		case constant.ChangeStreamTypeKafka:
			if s.Stream.Brokers == "" || s.Stream.Topic == "" {
				return errorutil.Config.New("source shard [%s] kafka stream needs brokers and topic", s.Name)
			}
		default:
			return errorutil.Config.New("source shard [%s] stream type [%s] is not support, current support [%s,%s]",
				s.Name, s.Stream.Type, constant.ChangeStreamTypeChangelog, constant.ChangeStreamTypeKafka)
		}
	}

	targetShards := make(map[string]struct{}, len(j.Target.Shards))
	for _, s := range j.Target.Shards {
		targetShards[s.Name] = struct{}{}
	}
	ruleTables := make(map[string]struct{}, len(j.Target.Rules))
	for _, r := range j.Target.Rules {
		if !stringutil.IsContainedString(j.Source.Tables, r.Table) {
			return errorutil.Config.New("target sharding rule table [%s] is not a source table", r.Table)
		}
		for _, s := range r.Shards {
			if _, ok := targetShards[s]; !ok {
				return errorutil.Config.New("target sharding rule of table [%s] routes to unknown shard [%s]", r.Table, s)
			}
		}
		if _, err := sharding.NewRouter(r); err != nil {
			return err
		}
		ruleTables[r.Table] = struct{}{}
	}
	// a table without a rule is only routable to a single target shard
	if len(j.Target.Shards) > 1 {
		for _, t := range j.Source.Tables {
			if _, ok := ruleTables[t]; !ok {
				return errorutil.Config.New("table [%s] has no sharding rule for [%d] target shards", t, len(j.Target.Shards))
			}
		}
	}
	return nil
}

func (t *Topology) validate(side string) error {
	switch strings.ToUpper(t.Type) {
	case constant.DatabaseTypeMySQL, constant.DatabaseTypePostgresql, constant.DatabaseTypeSQLite, constant.DatabaseTypeMemory:
	default:
		return errorutil.Config.New("%s topology type [%s] is not support", side, t.Type)
	}
	if len(t.Shards) == 0 {
		return errorutil.Config.New("%s topology has no shards", side)
	}
	if side == "source" && len(t.Tables) == 0 {
		return errorutil.Config.New("%s topology has no tables", side)
	}
	if dup := stringutil.StringItemsDuplicate(t.Tables); len(dup) > 0 {
		return errorutil.Config.New("%s topology has duplicate tables [%s]", side, stringutil.StringJoin(dup, constant.StringSeparatorComma))
	}
	var names []string
	for _, s := range t.Shards {
		if s.Name == "" {
			return errorutil.Config.New("%s topology has a shard without name", side)
		}
		names = append(names, s.Name)
		if (s.RangeStart == "") != (s.RangeEnd == "") {
			return errorutil.Config.New("%s shard [%s] range must set both start and end", side, s.Name)
		}
		if s.RangeStart != "" {
			start, err := decimal.NewFromString(s.RangeStart)
			if err != nil {
				return errorutil.Config.New("%s shard [%s] range start [%s] is not numeric", side, s.Name, s.RangeStart)
			}
			end, err := decimal.NewFromString(s.RangeEnd)
			if err != nil {
				return errorutil.Config.New("%s shard [%s] range end [%s] is not numeric", side, s.Name, s.RangeEnd)
			}
			if start.GreaterThan(end) {
				return errorutil.Config.New("%s shard [%s] range start [%s] is greater than end [%s]", side, s.Name, s.RangeStart, s.RangeEnd)
			}
		}
	}
	if dup := stringutil.StringItemsDuplicate(names); len(dup) > 0 {
		return errorutil.Config.New("%s topology has duplicate shards [%s]", side, stringutil.StringJoin(dup, constant.StringSeparatorComma))
	}
	return nil
}

// Split computes the tasks, one inventory task per table and shard key range and one incremental
// task per source change stream. Every source shard range must be resolved before.
func (j *Job) Split() ([]*Task, error) {
	split := j.InventorySplit
	if split <= 0 {
		split = 1
	}
	var tasks []*Task
	for _, s := range j.Source.Shards {
		if s.RangeStart == "" {
			return nil, errorutil.Config.New("source shard [%s] range is not resolved", s.Name)
		}
		ranges, err := SplitRange(s.RangeStart, s.RangeEnd, split)
		if err != nil {
			return nil, err
		}
		for _, table := range j.Source.Tables {
			for i, r := range ranges {
				tasks = append(tasks, &Task{
					ID:         InventoryTaskID(j.ID, s.Name, table, i),
					JobID:      j.ID,
					Kind:       constant.TaskKindInventory,
					Shard:      s.Name,
					Table:      table,
					RangeStart: r[0],
					RangeEnd:   r[1],
					Status:     constant.TaskStatusPending,
				})
			}
		}
	}
	for _, s := range j.Source.Shards {
		tasks = append(tasks, &Task{
			ID:     IncrementalTaskID(j.ID, s.Name),
			JobID:  j.ID,
			Kind:   constant.TaskKindIncremental,
			Shard:  s.Name,
			Stream: s.Stream,
			Status: constant.TaskStatusPending,
		})
	}
	return tasks, nil
}

// SplitRange divides the inclusive integer range [start, end] into at most n contiguous ranges
func SplitRange(start, end string, n int) ([][2]string, error) {
	s, err := decimal.NewFromString(start)
	if err != nil {
		return nil, errorutil.Config.New("range start [%s] is not numeric", start)
	}
	e, err := decimal.NewFromString(end)
	if err != nil {
		return nil, errorutil.Config.New("range end [%s] is not numeric", end)
	}
	if s.GreaterThan(e) {
		return nil, errorutil.Config.New("range start [%s] is greater than end [%s]", start, end)
	}
	if n <= 1 {
		return [][2]string{{s.String(), e.String()}}, nil
	}
	total := e.Sub(s).Add(decimal.NewFromInt(1))
	step := total.Div(decimal.NewFromInt(int64(n))).Ceil()
	if step.LessThan(decimal.NewFromInt(1)) {
		step = decimal.NewFromInt(1)
	}
	var ranges [][2]string
	for lo := s; lo.LessThanOrEqual(e); lo = lo.Add(step) {
		hi := lo.Add(step).Sub(decimal.NewFromInt(1))
		if hi.GreaterThan(e) {
			hi = e
		}
		ranges = append(ranges, [2]string{lo.String(), hi.String()})
	}
	return ranges, nil
}

func InventoryTaskID(jobID, shard, table string, seq int) string {
	return fmt.Sprintf("%s-inventory-%s-%s-%d", jobID, shard, table, seq)
}

func IncrementalTaskID(jobID, shard string) string {
	return fmt.Sprintf("%s-incremental-%s", jobID, shard)
}

// ShardByName returns the named shard of the topology
func (t *Topology) ShardByName(name string) (Shard, bool) {
	for _, s := range t.Shards {
		if s.Name == name {
			return s, true
		}
	}
	return Shard{}, false
}

// Rule returns the sharding rule of the table
func (t *Topology) Rule(table string) (sharding.Rule, bool) {
	for _, r := range t.Rules {
		if r.Table == table {
			return r, true
		}
	}
	return sharding.Rule{}, false
}
