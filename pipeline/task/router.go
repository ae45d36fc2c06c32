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
package task

import (
	"context"
	"strings"

	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/errorutil"
)

// TargetRouter sends every record to the target shard chosen by the table sharding rule, tables
// without a rule go to the single target shard
type TargetRouter struct {
	appliers map[string]datasource.BatchApplier
	routers  map[string]sharding.Router
	single   string
}

func NewTargetRouter(target job.Topology, appliers map[string]datasource.BatchApplier) (*TargetRouter, error) {
	r := &TargetRouter{
		appliers: appliers,
		routers:  make(map[string]sharding.Router, len(target.Rules)),
	}
	for _, s := range target.Shards {
		if _, ok := appliers[s.Name]; !ok {
			return nil, errorutil.Config.New("target shard [%s] has no data source", s.Name)
		}
	}
	if len(target.Shards) == 1 {
		r.single = target.Shards[0].Name
	}
	for _, rule := range target.Rules {
		router, err := sharding.NewRouter(rule)
		if err != nil {
			return nil, err
		}
		r.routers[strings.ToLower(rule.Table)] = router
	}
	return r, nil
}

// Route returns the target shard of a record
func (r *TargetRouter) Route(rec *record.DataRecord) (string, error) {
	router, ok := r.routers[strings.ToLower(rec.Table)]
	if !ok {
		if r.single == "" {
			return "", errorutil.Config.New("table [%s] has no sharding rule", rec.Table)
		}
		return r.single, nil
	}
	var key any = rec.Key
	if col := router.Column(); col != "" {
		c, ok := rec.Column(col)
		if !ok {
			return "", errorutil.DataConflict.New("record of table [%s] key [%s] misses sharding column [%s]", rec.Table, rec.Key, col)
		}
		key = c.Value
	}
	return router.Route(key)
}

// Apply routes the batch and applies each target shard slice in record order, a shard slice is
// applied as a whole
func (r *TargetRouter) Apply(ctx context.Context, records []*record.DataRecord) error {
	var (
		order  []string
		slices = make(map[string][]*record.DataRecord)
	)
	for _, rec := range records {
		shard, err := r.Route(rec)
		if err != nil {
			return err
		}
		if _, ok := slices[shard]; !ok {
			order = append(order, shard)
		}
		slices[shard] = append(slices[shard], rec)
	}
	for _, shard := range order {
		applier, ok := r.appliers[shard]
		if !ok {
			return errorutil.Config.New("target shard [%s] has no data source", shard)
		}
		if err := applier.ApplyBatch(ctx, slices[shard]); err != nil {
			return err
		}
	}
	return nil
}
