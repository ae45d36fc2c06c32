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
package controller

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/retryutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// load refreshes the job from the store, the stored definition wins over the one passed in
func (c *Controller) load(ctx context.Context) error {
	data, ok, err := c.repo.Get(ctx, job.ConfigKey(c.job.ID))
	if err != nil {
		return err
	}
	if !ok {
		return errorutil.Config.New("job [%s] config does not exist", c.job.ID)
	}
	var j *job.Job
	if err = json.Unmarshal(data, &j); err != nil {
		return errorutil.Config.Wrap(err, "job [%s] config unmarshal", c.job.ID)
	}
	c.mu.Lock()
	c.job = j
	c.job.Owner = c.manager.Instance()
	c.mu.Unlock()
	logger.Info("job config loaded", zap.String("job_id", j.ID), zap.String("mode", j.Mode), zap.String("state", j.State))
	return nil
}

// prepare validates the job, records the incremental snapshot points, resolves shard ranges,
// splits tasks and persists the initial checkpoint before the job runs. The points precede the
// ranges, a row written past a range end is replayed by the incremental task.
func (c *Controller) prepare(ctx context.Context) error {
	if err := c.job.Validate(); err != nil {
		return err
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	points, err := c.snapshotPoints(ctx)
	if err != nil {
		return err
	}
	if err = c.resolveRanges(ctx); err != nil {
		return err
	}
	if err = c.loadMetadata(ctx); err != nil {
		return err
	}

	tasks, err := c.job.Split()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		tracker := position.NewTracker(t.ID, t.Kind)
		if t.Kind == constant.TaskKindIncremental {
			point, ok := points[t.Shard]
			if !ok {
				return errorutil.Config.New("job [%s] source shard [%s] has no snapshot point", c.job.ID, t.Shard)
			}
			if err = tracker.RestoreFrom(position.Snapshot{TaskID: t.ID, Kind: t.Kind, Position: point}); err != nil {
				return err
			}
		}
		c.trackers[t.ID] = tracker
		c.statuses[t.ID] = constant.TaskStatusPending
	}

	c.mu.Lock()
	c.tasks = tasks
	c.job.TaskIDs = c.job.TaskIDs[:0]
	for _, t := range tasks {
		c.job.TaskIDs = append(c.job.TaskIDs, t.ID)
	}
	c.mu.Unlock()

	if err = c.persistCheckpoint(ctx); err != nil {
		return err
	}
	logger.Info("job prepared",
		zap.String("job_id", c.job.ID),
		zap.Int("tasks", len(tasks)),
		zap.Int64("metadata_version", c.metadata.Load().Version))
	return c.transit(ctx, constant.JobStateRunning, "")
}

// restore rebuilds the tasks of a prepared job and seeds every tracker from the checkpoint
func (c *Controller) restore(ctx context.Context) error {
	data, ok, err := c.repo.Get(ctx, job.CheckpointKey(c.job.ID))
	if err != nil {
		return err
	}
	if !ok {
		return errorutil.Config.New("job [%s] in state [%s] has no checkpoint", c.job.ID, c.job.State)
	}
	cp, err := job.DecodeCheckpoint(data)
	if err != nil {
		return err
	}
	if err = c.connect(ctx); err != nil {
		return err
	}
	if err = c.loadMetadata(ctx); err != nil {
		return err
	}
	tasks, err := c.job.Split()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		tracker := position.NewTracker(t.ID, t.Kind)
		status := constant.TaskStatusPending
		if s, ok := cp.TaskSnapshot(t.ID); ok {
			if err = tracker.RestoreFrom(s); err != nil {
				return err
			}
			if cp.Tasks[t.ID].Status == constant.TaskStatusFinished {
				status = constant.TaskStatusFinished
			}
		} else if t.Kind == constant.TaskKindIncremental {
			return errorutil.Config.New("job [%s] checkpoint misses incremental task [%s] snapshot point", c.job.ID, t.ID)
		}
		c.trackers[t.ID] = tracker
		c.statuses[t.ID] = status
		t.Position = tracker.Current()
		t.Status = status
	}
	c.mu.Lock()
	c.tasks = tasks
	c.mu.Unlock()

	if err = c.persistJob(ctx, c.job); err != nil {
		return err
	}
	logger.Info("job restored from checkpoint",
		zap.String("job_id", c.job.ID),
		zap.String("state", c.job.State),
		zap.String("checkpoint_state", cp.State),
		zap.Int("tasks", len(tasks)))
	return nil
}

// snapshotPoints reads the current change log position of every source shard
func (c *Controller) snapshotPoints(ctx context.Context) (map[string]position.Position, error) {
	retryer := c.manager.Retryer()
	points := make(map[string]position.Position, len(c.job.Source.Shards))
	for _, s := range c.job.Source.Shards {
		var point position.Position
		err := retryutil.Do(ctx, retryer, s.Name, func(ctx context.Context) error {
			var perr error
			point, perr = c.streamers[s.Name].CurrentLogPosition(ctx)
			return perr
		})
		if err != nil {
			return nil, err
		}
		points[s.Name] = point
		logger.Info("incremental snapshot point recorded",
			zap.String("job_id", c.job.ID),
			zap.String("shard", s.Name),
			zap.String("position", point.String()))
	}
	return points, nil
}

// shardConnectLimit bounds the shards opened at the same time
const shardConnectLimit = 8

// connect opens every source and target shard concurrently, transient failures are retried
func (c *Controller) connect(ctx context.Context) error {
	retryer := c.manager.Retryer()
	open := func(typ string, s job.Shard) (datasource.DataSource, error) {
		var ds datasource.DataSource
		err := retryutil.Do(ctx, retryer, s.Name, func(ctx context.Context) error {
			var oerr error
			ds, oerr = datasource.Open(ctx, typ, s)
			return oerr
		})
		return ds, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(shardConnectLimit)
	for _, s := range c.job.Source.Shards {
		g.Go(func() error {
			ds, err := open(c.job.Source.Type, s)
			if err != nil {
				return err
			}
			mu.Lock()
			c.sources[s.Name] = ds
			mu.Unlock()
			streamer, err := datasource.OpenChangeStreamer(ctx, ds, s)
			if err != nil {
				return err
			}
			mu.Lock()
			c.streamers[s.Name] = streamer
			mu.Unlock()
			return nil
		})
	}
	for _, s := range c.job.Target.Shards {
		g.Go(func() error {
			ds, err := open(c.job.Target.Type, s)
			if err != nil {
				return err
			}
			mu.Lock()
			c.targets[s.Name] = ds
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) closeSources() {
	for name, ds := range c.sources {
		if err := ds.Close(); err != nil {
			logger.Warn("source shard close failed", zap.String("job_id", c.job.ID), zap.String("shard", name), zap.Error(err))
		}
	}
	for name, ds := range c.targets {
		if err := ds.Close(); err != nil {
			logger.Warn("target shard close failed", zap.String("job_id", c.job.ID), zap.String("shard", name), zap.Error(err))
		}
	}
}

// resolveRanges fills unset source shard ranges with the key bounds over every job table, a
// shard without rows resolves to the single key 0
func (c *Controller) resolveRanges(ctx context.Context) error {
	retryer := c.manager.Retryer()
	for i, s := range c.job.Source.Shards {
		if s.RangeStart != "" {
			continue
		}
		var (
			lo, hi decimal.Decimal
			found  bool
		)
		for _, table := range c.job.Source.Tables {
			var (
				start, end decimal.Decimal
				ok         bool
			)
			err := retryutil.Do(ctx, retryer, s.Name, func(ctx context.Context) error {
				var kerr error
				start, end, ok, kerr = c.sources[s.Name].KeyRange(ctx, table)
				return kerr
			})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if !found || start.LessThan(lo) {
				lo = start
			}
			if !found || end.GreaterThan(hi) {
				hi = end
			}
			found = true
		}
		if !found {
			lo, hi = decimal.Zero, decimal.Zero
		}
		c.mu.Lock()
		c.job.Source.Shards[i].RangeStart = lo.String()
		c.job.Source.Shards[i].RangeEnd = hi.String()
		c.mu.Unlock()
		logger.Info("source shard range resolved",
			zap.String("job_id", c.job.ID),
			zap.String("shard", s.Name),
			zap.String("range_start", lo.String()),
			zap.String("range_end", hi.String()))
	}
	return nil
}

// loadMetadata publishes the table layouts read from the first source shard
func (c *Controller) loadMetadata(ctx context.Context) error {
	first := c.job.Source.Shards[0].Name
	tables := make(map[string]*metadata.TableMeta, len(c.job.Source.Tables))
	for _, table := range c.job.Source.Tables {
		meta, err := c.sources[first].LoadTableMeta(ctx, table)
		if err != nil {
			return err
		}
		tables[strings.ToLower(table)] = meta
	}
	_, err := c.metadata.Refresh(func(next *metadata.Snapshot) error {
		next.Tables = tables
		next.Topology = c.job.Source
		return nil
	})
	return err
}
