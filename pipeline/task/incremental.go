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
	"time"

	"github.com/scylladb/go-set/strset"
	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/retryutil"
	"go.uber.org/zap"
)

const defaultPollWait = 500 * time.Millisecond

// IncrementalDumper replays the change stream of a source shard from its restored offset
type IncrementalDumper struct {
	Task      *job.Task
	Streamer  datasource.ChangeStreamer
	Channel   *channel.Channel
	Tables    []string
	BatchSize int
	PollWait  time.Duration
	Retryer   retryutil.Retryer
	// From is the restored cursor or the snapshot point, events at or before it are skipped
	From position.Position
	// Gate is closed once every inventory task finished, nothing is dumped before
	Gate <-chan struct{}
	// OneShot finishes the stream once the lag drops to LagThreshold
	OneShot      bool
	LagThreshold int64
}

func (d *IncrementalDumper) Run(ctx context.Context) error {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return errorutil.Canceled.Wrap(ctx.Err(), "incremental task [%s] canceled before inventory finished", d.Task.ID)
		}
	}

	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = constant.DefaultBatchSize
	}
	wait := d.PollWait
	if wait <= 0 {
		wait = defaultPollWait
	}
	retryer := retryerOrDefault(d.Retryer)

	var stream datasource.ChangeStream
	err := retryutil.Do(ctx, retryer, d.Task.ID, func(ctx context.Context) error {
		var serr error
		stream, serr = d.Streamer.Subscribe(ctx, d.From)
		return serr
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	tables := strset.New()
	for _, t := range d.Tables {
		tables.Add(strings.ToLower(t))
	}
	if d.Task.Stream != nil && d.Task.Stream.Table != "" {
		tables = strset.New(strings.ToLower(d.Task.Stream.Table))
	}

	logger.Info("incremental task dump start",
		zap.String("task_id", d.Task.ID),
		zap.String("shard", d.Task.Shard),
		zap.String("position", d.From.String()),
		zap.Bool("one_shot", d.OneShot))

	seen := d.From
	for {
		if ctx.Err() != nil {
			return errorutil.Canceled.Wrap(ctx.Err(), "incremental task [%s] canceled at [%s]", d.Task.ID, seen.String())
		}

		var events []*record.DataRecord
		err = retryutil.Do(ctx, retryer, d.Task.ID, func(ctx context.Context) error {
			var nerr error
			events, nerr = stream.Next(ctx, batchSize, wait)
			return nerr
		})
		if err != nil {
			return err
		}

		var batch []record.Record
		for _, e := range events {
			c, cerr := e.Position.Compare(seen)
			if cerr != nil {
				return cerr
			}
			if c <= 0 {
				continue
			}
			seen = e.Position
			if tables.Size() > 0 && !tables.Has(strings.ToLower(e.Table)) {
				continue
			}
			batch = append(batch, e)
		}
		// a trailing placeholder carries the offsets of skipped events
		if !seen.IsZero() && (len(batch) == 0 || batch[len(batch)-1].GetPosition() != seen) {
			batch = append(batch, &record.PlaceholderRecord{Position: seen})
		}
		if len(batch) > 0 {
			if err = send(ctx, d.Task.ID, d.Channel, record.NewBatch(batch...)); err != nil {
				return err
			}
		}

		if !d.OneShot {
			continue
		}
		caughtUp, err := d.caughtUp(ctx, retryer, seen)
		if err != nil {
			return err
		}
		if caughtUp {
			logger.Info("incremental task caught up, finishing",
				zap.String("task_id", d.Task.ID),
				zap.String("position", seen.String()),
				zap.Int64("lag_threshold", d.LagThreshold))
			return d.Channel.Finish(ctx, seen)
		}
	}
}

func (d *IncrementalDumper) caughtUp(ctx context.Context, retryer retryutil.Retryer, seen position.Position) (bool, error) {
	var current position.Position
	err := retryutil.Do(ctx, retryer, d.Task.ID, func(ctx context.Context) error {
		var cerr error
		current, cerr = d.Streamer.CurrentLogPosition(ctx)
		return cerr
	})
	if err != nil {
		return false, err
	}
	lag, err := seen.Lag(current)
	if err != nil {
		return false, err
	}
	return lag.LessThanOrEqual(decimal.NewFromInt(d.LagThreshold)), nil
}
