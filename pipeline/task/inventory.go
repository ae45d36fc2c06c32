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

// InventoryDumper copies the rows of one table range in primary key order
type InventoryDumper struct {
	Task      *job.Task
	Reader    datasource.RangeReader
	Channel   *channel.Channel
	BatchSize int
	Retryer   retryutil.Retryer
	// From is the restored cursor, the dump resumes strictly after it
	From position.Position
}

func (d *InventoryDumper) Run(ctx context.Context) error {
	start, err := decimal.NewFromString(d.Task.RangeStart)
	if err != nil {
		return errorutil.Config.New("inventory task [%s] range start [%s] is not numeric", d.Task.ID, d.Task.RangeStart)
	}
	end, err := decimal.NewFromString(d.Task.RangeEnd)
	if err != nil {
		return errorutil.Config.New("inventory task [%s] range end [%s] is not numeric", d.Task.ID, d.Task.RangeEnd)
	}
	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = constant.DefaultBatchSize
	}

	lower, exclusive := start, false
	last := d.From
	if !d.From.IsZero() {
		if lower, err = d.From.Decimal(); err != nil {
			return err
		}
		exclusive = true
	}

	logger.Info("inventory task dump start",
		zap.String("task_id", d.Task.ID),
		zap.String("table", d.Task.Table),
		zap.String("range_start", d.Task.RangeStart),
		zap.String("range_end", d.Task.RangeEnd),
		zap.String("position", d.From.String()))

	var total int
	for lower.LessThanOrEqual(end) {
		if ctx.Err() != nil {
			return errorutil.Canceled.Wrap(ctx.Err(), "inventory task [%s] canceled at [%s]", d.Task.ID, last.String())
		}

		limit := batchSize
		if exclusive {
			limit++
		}
		var rows []*record.DataRecord
		err = retryutil.Do(ctx, retryerOrDefault(d.Retryer), d.Task.ID, func(ctx context.Context) error {
			var rerr error
			rows, rerr = d.Reader.ReadRange(ctx, d.Task.Table, lower, end, limit)
			return rerr
		})
		if err != nil {
			return err
		}
		fetched := len(rows)
		if exclusive && len(rows) > 0 {
			if k, kerr := rows[0].Position.Decimal(); kerr == nil && k.Equal(lower) {
				rows = rows[1:]
			} else if len(rows) > batchSize {
				rows = rows[:batchSize]
			}
		}
		if len(rows) == 0 {
			break
		}

		batch := make([]record.Record, 0, len(rows))
		for _, r := range rows {
			batch = append(batch, r)
		}
		if err = send(ctx, d.Task.ID, d.Channel, record.NewBatch(batch...)); err != nil {
			return err
		}
		total += len(rows)
		last = rows[len(rows)-1].Position
		if lower, err = last.Decimal(); err != nil {
			return err
		}
		exclusive = true
		if fetched < limit {
			break
		}
	}

	logger.Info("inventory task dump finished",
		zap.String("task_id", d.Task.ID),
		zap.Int("rows", total),
		zap.String("position", last.String()))
	return d.Channel.Finish(ctx, last)
}
