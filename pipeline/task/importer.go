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
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/retryutil"
	"go.uber.org/zap"
)

// Importer drains one channel into the target, the tracker only moves after a batch was applied
type Importer struct {
	Task    *job.Task
	Channel *channel.Channel
	Router  *TargetRouter
	Tracker *position.Tracker
	Retryer retryutil.Retryer
}

func (im *Importer) Run(ctx context.Context) error {
	retryer := retryerOrDefault(im.Retryer)
	startTime := time.Now()
	var applied int

	for {
		batch, err := im.Channel.Receive(ctx)
		switch {
		case errorutil.IsTimeout(err):
			continue
		case err != nil:
			return err
		}

		if batch.IsFinished() {
			if _, err = im.Tracker.Advance(batch.LastPosition()); err != nil {
				return err
			}
			logger.Info("task import finished",
				zap.String("task_id", im.Task.ID),
				zap.String("kind", im.Task.Kind),
				zap.Int("records", applied),
				zap.String("position", im.Tracker.Current().String()),
				zap.String("cost", time.Since(startTime).String()))
			return nil
		}

		records := batch.DataRecords()
		if len(records) > 0 {
			err = retryutil.Do(ctx, retryer, im.Task.ID, func(ctx context.Context) error {
				return im.Router.Apply(ctx, records)
			})
			if err != nil {
				if !errorutil.IsCanceled(err) {
					im.Channel.Fail(err)
				}
				return err
			}
			applied += len(records)
		}

		if _, err = im.Tracker.Advance(batch.LastPosition()); err != nil {
			im.Channel.Fail(err)
			return err
		}
		if err = im.Channel.Ack(batch.ID); err != nil {
			return err
		}
	}
}
