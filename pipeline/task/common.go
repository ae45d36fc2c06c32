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

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/retryutil"
	"go.uber.org/zap"
)

// send retries a batch on channel timeout, the batch is not enqueued until it fits
func send(ctx context.Context, taskID string, ch *channel.Channel, b *record.Batch) error {
	for {
		err := ch.Send(ctx, b)
		if !errorutil.IsTimeout(err) {
			return err
		}
		logger.Warn("channel send timeout, it would be retrying",
			zap.String("task_id", taskID),
			zap.String("channel", ch.Name()),
			zap.String("batch_id", b.ID),
			zap.Int("outstanding", ch.Outstanding()))
	}
}

func retryerOrDefault(r retryutil.Retryer) retryutil.Retryer {
	if r == nil {
		return retryutil.NewExponentialBackoff()
	}
	return r
}
