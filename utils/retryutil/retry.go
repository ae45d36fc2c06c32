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
package retryutil

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/zap"
)

// Retryer decides the delay before the next attempt, attempt is 0-based
type Retryer interface {
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// ExponentialBackoff implements bounded exponential backoff with jitter
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries 0 means retry forever
	MaxRetries   int
	JitterFactor float64
}

func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		JitterFactor: 0.2,
	}
}

func (r *ExponentialBackoff) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

// Do runs fn until it succeeds, returns a non transient error, the retryer gives up or ctx is done
func Do(ctx context.Context, r Retryer, name string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errorutil.IsTransient(err) {
			return err
		}
		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}
		logger.Warn("operation failed with transient error, it would be retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errorutil.Canceled.Wrap(ctx.Err(), "operation [%s] retry canceled, last error [%v]", name, err)
		case <-timer.C:
		}
	}
}
