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
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/metrics"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/zap"
)

type token struct{}

// Channel is a single producer single consumer conduit of batches. The producer blocks once the
// count of unacknowledged batches reaches the capacity.
type Channel struct {
	name           string
	capacity       int
	sendTimeout    time.Duration
	receiveTimeout time.Duration

	// slots holds one token per outstanding batch
	slots chan token
	// queue keeps send order, sized capacity+1 so the finished sentinel never blocks
	queue chan *record.Batch

	mu          sync.Mutex
	outstanding map[string]int
	finished    bool
	drained     bool

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

type Option func(*Channel)

// WithSendTimeout bounds how long Send waits for capacity, zero waits forever
func WithSendTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.sendTimeout = d
	}
}

// WithReceiveTimeout bounds how long Receive waits for a batch, zero waits forever
func WithReceiveTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.receiveTimeout = d
	}
}

func NewChannel(name string, capacity int, opts ...Option) (*Channel, error) {
	if capacity <= 0 {
		return nil, errorutil.Config.New("channel [%s] capacity [%d] must be greater than 0", name, capacity)
	}
	c := &Channel{
		name:        name,
		capacity:    capacity,
		slots:       make(chan token, capacity),
		queue:       make(chan *record.Batch, capacity+1),
		outstanding: make(map[string]int),
		failed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Channel) Name() string {
	return c.name
}

// Send enqueues a data batch, blocking while capacity batches are unacknowledged
func (c *Channel) Send(ctx context.Context, batch *record.Batch) error {
	if batch == nil || len(batch.Records) == 0 {
		return errorutil.Config.New("channel [%s] send empty batch", c.name)
	}
	if batch.HasFinished() {
		return errorutil.Config.New("channel [%s] batch [%s] carries a finished record, use Finish", c.name, batch.ID)
	}
	if err := c.checkOpen(); err != nil {
		return err
	}

	timeoutC, stop := timer(c.sendTimeout)
	defer stop()

	select {
	case c.slots <- token{}:
	case <-c.failed:
		return c.failErr
	case <-ctx.Done():
		return errorutil.Canceled.Wrap(ctx.Err(), "channel [%s] send batch [%s] canceled", c.name, batch.ID)
	case <-timeoutC:
		return errorutil.Timeout.New("channel [%s] send batch [%s] timeout after [%v], outstanding [%d]", c.name, batch.ID, c.sendTimeout, c.Outstanding())
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		<-c.slots
		return errorutil.Config.New("channel [%s] already finished, batch [%s] rejected", c.name, batch.ID)
	}
	c.outstanding[batch.ID] = len(batch.Records)
	c.queue <- batch
	c.mu.Unlock()

	metrics.ObserveChannelSend(c.name, len(batch.Records))
	return nil
}

// Finish enqueues the finished sentinel, it is always the last batch delivered and never acknowledged
func (c *Channel) Finish(ctx context.Context, p position.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return errorutil.Config.New("channel [%s] already finished", c.name)
	}
	select {
	case <-c.failed:
		return c.failErr
	default:
	}
	c.finished = true
	c.queue <- record.NewBatch(&record.FinishedRecord{Position: p})
	return nil
}

// Receive returns batches in send order, blocking while the channel is empty
func (c *Channel) Receive(ctx context.Context) (*record.Batch, error) {
	c.mu.Lock()
	drained := c.drained
	c.mu.Unlock()
	if drained {
		return nil, errorutil.Config.New("channel [%s] receive after finished record", c.name)
	}

	select {
	case <-c.failed:
		return nil, c.failErr
	default:
	}

	timeoutC, stop := timer(c.receiveTimeout)
	defer stop()

	select {
	case b := <-c.queue:
		if b.IsFinished() {
			c.mu.Lock()
			c.drained = true
			c.mu.Unlock()
		}
		return b, nil
	case <-c.failed:
		return nil, c.failErr
	case <-ctx.Done():
		return nil, errorutil.Canceled.Wrap(ctx.Err(), "channel [%s] receive canceled", c.name)
	case <-timeoutC:
		return nil, errorutil.Timeout.New("channel [%s] receive timeout after [%v]", c.name, c.receiveTimeout)
	}
}

// Ack marks a batch durably applied and frees one slot
func (c *Channel) Ack(batchID string) error {
	c.mu.Lock()
	n, ok := c.outstanding[batchID]
	if !ok {
		c.mu.Unlock()
		return errorutil.Config.New("channel [%s] ack unknown batch [%s]", c.name, batchID)
	}
	delete(c.outstanding, batchID)
	c.mu.Unlock()

	<-c.slots
	metrics.ObserveChannelAck(c.name, n)
	return nil
}

// Fail surfaces an application error to both ends, only the first error is kept
func (c *Channel) Fail(err error) {
	if err == nil {
		err = errorutil.DataConflict.New("channel [%s] failed without cause", c.name)
	}
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.failed)
		logger.Error("channel failed",
			zap.String("channel", c.name),
			zap.Int("outstanding", c.Outstanding()),
			zap.Error(err))
	})
}

// Err returns the failure surfaced by Fail
func (c *Channel) Err() error {
	select {
	case <-c.failed:
		return c.failErr
	default:
		return nil
	}
}

// Outstanding returns the count of unacknowledged batches
func (c *Channel) Outstanding() int {
	return len(c.slots)
}

// WaitAcked blocks until every sent batch was acknowledged
func (c *Channel) WaitAcked(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.Outstanding() > 0 {
		select {
		case <-c.failed:
			return c.failErr
		case <-ctx.Done():
			return errorutil.Canceled.Wrap(ctx.Err(), "channel [%s] wait acked canceled, outstanding [%d]", c.name, c.Outstanding())
		case <-ticker.C:
		}
	}
	return nil
}

// Close releases the metric series of the channel
func (c *Channel) Close() {
	metrics.ReleaseChannel(c.name)
}

func (c *Channel) checkOpen() error {
	select {
	case <-c.failed:
		return c.failErr
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return errorutil.Config.New("channel [%s] already finished", c.name)
	}
	return nil
}

func timer(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}
