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
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/retryutil"
	"go.uber.org/atomic"
)

func TestFixedPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(context.Background(), WithName("fixed"), WithFixedWorkers(3))
	defer p.Shutdown(time.Second)

	running := atomic.NewInt64(0)
	peak := atomic.NewInt64(0)
	var handles []*Handle
	for i := 0; i < 12; i++ {
		h, err := p.Submit(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			n := running.Inc()
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Dec()
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, AwaitAll(context.Background(), handles...))
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestElasticPoolGrowsOnDemand(t *testing.T) {
	p := NewPool(context.Background(), WithName("elastic"), WithElasticWorkers(0, 50*time.Millisecond))
	defer p.Shutdown(time.Second)

	const n = 8
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	var handles []*Handle
	for i := 0; i < n; i++ {
		h, err := p.Submit(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			started.Done()
			<-release
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	// every task runs concurrently, otherwise this wait never returns
	started.Wait()
	assert.Equal(t, n, p.RunningWorkerCount())
	close(release)
	require.NoError(t, AwaitAll(context.Background(), handles...))

	// idle workers shrink after keep alive
	assert.Eventually(t, func() bool {
		return p.FreeWorkerCount() == 0 && p.RunningWorkerCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAwaitAllCancelsOnFirstFailure(t *testing.T) {
	p := NewPool(context.Background(), WithName("await"))
	defer p.Shutdown(time.Second)

	cause := errors.New("apply failed")
	failing, err := p.Submit("failing", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return cause
	})
	require.NoError(t, err)

	batches := atomic.NewInt64(0)
	polling, err := p.Submit("polling", func(ctx context.Context) error {
		for {
			// cancellation is observed only between batches
			if ctx.Err() != nil {
				return errorutil.Canceled.Wrap(ctx.Err(), "stopped at batch boundary")
			}
			batches.Inc()
			time.Sleep(5 * time.Millisecond)
		}
	})
	require.NoError(t, err)

	err = AwaitAll(context.Background(), failing, polling)
	assert.ErrorIs(t, err, cause)
	assert.True(t, errorutil.IsCanceled(polling.Err()))
	assert.Greater(t, batches.Load(), int64(0))
}

func TestTaskErrorsAndPanicsAreCaptured(t *testing.T) {
	var results []Result
	var mu sync.Mutex
	p := NewPool(context.Background(), WithName("capture"), WithPanicHandle(true), WithResultCallback(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}))
	defer p.Shutdown(time.Second)

	panicking, err := p.Submit("panicking", func(ctx context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)
	healthy, err := p.Submit("healthy", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, healthy.Wait(context.Background()))
	err = panicking.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	p.Wait()
	mu.Lock()
	assert.Len(t, results, 2)
	mu.Unlock()
}

func TestPoolRetryTransient(t *testing.T) {
	p := NewPool(context.Background(), WithRetryer(&retryutil.ExponentialBackoff{
		InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxRetries: 3,
	}))
	defer p.Shutdown(time.Second)

	attempts := atomic.NewInt64(0)
	h, err := p.Submit("flaky", func(ctx context.Context) error {
		if attempts.Inc() < 3 {
			return errorutil.Transient.New("target unreachable")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, int64(3), attempts.Load())
}

func TestShutdown(t *testing.T) {
	t.Run("drain", func(t *testing.T) {
		p := NewPool(context.Background(), WithFixedWorkers(2))
		done := atomic.NewBool(false)
		_, err := p.Submit("short", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			done.Store(true)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, p.Shutdown(time.Second))
		assert.True(t, done.Load())

		_, err = p.Submit("late", func(ctx context.Context) error { return nil })
		assert.Error(t, err)
	})

	t.Run("forced", func(t *testing.T) {
		p := NewPool(context.Background())
		h, err := p.Submit("long", func(ctx context.Context) error {
			<-ctx.Done()
			return errorutil.Canceled.Wrap(ctx.Err(), "long task canceled")
		})
		require.NoError(t, err)
		err = p.Shutdown(30 * time.Millisecond)
		assert.True(t, errorutil.IsCanceled(err))
		assert.True(t, errorutil.IsCanceled(h.Err()))
	})
}

func TestFixedQueueFullRejects(t *testing.T) {
	p := NewPool(context.Background(), WithName("queue"), WithFixedWorkers(1), WithTaskQueueSize(1))
	defer p.Shutdown(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	running, err := p.Submit("running", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started
	queued, err := p.Submit("queued", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	_, err = p.Submit("overflow", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errorutil.IsTransient(err))

	close(release)
	require.NoError(t, AwaitAll(context.Background(), running, queued))
}

func TestSubmitAllReservesWorkers(t *testing.T) {
	for _, opt := range []Option{WithFixedWorkers(4), WithElasticWorkers(4, time.Minute)} {
		p := NewPool(context.Background(), WithName("reserve"), opt)
		assert.Equal(t, 4, p.Capacity())

		var started sync.WaitGroup
		release := make(chan struct{})
		block := func(ctx context.Context) error {
			started.Done()
			<-release
			return nil
		}
		started.Add(3)
		first, err := p.SubmitAll(Task{Name: "a", Fn: block}, Task{Name: "b", Fn: block}, Task{Name: "c", Fn: block})
		require.NoError(t, err)
		require.Len(t, first, 3)
		// every admitted task runs at once
		started.Wait()

		// all or nothing, nothing of the rejected group runs
		ran := atomic.NewBool(false)
		mark := func(ctx context.Context) error {
			ran.Store(true)
			return nil
		}
		_, err = p.SubmitAll(Task{Name: "d", Fn: mark}, Task{Name: "e", Fn: mark})
		require.Error(t, err)
		assert.True(t, errorutil.IsTransient(err))

		started.Add(1)
		last, err := p.SubmitAll(Task{Name: "d", Fn: block})
		require.NoError(t, err)
		started.Wait()

		close(release)
		require.NoError(t, AwaitAll(context.Background(), append(first, last...)...))
		assert.False(t, ran.Load())

		// returned tasks give their workers back
		again, err := p.SubmitAll(Task{Name: "e", Fn: mark}, Task{Name: "f", Fn: mark})
		require.NoError(t, err)
		require.NoError(t, AwaitAll(context.Background(), again...))
		assert.True(t, ran.Load())
		require.NoError(t, p.Shutdown(time.Second))
	}
}
