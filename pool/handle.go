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
	"sync"
	"time"

	"github.com/wentaojin/scaling/utils/errorutil"
)

// TaskFunc is a task closure, it must poll ctx between record batches and never stop mid-write
type TaskFunc func(ctx context.Context) error

// Task names a closure submitted with SubmitAll
type Task struct {
	Name string
	Fn   TaskFunc
}

// Handle tracks one submitted task
type Handle struct {
	Name string

	ctx    context.Context
	cancel context.CancelFunc
	fn     TaskFunc
	// reserved holds a worker slot until the task returns
	reserved bool

	done     chan struct{}
	err      error
	start    time.Time
	duration time.Duration
}

type Result struct {
	Name     string
	Duration time.Duration
	Error    error
}

func newHandle(parent context.Context, name string, fn TaskFunc) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		Name:   name,
		ctx:    ctx,
		cancel: cancel,
		fn:     fn,
		done:   make(chan struct{}),
	}
}

// Cancel asks the task to stop at its next batch boundary
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the task returned
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task error, only valid after Done
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task returned or ctx is done
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return errorutil.Canceled.Wrap(ctx.Err(), "wait task [%s] canceled", h.Name)
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	h.duration = time.Since(h.start)
	h.cancel()
	close(h.done)
}

// AwaitAll blocks until every handle completes or one fails. On the first failure the
// remaining handles are canceled cooperatively and awaited, then the first error is returned.
func AwaitAll(ctx context.Context, handles ...*Handle) error {
	if len(handles) == 0 {
		return nil
	}

	type outcome struct {
		h   *Handle
		err error
	}
	results := make(chan outcome, len(handles))
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			select {
			case <-h.done:
				results <- outcome{h: h, err: h.err}
			case <-ctx.Done():
				h.Cancel()
				<-h.done
				results <- outcome{h: h, err: h.err}
			}
		}(h)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			for _, h := range handles {
				if h != r.h {
					h.Cancel()
				}
			}
		}
	}
	return firstErr
}
