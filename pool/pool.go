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
	"fmt"
	"sync"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/metrics"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/retryutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// IPool is the execute engine running task closures on a fixed or elastic set of workers
type IPool interface {
	// Submit adds a task to the pool and returns its handle, a full fixed queue rejects it
	Submit(name string, fn TaskFunc) (*Handle, error)
	// SubmitAll admits every task on its own worker or none of them, it never waits for a worker
	SubmitAll(tasks ...Task) ([]*Handle, error)
	// Capacity returns the worker bound, zero is unbounded
	Capacity() int
	// Wait waits for all submitted tasks to be completed.
	Wait()
	// Shutdown stops accepting tasks, waits for in-flight tasks up to grace, then cancels them.
	Shutdown(grace time.Duration) error
	// RunningWorkerCount returns the number of workers that are currently working
	RunningWorkerCount() int
	// FreeWorkerCount returns the number of workers that are currently free
	FreeWorkerCount() int
}

type pool struct {
	name  string
	fixed bool
	// maxWorkers bounds the worker count, zero is unbounded for the elastic pool
	maxWorkers int
	// keepAlive is how long an idle elastic worker lingers
	keepAlive time.Duration
	// Set by WithTaskQueueSize(), used by the fixed pool. Default is 1024.
	taskQueueSize  int
	retryer        retryutil.Retryer
	panicHandle    bool
	resultCallback func(r Result)

	ctx    context.Context
	cancel context.CancelFunc

	taskQueue chan *Handle
	// handoff passes a task to an idle elastic worker
	handoff chan *Handle
	quit    chan struct{}

	workers *atomic.Int64
	busy    *atomic.Int64
	// reserved counts the tasks admitted by SubmitAll that have not returned
	reserved *atomic.Int64

	lock     sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	workerWG sync.WaitGroup
}

// NewPool creates the execute engine, elastic and unbounded unless configured otherwise.
func NewPool(ctx context.Context, opts ...Option) IPool {
	cancelCtx, cancelFn := context.WithCancel(ctx)
	p := &pool{
		name:          "default",
		keepAlive:     time.Minute,
		taskQueueSize: constant.DefaultTaskQueueChannelSize,
		panicHandle:   true,
		ctx:           cancelCtx,
		cancel:        cancelFn,
		handoff:       make(chan *Handle),
		quit:          make(chan struct{}),
		workers:       atomic.NewInt64(0),
		busy:          atomic.NewInt64(0),
		reserved:      atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.fixed {
		if p.maxWorkers <= 0 {
			p.maxWorkers = constant.DefaultEngineWorkerSize
		}
		p.taskQueue = make(chan *Handle, p.taskQueueSize)
		for i := 0; i < p.maxWorkers; i++ {
			p.workers.Inc()
			p.workerWG.Add(1)
			go p.fixedWorker()
		}
	}
	return p
}

func (p *pool) Submit(name string, fn TaskFunc) (*Handle, error) {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil, errorutil.Config.New("engine [%s] is shut down, task [%s] rejected", p.name, name)
	}
	h := newHandle(p.ctx, name, fn)
	p.inflight.Add(1)
	if p.fixed {
		defer p.lock.Unlock()
		select {
		case p.taskQueue <- h:
			return h, nil
		default:
			h.Cancel()
			p.inflight.Done()
			return nil, errorutil.Transient.New("engine [%s] task queue is full [%d], task [%s] rejected",
				p.name, cap(p.taskQueue), name)
		}
	}
	p.lock.Unlock()

	p.dispatchElastic(h)
	return h, nil
}

func (p *pool) SubmitAll(tasks ...Task) ([]*Handle, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil, errorutil.Config.New("engine [%s] is shut down, [%d] tasks rejected", p.name, len(tasks))
	}
	n := int64(len(tasks))
	if p.maxWorkers > 0 {
		if free := int64(p.maxWorkers) - p.reserved.Load(); n > free {
			return nil, errorutil.Transient.New("engine [%s] has [%d] of [%d] workers unreserved, [%d] tasks rejected",
				p.name, free, p.maxWorkers, n)
		}
	}
	if p.fixed && cap(p.taskQueue)-len(p.taskQueue) < len(tasks) {
		return nil, errorutil.Transient.New("engine [%s] task queue is full [%d], [%d] tasks rejected",
			p.name, cap(p.taskQueue), n)
	}

	p.reserved.Add(n)
	handles := make([]*Handle, 0, len(tasks))
	for _, t := range tasks {
		h := newHandle(p.ctx, t.Name, t.Fn)
		h.reserved = true
		p.inflight.Add(1)
		if p.fixed {
			// senders hold the lock and room was checked above
			p.taskQueue <- h
		} else {
			p.spawnElastic(h)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (p *pool) Capacity() int {
	return p.maxWorkers
}

func (p *pool) Wait() {
	p.inflight.Wait()
}

func (p *pool) Shutdown(grace time.Duration) error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	p.closed = true
	p.lock.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-time.After(grace):
		logger.Warn("engine shutdown grace timeout, canceling in-flight tasks",
			zap.String("engine", p.name),
			zap.Duration("grace", grace),
			zap.Int("running workers", p.RunningWorkerCount()))
		p.cancel()
		<-drained
		err = errorutil.Canceled.New("engine [%s] shutdown forced after grace [%v]", p.name, grace)
	}

	p.cancel()
	close(p.quit)
	p.workerWG.Wait()
	metrics.SetEngineBusyWorkers(p.name, 0)
	return err
}

func (p *pool) RunningWorkerCount() int {
	return int(p.busy.Load())
}

func (p *pool) FreeWorkerCount() int {
	free := int(p.workers.Load() - p.busy.Load())
	if free < 0 {
		return 0
	}
	return free
}

// dispatchElastic hands the task to an idle worker, or grows the pool when none is idle
func (p *pool) dispatchElastic(h *Handle) {
	for {
		select {
		case p.handoff <- h:
			return
		default:
		}

		n := p.workers.Load()
		if p.maxWorkers <= 0 || n < int64(p.maxWorkers) {
			if p.workers.CompareAndSwap(n, n+1) {
				p.workerWG.Add(1)
				go p.elasticWorker(h)
				return
			}
			continue
		}

		// saturated, wait for a worker to free up, re-check growth periodically since idle workers may exit
		select {
		case p.handoff <- h:
			return
		case <-p.ctx.Done():
			p.reject(h)
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// spawnElastic runs a reserved task on an idle worker or a new one, the reservation already bounds
// the reserved tasks to maxWorkers
func (p *pool) spawnElastic(h *Handle) {
	select {
	case p.handoff <- h:
		return
	default:
	}
	p.workers.Inc()
	p.workerWG.Add(1)
	go p.elasticWorker(h)
}

func (p *pool) fixedWorker() {
	defer p.workerWG.Done()
	defer p.workers.Dec()
	for {
		select {
		case h := <-p.taskQueue:
			p.run(h)
		case <-p.quit:
			return
		}
	}
}

func (p *pool) elasticWorker(first *Handle) {
	defer p.workerWG.Done()
	defer p.workers.Dec()

	p.run(first)
	for {
		idle := time.NewTimer(p.keepAlive)
		select {
		case h := <-p.handoff:
			idle.Stop()
			p.run(h)
		case <-idle.C:
			return
		case <-p.quit:
			idle.Stop()
			return
		}
	}
}

func (p *pool) reject(h *Handle) {
	h.start = time.Now()
	p.unreserve(h)
	h.finish(errorutil.Canceled.New("engine [%s] canceled before task [%s] started", p.name, h.Name))
	p.inflight.Done()
}

func (p *pool) run(h *Handle) {
	defer p.inflight.Done()

	metrics.SetEngineBusyWorkers(p.name, int(p.busy.Inc()))
	h.start = time.Now()

	var err error
	if h.ctx.Err() != nil {
		err = errorutil.Canceled.Wrap(h.ctx.Err(), "task [%s] canceled before start", h.Name)
	} else if p.retryer != nil {
		err = retryutil.Do(h.ctx, p.retryer, h.Name, p.call(h))
	} else {
		err = p.call(h)(h.ctx)
	}
	// the worker is given back before waiters see the task done
	p.unreserve(h)
	h.finish(err)
	metrics.SetEngineBusyWorkers(p.name, int(p.busy.Dec()))

	status := "success"
	if err != nil {
		status = "failed"
		logger.Error("the engine task failed",
			zap.String("engine", p.name),
			zap.String("task", h.Name),
			zap.Duration("duration", h.duration),
			zap.Error(err))
	}
	metrics.ObserveEngineTask(p.name, status, h.duration.Seconds())

	if p.resultCallback != nil {
		p.resultCallback(Result{Name: h.Name, Duration: h.duration, Error: err})
	}
}

func (p *pool) unreserve(h *Handle) {
	if h.reserved {
		p.reserved.Dec()
	}
}

// call wraps the task closure, a panic becomes the task error when panic handle is enabled
func (p *pool) call(h *Handle) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		if p.panicHandle {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("the worker running the task panic",
						zap.String("engine", p.name),
						zap.String("task", h.Name),
						zap.Int("running workers", p.RunningWorkerCount()),
						zap.Int("free workers", p.FreeWorkerCount()),
						zap.Any("error", r))
					err = fmt.Errorf("task [%s] panic: [%v]", h.Name, r)
				}
			}()
		}
		return h.fn(ctx)
	}
}
