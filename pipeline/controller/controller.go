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
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/metrics"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/pipeline"
	"github.com/wentaojin/scaling/pipeline/metadata"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/zap"
)

var jobStates = []string{
	constant.JobStatePreparing,
	constant.JobStateRunning,
	constant.JobStatePaused,
	constant.JobStateFailed,
	constant.JobStateFinished,
	constant.JobStateStopped,
}

const (
	// drainTimeout bounds how long a pause waits for in-flight batches to be acknowledged
	drainTimeout = 30 * time.Second
	// startRetryInterval is how long a job waits before asking a busy engine again
	startRetryInterval = 500 * time.Millisecond
)

// Controller owns the state machine of one job on the node holding its lock
type Controller struct {
	manager  *pipeline.ContextManager
	repo     repository.ClusterRepository
	metadata *metadata.Holder

	mu       sync.Mutex
	job      *job.Job
	tasks    []*job.Task
	trackers map[string]*position.Tracker
	statuses map[string]string
	lease    repository.Lease
	exec     *execution

	// retryStart fires when a deferred start is due, only the run loop touches it
	retryStart <-chan time.Time

	sources   map[string]datasource.DataSource
	streamers map[string]datasource.ChangeStreamer
	targets   map[string]datasource.DataSource
}

func New(j *job.Job, manager *pipeline.ContextManager) (*Controller, error) {
	repo, err := manager.Repository()
	if err != nil {
		return nil, err
	}
	return &Controller{
		manager:   manager,
		repo:      repo,
		metadata:  metadata.NewHolder(nil),
		job:       j,
		trackers:  make(map[string]*position.Tracker),
		statuses:  make(map[string]string),
		sources:   make(map[string]datasource.DataSource),
		streamers: make(map[string]datasource.ChangeStreamer),
		targets:   make(map[string]datasource.DataSource),
	}, nil
}

// State returns the current job state
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.State
}

// Metadata returns the table metadata snapshot of the job sources
func (c *Controller) Metadata() *metadata.Snapshot {
	return c.metadata.Load()
}

// Run acquires the job lock and drives the job until it reaches a terminal state, the lease is
// lost or ctx is done. A held lock is returned as a NotOwner error before anything is touched.
func (c *Controller) Run(ctx context.Context) error {
	opts := c.manager.Options()
	lease, err := c.repo.AcquireLock(ctx, job.LockKey(c.job.ID), opts.LockTTLDuration())
	if err != nil {
		if errorutil.IsNotOwner(err) {
			logger.Warn("job already owned, skip startup",
				zap.String("job_id", c.job.ID),
				zap.String("instance", c.manager.Instance()))
		}
		return err
	}
	c.lease = lease
	defer c.release()

	logger.Info("job lock acquired",
		zap.String("job_id", c.job.ID),
		zap.String("instance", c.manager.Instance()),
		zap.String("state", c.job.State))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals, err := c.repo.Watch(runCtx, job.SignalKey(c.job.ID))
	if err != nil {
		return err
	}

	if err = c.load(runCtx); err != nil {
		return err
	}
	if job.IsTerminal(c.State()) {
		return nil
	}
	defer c.closeSources()

	if c.State() == constant.JobStatePreparing {
		if err = c.prepare(runCtx); err != nil {
			// invalid topologies fail fast, transient errors leave the job to the next owner
			if errorutil.IsConfig(err) || errorutil.IsDataConflict(err) {
				c.fail(runCtx, err)
			}
			return err
		}
	} else if err = c.restore(runCtx); err != nil {
		return err
	}

	scheduler := cron.New(cron.WithLogger(logger.NewCronLogger(logger.GetRootLogger(), "checkpoint")),
		cron.WithChain(cron.SkipIfStillRunning(logger.NewCronLogger(logger.GetRootLogger(), "checkpoint"))))
	if _, err = scheduler.AddFunc(opts.CheckpointCronSpec, func() {
		if perr := c.persistCheckpoint(runCtx); perr != nil {
			logger.Warn("job checkpoint persist failed", zap.String("job_id", c.job.ID), zap.Error(perr))
		}
	}); err != nil {
		return errorutil.Config.Wrap(err, "job [%s] checkpoint cron spec [%s]", c.job.ID, opts.CheckpointCronSpec)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	// a signal written while no node owned the job
	if value, ok, gerr := c.repo.Get(runCtx, job.SignalKey(c.job.ID)); gerr == nil && ok {
		if done, serr := c.handleSignal(runCtx, string(value)); serr != nil || done {
			return serr
		}
	}
	if c.State() == constant.JobStateRunning {
		if err = c.launch(runCtx); err != nil {
			return err
		}
	}

	for {
		var execDone <-chan struct{}
		if e := c.current(); e != nil {
			execDone = e.done
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-lease.Done():
			c.abandon()
			return errorutil.NotOwner.New("job [%s] lease lost on instance [%s]", c.job.ID, c.manager.Instance())
		case ev, ok := <-signals:
			if !ok {
				if ctx.Err() != nil {
					c.shutdown()
					return nil
				}
				return errorutil.Transient.New("job [%s] signal watch closed", c.job.ID)
			}
			if ev.Type != repository.EventTypePut || ev.Key != job.SignalKey(c.job.ID) {
				continue
			}
			done, serr := c.handleSignal(runCtx, string(ev.Value))
			if serr != nil || done {
				return serr
			}
		case <-execDone:
			done, err := c.finishExecution(runCtx)
			if err != nil || done {
				return err
			}
		case <-c.retryStart:
			c.retryStart = nil
			if c.State() == constant.JobStateRunning && c.current() == nil {
				if err = c.launch(runCtx); err != nil {
					return err
				}
			}
		}
	}
}

// launch starts an execution without blocking the run loop. Engine workers held by other jobs defer
// the start, a job that can never fit the engine fails.
func (c *Controller) launch(ctx context.Context) error {
	c.retryStart = nil
	err := c.start(ctx)
	switch {
	case err == nil:
		return nil
	case errorutil.IsTransient(err):
		logger.Warn("job start deferred",
			zap.String("job_id", c.job.ID),
			zap.Duration("retry", startRetryInterval),
			zap.Error(err))
		c.retryStart = time.After(startRetryInterval)
		return nil
	case errorutil.IsConfig(err):
		c.fail(ctx, err)
		return nil
	default:
		return err
	}
}

// handleSignal applies an operator signal, reporting whether the job reached a terminal state
func (c *Controller) handleSignal(ctx context.Context, signal string) (bool, error) {
	logger.Info("job signal received",
		zap.String("job_id", c.job.ID),
		zap.String("signal", signal),
		zap.String("state", c.State()))
	if err := c.repo.Delete(ctx, job.SignalKey(c.job.ID)); err != nil {
		logger.Warn("job signal clear failed", zap.String("job_id", c.job.ID), zap.Error(err))
	}

	switch signal {
	case constant.JobSignalPause:
		if c.State() != constant.JobStateRunning {
			return false, nil
		}
		return false, c.pause(ctx)
	case constant.JobSignalResume:
		switch c.State() {
		case constant.JobStatePaused, constant.JobStateFailed:
			if err := c.transit(ctx, constant.JobStateRunning, ""); err != nil {
				return false, err
			}
			return false, c.launch(ctx)
		}
		return false, nil
	case constant.JobSignalStop:
		if c.State() == constant.JobStateRunning {
			if err := c.pause(ctx); err != nil {
				return false, err
			}
		}
		if !job.CanTransit(c.State(), constant.JobStateStopped) {
			return false, nil
		}
		return true, c.transit(ctx, constant.JobStateStopped, "")
	default:
		logger.Warn("job signal unknown, ignored", zap.String("job_id", c.job.ID), zap.String("signal", signal))
		return false, nil
	}
}

// finishExecution settles the job once every task of the current execution returned
func (c *Controller) finishExecution(ctx context.Context) (bool, error) {
	e := c.current()
	c.mu.Lock()
	c.exec = nil
	c.mu.Unlock()
	e.close()

	if err := e.failure(); err != nil {
		c.fail(ctx, err)
		return false, nil
	}
	if err := c.persistCheckpoint(ctx); err != nil {
		return false, err
	}
	if !c.allFinished() {
		// every task was canceled from outside, the lock goes back so another run resumes the job
		logger.Warn("job tasks canceled outside the controller",
			zap.String("job_id", c.job.ID),
			zap.String("instance", c.manager.Instance()),
			zap.String("state", c.State()))
		return true, errorutil.Canceled.New("job [%s] tasks canceled on instance [%s]", c.job.ID, c.manager.Instance())
	}
	return true, c.transit(ctx, constant.JobStateFinished, "")
}

// pause drains in-flight batches, checkpoints and only then flips the state
func (c *Controller) pause(ctx context.Context) error {
	c.retryStart = nil
	if e := c.current(); e != nil {
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		e.drain(drainCtx)
		cancel()
		c.mu.Lock()
		c.exec = nil
		c.mu.Unlock()
		e.close()
		if err := e.failure(); err != nil {
			c.fail(ctx, err)
			return nil
		}
	}
	if err := c.persistCheckpoint(ctx); err != nil {
		return err
	}
	return c.transit(ctx, constant.JobStatePaused, "")
}

// fail stops every task and keeps the checkpoint for inspection
func (c *Controller) fail(ctx context.Context, cause error) {
	c.retryStart = nil
	if e := c.current(); e != nil {
		e.cancelAll()
		c.mu.Lock()
		c.exec = nil
		c.mu.Unlock()
		e.close()
	}
	logger.Error("job failed",
		zap.String("job_id", c.job.ID),
		zap.Int("severity", errorutil.Severity(cause)),
		zap.Error(cause))
	if err := c.persistCheckpoint(ctx); err != nil {
		logger.Warn("job checkpoint persist failed", zap.String("job_id", c.job.ID), zap.Error(err))
	}
	if err := c.transit(ctx, constant.JobStateFailed, cause.Error()); err != nil {
		logger.Warn("job state persist failed", zap.String("job_id", c.job.ID), zap.Error(err))
	}
}

// shutdown drains like a pause without changing the state, another node resumes the job
func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if e := c.current(); e != nil {
		e.drain(ctx)
		c.mu.Lock()
		c.exec = nil
		c.mu.Unlock()
		e.close()
	}
	if err := c.persistCheckpoint(ctx); err != nil {
		logger.Warn("job checkpoint persist failed", zap.String("job_id", c.job.ID), zap.Error(err))
	}
	logger.Info("job controller shutdown", zap.String("job_id", c.job.ID), zap.String("state", c.State()))
}

// abandon cancels every task without touching persisted state, the lease is gone
func (c *Controller) abandon() {
	if e := c.current(); e != nil {
		e.cancelAll()
		c.mu.Lock()
		c.exec = nil
		c.mu.Unlock()
		e.close()
	}
	logger.Warn("job lease lost, tasks abandoned", zap.String("job_id", c.job.ID))
}

func (c *Controller) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.lease.Release(ctx); err != nil {
		logger.Warn("job lock release failed", zap.String("job_id", c.job.ID), zap.Error(err))
	}
}

func (c *Controller) current() *execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

// transit persists the next job state before publishing it locally, readers of the store never
// lag behind the controller
func (c *Controller) transit(ctx context.Context, to, reason string) error {
	c.mu.Lock()
	from := c.job.State
	next := *c.job
	if err := next.Transit(to); err != nil {
		c.mu.Unlock()
		return err
	}
	next.Error = reason
	next.UpdateTime = time.Now()
	c.mu.Unlock()

	if err := c.persistJob(ctx, &next); err != nil {
		return err
	}
	c.mu.Lock()
	c.job.State = next.State
	c.job.Error = next.Error
	c.job.UpdateTime = next.UpdateTime
	c.mu.Unlock()
	if err := c.persistCheckpoint(ctx); err != nil {
		return err
	}

	metrics.SetJobState(c.job.ID, jobStates, to)
	c.manager.EventBus().Publish(constant.EventTopicJobState, c.job.ID, from, to)
	logger.Info("job state transit",
		zap.String("job_id", c.job.ID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("reason", reason))
	return nil
}

func (c *Controller) persistJob(ctx context.Context, j *job.Job) error {
	c.mu.Lock()
	data, err := json.Marshal(j)
	c.mu.Unlock()
	if err != nil {
		return errorutil.Config.Wrap(err, "job [%s] marshal", j.ID)
	}
	return c.repo.Put(ctx, job.ConfigKey(j.ID), data)
}

// persistCheckpoint writes the acknowledged position of every task, only the lease holder writes
func (c *Controller) persistCheckpoint(ctx context.Context) error {
	select {
	case <-c.lease.Done():
		return errorutil.NotOwner.New("job [%s] lease lost, checkpoint skipped", c.job.ID)
	default:
	}

	c.mu.Lock()
	cp := job.NewCheckpoint(c.job.ID, c.job.State)
	for _, t := range c.tasks {
		cp.SetTask(c.trackers[t.ID].Snapshot(), c.statuses[t.ID])
	}
	c.mu.Unlock()

	data, err := job.EncodeCheckpoint(cp, constant.DefaultCheckpointCompressThreshold)
	if err != nil {
		return err
	}
	if err = c.repo.Put(ctx, job.CheckpointKey(c.job.ID), data); err != nil {
		return err
	}
	logger.Debug("job checkpoint persisted",
		zap.String("job_id", c.job.ID),
		zap.String("state", cp.State),
		zap.Int("tasks", len(cp.Tasks)),
		zap.Int("bytes", len(data)))
	return nil
}

func (c *Controller) setStatus(taskID, status string) {
	c.mu.Lock()
	prev := c.statuses[taskID]
	c.statuses[taskID] = status
	c.mu.Unlock()
	if prev != status {
		c.manager.EventBus().Publish(constant.EventTopicTaskState, c.job.ID, taskID, status)
	}
}

func (c *Controller) allFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tasks {
		if c.statuses[t.ID] != constant.TaskStatusFinished {
			return false
		}
	}
	return true
}
