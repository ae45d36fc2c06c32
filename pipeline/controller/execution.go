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
	"sync"

	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/task"
	"github.com/wentaojin/scaling/pool"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/zap"
)

type runner interface {
	Run(ctx context.Context) error
}

// execution is one run of the unfinished tasks, a pause or failure ends it and a resume starts
// a new one with fresh channels
type execution struct {
	dumpers   []*pool.Handle
	importers []*pool.Handle
	channels  []*channel.Channel
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// start submits a dumper and an importer per unfinished task, incremental dumpers wait for every
// inventory importer to finish
func (c *Controller) start(ctx context.Context) error {
	opts := c.manager.Options()
	engine := c.manager.Engine()

	appliers := make(map[string]datasource.BatchApplier, len(c.targets))
	for name, ds := range c.targets {
		appliers[name] = ds
	}
	router, err := task.NewTargetRouter(c.job.Target, appliers)
	if err != nil {
		return err
	}

	var pending []*job.Task
	c.mu.Lock()
	for _, t := range c.tasks {
		if c.statuses[t.ID] != constant.TaskStatusFinished {
			pending = append(pending, t)
		}
	}
	c.mu.Unlock()
	if capacity := engine.Capacity(); capacity > 0 && len(pending)*2 > capacity {
		return errorutil.Config.New("job [%s] needs [%d] engine workers for [%d] tasks, engine-workers is [%d]",
			c.job.ID, len(pending)*2, len(pending), capacity)
	}

	e := &execution{done: make(chan struct{})}
	gate := make(chan struct{})
	var (
		inventory []int
		tasks     []pool.Task
	)
	for _, t := range pending {
		ch, err := c.manager.ChannelCreator().NewChannel(t.ID, opts.ChannelSize)
		if err != nil {
			e.close()
			return err
		}
		e.channels = append(e.channels, ch)

		tracker := c.trackers[t.ID]
		var dumper runner
		switch t.Kind {
		case constant.TaskKindInventory:
			dumper = &task.InventoryDumper{
				Task:      t,
				Reader:    c.sources[t.Shard],
				Channel:   ch,
				BatchSize: opts.BatchSize,
				Retryer:   c.manager.Retryer(),
				From:      tracker.Current(),
			}
		default:
			dumper = &task.IncrementalDumper{
				Task:         t,
				Streamer:     c.streamers[t.Shard],
				Channel:      ch,
				Tables:       c.job.Source.Tables,
				BatchSize:    opts.BatchSize,
				Retryer:      c.manager.Retryer(),
				From:         tracker.Current(),
				Gate:         gate,
				OneShot:      c.job.Mode == constant.JobModeOneShot,
				LagThreshold: opts.LagThreshold,
			}
		}
		importer := &task.Importer{
			Task:    t,
			Channel: ch,
			Router:  router,
			Tracker: tracker,
			Retryer: c.manager.Retryer(),
		}

		tasks = append(tasks,
			pool.Task{Name: t.ID + "-dumper", Fn: c.track(t, dumper, false)},
			pool.Task{Name: t.ID + "-importer", Fn: c.track(t, importer, true)})
		if t.Kind == constant.TaskKindInventory {
			inventory = append(inventory, len(tasks)-1)
		}
	}

	// a dumper never runs without its importer, the whole execution is admitted at once
	handles, err := engine.SubmitAll(tasks...)
	if err != nil {
		e.close()
		return err
	}
	for i := 0; i < len(handles); i += 2 {
		e.dumpers = append(e.dumpers, handles[i])
		e.importers = append(e.importers, handles[i+1])
	}
	gated := make([]*pool.Handle, 0, len(inventory))
	for _, i := range inventory {
		gated = append(gated, handles[i])
	}

	go func() {
		if err := pool.AwaitAll(context.Background(), gated...); err == nil {
			logger.Info("job inventory finished, incremental tasks released", zap.String("job_id", c.job.ID))
			close(gate)
		}
	}()
	go e.monitor()

	c.mu.Lock()
	c.exec = e
	c.mu.Unlock()
	logger.Info("job tasks submitted",
		zap.String("job_id", c.job.ID),
		zap.Int("tasks", len(pending)),
		zap.Int("inventory", len(gated)),
		zap.String("engine_mode", opts.EngineMode))
	return nil
}

// track keeps the task status current, the importer return decides the task outcome
func (c *Controller) track(t *job.Task, r runner, importer bool) pool.TaskFunc {
	return func(ctx context.Context) error {
		if importer {
			c.setStatus(t.ID, constant.TaskStatusRunning)
		}
		err := r.Run(ctx)
		switch {
		case err == nil:
			if importer {
				c.setStatus(t.ID, constant.TaskStatusFinished)
			}
		case errorutil.IsCanceled(err):
			if importer {
				c.setStatus(t.ID, constant.TaskStatusPending)
			}
		default:
			c.setStatus(t.ID, constant.TaskStatusFailed)
			logger.Error("task failed",
				zap.String("job_id", t.JobID),
				zap.String("task_id", t.ID),
				zap.String("kind", t.Kind),
				zap.Bool("importer", importer),
				zap.Error(err))
		}
		return err
	}
}

// monitor closes done once every handle returned, the first real error cancels the others
func (e *execution) monitor() {
	var wg sync.WaitGroup
	for _, h := range e.handles() {
		wg.Add(1)
		go func(h *pool.Handle) {
			defer wg.Done()
			<-h.Done()
			if err := h.Err(); err != nil && !errorutil.IsCanceled(err) {
				e.mu.Lock()
				first := e.err == nil
				if first {
					e.err = err
				}
				e.mu.Unlock()
				if first {
					e.cancelAll()
				}
			}
		}(h)
	}
	wg.Wait()
	close(e.done)
}

func (e *execution) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// drain stops the dumpers, lets the importers acknowledge every sent batch, then stops them
func (e *execution) drain(ctx context.Context) {
	for _, h := range e.dumpers {
		h.Cancel()
	}
	for _, h := range e.dumpers {
		if err := h.Wait(ctx); errorutil.IsCanceled(err) && ctx.Err() != nil {
			break
		}
	}
	for _, ch := range e.channels {
		if err := ch.WaitAcked(ctx); err != nil {
			logger.Warn("channel drain incomplete",
				zap.String("channel", ch.Name()),
				zap.Int("outstanding", ch.Outstanding()),
				zap.Error(err))
		}
	}
	e.cancelAll()
	select {
	case <-e.done:
	case <-ctx.Done():
		logger.Warn("execution drain timeout, tasks still returning")
	}
}

func (e *execution) handles() []*pool.Handle {
	hs := make([]*pool.Handle, 0, len(e.dumpers)+len(e.importers))
	hs = append(hs, e.dumpers...)
	return append(hs, e.importers...)
}

func (e *execution) cancelAll() {
	for _, h := range e.handles() {
		h.Cancel()
	}
}

func (e *execution) close() {
	for _, ch := range e.channels {
		ch.Close()
	}
}
