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
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/pipeline"
	"github.com/wentaojin/scaling/pipeline/controller"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/zap"
)

const (
	// EventJobSubmit is a job definition seen on the config prefix
	EventJobSubmit = iota
	// EventJobRelease is a job lock deleted, the previous owner is gone
	EventJobRelease
	// EventJobExit is a local controller returned
	EventJobExit
)

type Event struct {
	Opt   int
	JobID string
	Job   *job.Job
	Err   error
}

// Plan is a job controller running on this worker
type Plan struct {
	JobID     string
	StartTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Scheduler races for the lock of every active job, it keeps at most one controller per job locally
type Scheduler struct {
	ctx     context.Context
	manager *pipeline.ContextManager
	events  chan *Event

	mu    sync.Mutex
	plans map[string]*Plan

	// OnChange receives the owned job ids after every plan change
	OnChange func(jobs []string)

	wg sync.WaitGroup
}

func NewScheduler(ctx context.Context, manager *pipeline.ContextManager, eventQueueSize int64) *Scheduler {
	return &Scheduler{
		ctx:     ctx,
		manager: manager,
		events:  make(chan *Event, eventQueueSize),
		plans:   make(map[string]*Plan),
	}
}

func (s *Scheduler) ScheduleEvent() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Scheduling()
	}()
}

func (s *Scheduler) Scheduling() {
	for {
		select {
		case eve := <-s.events:
			s.HandleJobEvent(eve)
		case <-s.ctx.Done():
			logger.Warn("worker job event schedule cancel", zap.Strings("jobs", s.Jobs()))
			return
		}
	}
}

// PushJobEvent queues the event, it gives up once the scheduler is canceled
func (s *Scheduler) PushJobEvent(eve *Event) {
	select {
	case s.events <- eve:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) HandleJobEvent(eve *Event) {
	switch eve.Opt {
	case EventJobSubmit, EventJobRelease:
		if eve.Job == nil || job.IsTerminal(eve.Job.State) {
			return
		}
		s.mu.Lock()
		_, running := s.plans[eve.JobID]
		s.mu.Unlock()
		if running {
			return
		}
		s.start(eve.Job)
	case EventJobExit:
		s.mu.Lock()
		delete(s.plans, eve.JobID)
		s.mu.Unlock()
		switch {
		case eve.Err == nil:
			logger.Info("worker job controller exited", zap.String("job_id", eve.JobID))
		case errorutil.IsNotOwner(eve.Err):
			logger.Info("job already owned", zap.String("job_id", eve.JobID), zap.String("reason", eve.Err.Error()))
		default:
			logger.Error("worker job controller exited with error", zap.String("job_id", eve.JobID), zap.Error(eve.Err))
		}
		s.notify()
	}
}

func (s *Scheduler) start(j *job.Job) {
	c, err := controller.New(j, s.manager)
	if err != nil {
		logger.Error("worker create job controller failed", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	p := &Plan{JobID: j.ID, StartTime: time.Now(), cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.plans[j.ID] = p
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(p.done)
		defer cancel()
		err := c.Run(ctx)
		// the exit event must not block a canceled scheduler
		select {
		case s.events <- &Event{Opt: EventJobExit, JobID: j.ID, Err: err}:
		case <-s.ctx.Done():
		}
	}()
	s.notify()
}

// Jobs returns the ids of the local plans in order
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]string, 0, len(s.plans))
	for id := range s.plans {
		jobs = append(jobs, id)
	}
	sort.Strings(jobs)
	return jobs
}

func (s *Scheduler) notify() {
	if s.OnChange != nil {
		s.OnChange(s.Jobs())
	}
}

// Wait blocks until the scheduling loop and every local controller returned, the caller cancels the
// scheduler context first. Controllers checkpoint on shutdown and release their locks.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.Warn("worker job controllers drain timeout", zap.Strings("jobs", s.Jobs()), zap.Duration("timeout", timeout))
		return false
	}
}
