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
	"encoding/json"

	"github.com/robfig/cron/v3"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/utils/constant"
	"go.uber.org/zap"
)

// Watcher turns coordination store changes into scheduler events
type Watcher struct {
	ctx       context.Context
	repo      repository.ClusterRepository
	scheduler *Scheduler
	cron      *cron.Cron
}

func NewWatcher(ctx context.Context, repo repository.ClusterRepository, scheduler *Scheduler) *Watcher {
	return &Watcher{ctx: ctx, repo: repo, scheduler: scheduler}
}

// Watch subscribes the job config and lock prefixes, then pushes every existing job. rescanSpec
// schedules a periodic full scan, empty disables it.
func (w *Watcher) Watch(rescanSpec string) error {
	configCh, err := w.repo.Watch(w.ctx, constant.DefaultJobConfigPrefixKey)
	if err != nil {
		return err
	}
	lockCh, err := w.repo.Watch(w.ctx, constant.DefaultJobLockPrefixKey)
	if err != nil {
		return err
	}
	go w.watchConfig(configCh)
	go w.watchLock(lockCh)

	if err = w.Rescan(); err != nil {
		return err
	}

	if rescanSpec != "" {
		w.cron = cron.New(
			cron.WithLogger(logger.NewCronLogger(logger.GetRootLogger(), "rescan")),
			cron.WithChain(cron.SkipIfStillRunning(logger.NewCronLogger(logger.GetRootLogger(), "rescan"))))
		if _, err = w.cron.AddFunc(rescanSpec, func() {
			if err := w.Rescan(); err != nil {
				logger.Warn("worker rescan jobs failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
		w.cron.Start()
		go func() {
			<-w.ctx.Done()
			w.cron.Stop()
		}()
	}
	return nil
}

// Rescan pushes every job definition, jobs already running locally are ignored by the scheduler
func (w *Watcher) Rescan() error {
	jobs, err := service.ListJobs(w.ctx, w.repo)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		w.scheduler.PushJobEvent(&Event{Opt: EventJobSubmit, JobID: j.ID, Job: j})
	}
	return nil
}

func (w *Watcher) watchConfig(ch <-chan repository.Event) {
	logger.Info("worker watch job config starting", zap.String("key with prefix", constant.DefaultJobConfigPrefixKey))
	for ev := range ch {
		if ev.Type != repository.EventTypePut {
			continue
		}
		var j *job.Job
		if err := json.Unmarshal(ev.Value, &j); err != nil {
			logger.Warn("worker watch job config unmarshal JSON", zap.String("key", ev.Key), zap.Error(err))
			continue
		}
		w.scheduler.PushJobEvent(&Event{Opt: EventJobSubmit, JobID: j.ID, Job: j})
	}
	logger.Warn("worker watch job config cancel", zap.String("key prefix", constant.DefaultJobConfigPrefixKey))
}

func (w *Watcher) watchLock(ch <-chan repository.Event) {
	for ev := range ch {
		if ev.Type != repository.EventTypeDelete {
			continue
		}
		jobID := job.IDFromKey(constant.DefaultJobLockPrefixKey, ev.Key)
		j, err := service.GetJob(w.ctx, w.repo, jobID)
		if err != nil {
			logger.Warn("worker watch job lock released, get job failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		w.scheduler.PushJobEvent(&Event{Opt: EventJobRelease, JobID: jobID, Job: j})
	}
	logger.Warn("worker watch job lock cancel", zap.String("key prefix", constant.DefaultJobLockPrefixKey))
}
