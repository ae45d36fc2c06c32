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
package service

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.uber.org/zap"
)

// SubmitJob validates the job and writes its definition, the only write entry of a new job.
// Validation failures are returned synchronously as Config errors.
func SubmitJob(ctx context.Context, repo repository.ClusterRepository, j *job.Job) (*job.Job, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, errorutil.Config.Wrap(err, "job [%s] marshal", j.ID)
	}
	ok, err := repo.CreateIfAbsent(ctx, job.ConfigKey(j.ID), data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errorutil.Config.New("job [%s] already exists", j.ID)
	}
	logger.Info("job submitted",
		zap.String("job_id", j.ID),
		zap.String("mode", j.Mode),
		zap.String("source", j.Source.Type),
		zap.String("target", j.Target.Type))
	return j, nil
}

func PauseJob(ctx context.Context, repo repository.ClusterRepository, jobID string) error {
	return signalJob(ctx, repo, jobID, constant.JobSignalPause, constant.JobStateRunning)
}

func ResumeJob(ctx context.Context, repo repository.ClusterRepository, jobID string) error {
	return signalJob(ctx, repo, jobID, constant.JobSignalResume, constant.JobStatePaused, constant.JobStateFailed)
}

func StopJob(ctx context.Context, repo repository.ClusterRepository, jobID string) error {
	return signalJob(ctx, repo, jobID, constant.JobSignalStop,
		constant.JobStateRunning, constant.JobStatePaused, constant.JobStateFailed)
}

// StatusJob merges the job with its last checkpoint
func StatusJob(ctx context.Context, repo repository.ClusterRepository, jobID string) (*job.Status, error) {
	j, err := GetJob(ctx, repo, jobID)
	if err != nil {
		return nil, err
	}
	data, ok, err := repo.Get(ctx, job.CheckpointKey(jobID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return job.NewStatus(j, nil), nil
	}
	cp, err := job.DecodeCheckpoint(data)
	if err != nil {
		return nil, err
	}
	return job.NewStatus(j, cp), nil
}

func GetJob(ctx context.Context, repo repository.ClusterRepository, jobID string) (*job.Job, error) {
	data, ok, err := repo.Get(ctx, job.ConfigKey(jobID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errorutil.Config.New("job [%s] does not exist", jobID)
	}
	var j *job.Job
	if err = json.Unmarshal(data, &j); err != nil {
		return nil, errorutil.Config.Wrap(err, "job [%s] config unmarshal", jobID)
	}
	return j, nil
}

// ListJobs returns every job ordered by creation time then id
func ListJobs(ctx context.Context, repo repository.ClusterRepository) ([]*job.Job, error) {
	kvs, err := repo.List(ctx, constant.DefaultJobConfigPrefixKey)
	if err != nil {
		return nil, err
	}
	jobs := make([]*job.Job, 0, len(kvs))
	for key, data := range kvs {
		var j *job.Job
		if err = json.Unmarshal(data, &j); err != nil {
			logger.Warn("job config unmarshal failed, skipped", zap.String("key", key), zap.Error(err))
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreateTime.Equal(jobs[k].CreateTime) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreateTime.Before(jobs[k].CreateTime)
	})
	return jobs, nil
}

// signalJob writes the operator signal watched by the job owner
func signalJob(ctx context.Context, repo repository.ClusterRepository, jobID, signal string, allowed ...string) error {
	j, err := GetJob(ctx, repo, jobID)
	if err != nil {
		return err
	}
	if !stringutil.IsContainedString(allowed, j.State) {
		return errorutil.Config.New("job [%s] in state [%s] does not accept signal [%s]", jobID, j.State, signal)
	}
	if err = repo.Put(ctx, job.SignalKey(jobID), []byte(signal)); err != nil {
		return err
	}
	logger.Warn("job signal sent",
		zap.String("job_id", jobID),
		zap.String("signal", signal),
		zap.String("state", j.State),
		zap.String("owner", j.Owner))
	return nil
}
