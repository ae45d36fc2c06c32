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
package master

import (
	"context"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/metrics"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/service"
	"go.uber.org/zap"
)

// reconcile reports active jobs whose lock is gone, workers pick them up on their next rescan
func (s *Server) reconcile(ctx context.Context) (int, error) {
	jobs, err := service.ListJobs(ctx, s.repo)
	if err != nil {
		return 0, err
	}

	workers := 0
	if s.discoveries != nil {
		ws, err := s.discoveries.GetAllWorker()
		if err != nil {
			return 0, err
		}
		workers = len(ws)
	}

	orphans := 0
	for _, j := range jobs {
		if job.IsTerminal(j.State) {
			continue
		}
		_, owned, err := s.repo.Get(ctx, job.LockKey(j.ID))
		if err != nil {
			return orphans, err
		}
		if owned {
			continue
		}
		orphans++
		logger.Warn("orphan job waiting for a worker",
			zap.String("job_id", j.ID),
			zap.String("state", j.State),
			zap.String("last_owner", j.Owner),
			zap.Int("workers", workers))
	}
	metrics.SetOrphanJobs(orphans)
	return orphans, nil
}
