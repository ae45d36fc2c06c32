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
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wentaojin/scaling/logger"
	"go.uber.org/zap"
)

type lease struct {
	id   string
	key  string
	ttl  time.Duration
	repo *Repository

	mu    sync.Mutex
	timer *time.Timer

	renewStop chan struct{}
	renewOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func newLease(repo *Repository, key string, ttl time.Duration) *lease {
	l := &lease{
		id:        uuid.NewString(),
		key:       key,
		ttl:       ttl,
		repo:      repo,
		renewStop: make(chan struct{}),
		done:      make(chan struct{}),
	}
	l.timer = time.AfterFunc(ttl, func() {
		logger.Warn("memory lease expired",
			zap.String("lock_path", l.key), zap.String("lease_id", l.id), zap.Duration("ttl", l.ttl))
		l.expire()
	})
	return l
}

func (l *lease) Key() string {
	return l.key
}

func (l *lease) Done() <-chan struct{} {
	return l.done
}

func (l *lease) Release(ctx context.Context) error {
	logger.Debug("unlock resource", zap.String("lock_path", l.key), zap.String("lease_id", l.id))
	l.expire()
	return nil
}

// keepAlive renews the lease three times per ttl until stopped
func (l *lease) keepAlive() {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.renewStop:
			return
		case <-l.done:
			return
		case <-ticker.C:
			select {
			case <-l.renewStop:
				return
			default:
			}
			l.mu.Lock()
			l.timer.Reset(l.ttl)
			l.mu.Unlock()
		}
	}
}

func (l *lease) stopRenew() {
	l.renewOnce.Do(func() {
		close(l.renewStop)
	})
}

func (l *lease) expire() {
	l.doneOnce.Do(func() {
		l.stopRenew()
		l.mu.Lock()
		l.timer.Stop()
		l.mu.Unlock()

		l.repo.mu.Lock()
		if e, ok := l.repo.data[l.key]; ok && e.leaseID == l.id {
			l.repo.deleteLocked(l.key)
		}
		delete(l.repo.leases, l.id)
		l.repo.mu.Unlock()

		close(l.done)
	})
}
