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
package mysql

import (
	"context"
	"sync"
	"time"

	"github.com/wentaojin/scaling/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type lease struct {
	repo  *Repository
	key   string
	id    string
	ttl   time.Duration
	renew time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

func (l *lease) Key() string {
	return l.key
}

func (l *lease) Done() <-chan struct{} {
	return l.done
}

func (l *lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	defer l.closeDone()
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return l.repo.deleteWhere(tx, l.key, "key_name = ? AND lease_id = ?", l.key, l.id)
	})
	if err != nil {
		return wrapError(err, "mysql unlock [%s] failed", l.key)
	}
	return nil
}

// keepAlive extends lease_expire_at every renew interval, a missed renewal past ttl loses the lease
func (l *lease) keepAlive() {
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	lastRenew := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-l.repo.closed:
			l.closeDone()
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		res := l.repo.DB(ctx).Model(&ClusterKv{}).
			Where("key_name = ? AND lease_id = ?", l.key, l.id).
			Updates(map[string]interface{}{"lease_expire_at": time.Now().Add(l.ttl)})
		cancel()
		switch {
		case res.Error != nil:
			logger.Warn("renew mysql lease failed, it would be retrying",
				zap.String("lock_path", l.key), zap.String("lease_id", l.id), zap.Error(res.Error))
			if time.Since(lastRenew) < l.ttl {
				continue
			}
		case res.RowsAffected > 0:
			lastRenew = time.Now()
			continue
		}
		logger.Warn("stop to keep lease alive", zap.String("lock_path", l.key), zap.String("lease_id", l.id))
		l.closeDone()
		return
	}
}

func (l *lease) closeDone() {
	l.doneOnce.Do(func() {
		close(l.done)
	})
}
