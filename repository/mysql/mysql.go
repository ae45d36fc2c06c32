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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultSlowThreshold = 300
)

func init() {
	repository.Register(constant.RepositoryTypeMySQL, func(cfg *repository.Config) (repository.ClusterRepository, error) {
		return NewRepository(cfg)
	})
}

// Repository is the coordination store over a mysql compatible database, watch is served by
// polling the event table
type Repository struct {
	GormDB
	pollInterval  time.Duration
	renewInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func NewRepository(cfg *repository.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errorutil.Config.New("mysql repository dsn is required")
	}
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              true,
		DisableNestedTransaction:                 true,
		Logger:                                   logger.GetGormLogger(cfg.LogLevel, defaultSlowThreshold),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, errorutil.Transient.New("mysql repository open failed, database error: [%v]", err)
	}
	if db.Error != nil {
		return nil, errorutil.Transient.New("mysql repository open failed, database error: [%v]", db.Error)
	}
	return NewRepositoryWithDB(db, cfg)
}

// NewRepositoryWithDB migrates the coordination tables on db
func NewRepositoryWithDB(db *gorm.DB, cfg *repository.Config) (*Repository, error) {
	if err := db.AutoMigrate(&ClusterKv{}, &ClusterKvEvent{}); err != nil {
		return nil, errorutil.Transient.Wrap(err, "mysql repository migrate tables failed")
	}
	r := &Repository{
		GormDB:       WarpDB(db),
		pollInterval: defaultPollInterval,
		closed:       make(chan struct{}),
	}
	if cfg.PollInterval > 0 {
		r.pollInterval = time.Duration(cfg.PollInterval) * time.Millisecond
	}
	if cfg.RenewInterval > 0 {
		r.renewInterval = time.Duration(cfg.RenewInterval) * time.Millisecond
	}
	return r, nil
}

func (r *Repository) TableName(ctx context.Context) string {
	return r.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(ClusterKv{}).Name())
}

func (r *Repository) CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	var created bool
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = r.createIfAbsent(tx, key, value, "", nil)
		return err
	})
	if err != nil {
		return false, wrapError(err, "mysql create key [%s] if absent failed", key)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var kvs []*ClusterKv
	err := r.DB(ctx).Model(&ClusterKv{}).
		Where("key_name = ? AND (lease_expire_at IS NULL OR lease_expire_at > ?)", key, time.Now()).
		Find(&kvs).Error
	if err != nil {
		return nil, false, wrapError(err, "get table [%s] record failed", r.TableName(ctx))
	}
	if len(kvs) == 0 {
		return nil, false, nil
	}
	return kvs[0].Value, true, nil
}

func (r *Repository) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	var kvs []*ClusterKv
	err := r.DB(ctx).Model(&ClusterKv{}).
		Where("key_name LIKE ? AND (lease_expire_at IS NULL OR lease_expire_at > ?)", likePrefix(prefix), time.Now()).
		Find(&kvs).Error
	if err != nil {
		return nil, wrapError(err, "list table [%s] record failed", r.TableName(ctx))
	}
	res := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		res[kv.KeyName] = kv.Value
	}
	return res, nil
}

func (r *Repository) Put(ctx context.Context, key string, value []byte) error {
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		rev, err := r.appendEvent(tx, repository.EventTypePut, key, value)
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "mod_revision", "lease_id", "lease_expire_at", "updated_at"}),
		}).Create(&ClusterKv{KeyName: key, Value: value, ModRevision: rev, Entity: &Entity{}}).Error
	})
	if err != nil {
		return wrapError(err, "mysql put key [%s] failed", key)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return r.deleteWhere(tx, key, "key_name = ?", key)
	})
	if err != nil {
		return wrapError(err, "mysql delete key [%s] failed", key)
	}
	return nil
}

func (r *Repository) Watch(ctx context.Context, prefix string) (<-chan repository.Event, error) {
	var lastRev int64
	err := r.DB(ctx).Model(&ClusterKvEvent{}).Select("COALESCE(MAX(id), 0)").Scan(&lastRev).Error
	if err != nil {
		return nil, wrapError(err, "mysql watch prefix [%s] failed", prefix)
	}

	out := make(chan repository.Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.closed:
				return
			case <-ticker.C:
			}

			if err := r.reapExpired(ctx); err != nil {
				logger.Warn("mysql repository reap expired leases failed", zap.Error(err))
			}

			var events []*ClusterKvEvent
			err := r.DB(ctx).Model(&ClusterKvEvent{}).
				Where("id > ? AND key_name LIKE ?", lastRev, likePrefix(prefix)).
				Order("id").Find(&events).Error
			if err != nil {
				logger.Error("mysql repository poll events failed", zap.String("prefix", prefix), zap.Error(err))
				continue
			}
			for _, ev := range events {
				select {
				case out <- repository.Event{Type: ev.EventType, Key: ev.KeyName, Value: ev.Value, Revision: ev.ID}:
					lastRev = ev.ID
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Repository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (repository.Lease, error) {
	if ttl <= 0 {
		return nil, errorutil.Config.New("lock [%s] ttl [%v] must be positive", key, ttl)
	}
	leaseID := uuid.NewString()
	var created bool
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		expireAt := time.Now().Add(ttl)
		var err error
		created, err = r.createIfAbsent(tx, key, []byte(leaseID), leaseID, &expireAt)
		return err
	})
	if err != nil {
		return nil, wrapError(err, "mysql lock [%s] failed", key)
	}
	if !created {
		return nil, errorutil.NotOwner.New("attempt to lock [%s], but it is held by another owner", key)
	}

	renew := r.renewInterval
	if renew <= 0 || renew >= ttl {
		renew = ttl / 3
	}
	l := &lease{
		repo:  r,
		key:   key,
		id:    leaseID,
		ttl:   ttl,
		renew: renew,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

func (r *Repository) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	db, err := r.MetaDB.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// createIfAbsent purges an expired holder of key before the conditional insert
func (r *Repository) createIfAbsent(tx *gorm.DB, key string, value []byte, leaseID string, expireAt *time.Time) (bool, error) {
	if err := r.deleteWhere(tx, key, "key_name = ? AND lease_expire_at IS NOT NULL AND lease_expire_at <= ?", key, time.Now()); err != nil {
		return false, err
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ClusterKv{KeyName: key, Value: value, LeaseID: leaseID, LeaseExpireAt: expireAt, Entity: &Entity{}})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	rev, err := r.appendEvent(tx, repository.EventTypePut, key, value)
	if err != nil {
		return false, err
	}
	return true, tx.Model(&ClusterKv{}).Where("key_name = ?", key).Update("mod_revision", rev).Error
}

func (r *Repository) deleteWhere(tx *gorm.DB, key string, query string, args ...any) error {
	res := tx.Where(query, args...).Delete(&ClusterKv{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	_, err := r.appendEvent(tx, repository.EventTypeDelete, key, nil)
	return err
}

func (r *Repository) appendEvent(tx *gorm.DB, typ, key string, value []byte) (int64, error) {
	ev := &ClusterKvEvent{EventType: typ, KeyName: key, Value: value}
	if err := tx.Create(ev).Error; err != nil {
		return 0, fmt.Errorf("append event for key [%s] failed: [%v]", key, err)
	}
	return ev.ID, nil
}

// reapExpired deletes keys whose lease expired so that watchers observe the deletion
func (r *Repository) reapExpired(ctx context.Context) error {
	var expired []*ClusterKv
	now := time.Now()
	err := r.DB(ctx).Model(&ClusterKv{}).Where("lease_expire_at IS NOT NULL AND lease_expire_at <= ?", now).Find(&expired).Error
	if err != nil {
		return err
	}
	for _, kv := range expired {
		err = r.DB(ctx).Transaction(func(tx *gorm.DB) error {
			return r.deleteWhere(tx, kv.KeyName, "key_name = ? AND lease_id = ? AND lease_expire_at <= ?", kv.KeyName, kv.LeaseID, now)
		})
		if err != nil {
			return err
		}
		logger.Warn("mysql lease expired", zap.String("lock_path", kv.KeyName), zap.String("lease_id", kv.LeaseID))
	}
	return nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func wrapError(err error, format string, args ...any) error {
	if errors.Is(err, context.Canceled) {
		return errorutil.Canceled.Wrap(err, format, args...)
	}
	return errorutil.Transient.Wrap(err, format, args...)
}
