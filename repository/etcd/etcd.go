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
package etcd

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/etcdutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
)

func init() {
	repository.Register(constant.RepositoryTypeEtcd, func(cfg *repository.Config) (repository.ClusterRepository, error) {
		return NewRepository(context.Background(), cfg)
	})
}

// Repository is the quorum backed coordination store over etcd
type Repository struct {
	client    *clientv3.Client
	ownClient bool
}

func NewRepository(ctx context.Context, cfg *repository.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.Endpoints) == "" {
		return nil, errorutil.Config.New("etcd repository endpoints is required")
	}
	var endpoints []string
	for _, ep := range strings.Split(cfg.Endpoints, constant.StringSeparatorComma) {
		endpoints = append(endpoints, stringutil.WrapSchemes(strings.TrimSpace(ep), false)...)
	}
	client, err := etcdutil.CreateClient(ctx, endpoints, nil)
	if err != nil {
		return nil, errorutil.Transient.Wrap(err, "create etcd client for [%s] failed", cfg.Endpoints)
	}
	return &Repository{client: client, ownClient: true}, nil
}

// NewRepositoryWithClient reuses an existing client, Close leaves it open
func NewRepositoryWithClient(client *clientv3.Client) *Repository {
	return &Repository{client: client}
}

func (r *Repository) Client() *clientv3.Client {
	return r.client
}

func (r *Repository) CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := etcdutil.TxnCreateIfAbsent(ctx, r.client, key, stringutil.BytesToString(value))
	if err != nil {
		return false, wrapError(err, "etcd create key [%s] if absent failed", key)
	}
	return ok, nil
}

func (r *Repository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := etcdutil.GetKey(ctx, r.client, key)
	if err != nil {
		return nil, false, wrapError(err, "etcd get key [%s] failed", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (r *Repository) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := etcdutil.GetKey(ctx, r.client, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, wrapError(err, "etcd get prefix [%s] failed", prefix)
	}
	kvs := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs[string(kv.Key)] = kv.Value
	}
	return kvs, nil
}

func (r *Repository) Put(ctx context.Context, key string, value []byte) error {
	if _, err := etcdutil.PutKey(ctx, r.client, key, stringutil.BytesToString(value)); err != nil {
		return wrapError(err, "etcd put key [%s] failed", key)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := etcdutil.DeleteKey(ctx, r.client, key); err != nil {
		return wrapError(err, "etcd delete key [%s] failed", key)
	}
	return nil
}

func (r *Repository) Watch(ctx context.Context, prefix string) (<-chan repository.Event, error) {
	watchCh := etcdutil.WatchKey(ctx, r.client, prefix, clientv3.WithPrefix())
	out := make(chan repository.Event)
	go func() {
		defer close(out)
		for wresp := range watchCh {
			if err := wresp.Err(); err != nil {
				logger.Error("etcd watch prefix failed", zap.String("prefix", prefix), zap.Error(err))
				if wresp.Canceled {
					return
				}
				continue
			}
			for _, ev := range wresp.Events {
				e := repository.Event{Key: string(ev.Kv.Key), Revision: ev.Kv.ModRevision}
				switch ev.Type {
				case mvccpb.PUT:
					e.Type = repository.EventTypePut
					e.Value = ev.Kv.Value
				case mvccpb.DELETE:
					e.Type = repository.EventTypeDelete
				}
				select {
				case out <- e:
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
	// etcd lease ttl has second granularity
	seconds := int64(math.Ceil(ttl.Seconds()))
	locker := etcdutil.NewLocker(r.client, key, "", seconds)
	if err := locker.Lock(ctx); err != nil {
		if errors.Is(err, etcdutil.ErrLockHeld) {
			return nil, errorutil.NotOwner.New("attempt to lock [%s], but it is held by another owner", key)
		}
		return nil, wrapError(err, "etcd lock [%s] failed", key)
	}
	return &lease{locker: locker}, nil
}

func (r *Repository) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

type lease struct {
	locker *etcdutil.Locker
}

func (l *lease) Key() string {
	return l.locker.LockPath()
}

func (l *lease) Done() <-chan struct{} {
	return l.locker.Done()
}

func (l *lease) Release(ctx context.Context) error {
	if err := l.locker.UnLock(ctx); err != nil {
		return wrapError(err, "etcd unlock [%s] failed", l.locker.LockPath())
	}
	return nil
}

func wrapError(err error, format string, args ...any) error {
	if errors.Is(err, context.Canceled) {
		return errorutil.Canceled.Wrap(err, format, args...)
	}
	return errorutil.Transient.Wrap(err, format, args...)
}
