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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

func init() {
	repository.Register(constant.RepositoryTypeMemory, func(cfg *repository.Config) (repository.ClusterRepository, error) {
		return NewRepository(), nil
	})
}

type entry struct {
	value   []byte
	modRev  int64
	leaseID string
}

// Repository is an in process coordination store, one instance is shared by every
// simulated node of a standalone deployment or a test
type Repository struct {
	mu       sync.Mutex
	revision int64
	data     map[string]*entry
	watchers map[string]*watcher
	leases   map[string]*lease
	closed   bool
}

func NewRepository() *Repository {
	return &Repository{
		data:     make(map[string]*entry),
		watchers: make(map[string]*watcher),
		leases:   make(map[string]*lease),
	}
}

func (r *Repository) CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errorutil.Canceled.Wrap(err, "create key [%s] canceled", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, errClosed()
	}
	if _, ok := r.data[key]; ok {
		return false, nil
	}
	r.putLocked(key, value, "")
	return true, nil
}

func (r *Repository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, errorutil.Canceled.Wrap(err, "get key [%s] canceled", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, errClosed()
	}
	e, ok := r.data[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(e.value), true, nil
}

func (r *Repository) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorutil.Canceled.Wrap(err, "list prefix [%s] canceled", prefix)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed()
	}
	kvs := make(map[string][]byte)
	for k, e := range r.data {
		if strings.HasPrefix(k, prefix) {
			kvs[k] = cloneBytes(e.value)
		}
	}
	return kvs, nil
}

func (r *Repository) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return errorutil.Canceled.Wrap(err, "put key [%s] canceled", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed()
	}
	r.putLocked(key, value, "")
	return nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errorutil.Canceled.Wrap(err, "delete key [%s] canceled", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed()
	}
	r.deleteLocked(key)
	return nil
}

func (r *Repository) Watch(ctx context.Context, prefix string) (<-chan repository.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed()
	}
	w := newWatcher(prefix)
	id := uuid.NewString()
	r.watchers[id] = w
	go w.run(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stopped:
		}
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
		w.stop()
	}()
	return w.out, nil
}

func (r *Repository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (repository.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorutil.Canceled.Wrap(err, "acquire lock [%s] canceled", key)
	}
	if ttl <= 0 {
		return nil, errorutil.Config.New("lock [%s] ttl [%v] must be positive", key, ttl)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed()
	}
	if _, ok := r.data[key]; ok {
		return nil, errorutil.NotOwner.New("attempt to lock [%s], but it is held by another owner", key)
	}
	l := newLease(r, key, ttl)
	r.leases[l.id] = l
	r.putLocked(key, []byte(l.id), l.id)
	go l.keepAlive()
	return l, nil
}

// ExpireLease force expires the lease bound to the key, as if the holder stopped renewing
// and ttl elapsed
func (r *Repository) ExpireLease(key string) bool {
	r.mu.Lock()
	e, ok := r.data[key]
	if !ok || e.leaseID == "" {
		r.mu.Unlock()
		return false
	}
	l := r.leases[e.leaseID]
	r.mu.Unlock()
	if l == nil {
		return false
	}
	l.expire()
	return true
}

// StopRenewal halts the background renewal of the lease bound to the key, it expires once
// ttl elapses
func (r *Repository) StopRenewal(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data[key]
	if !ok || e.leaseID == "" {
		return false
	}
	l := r.leases[e.leaseID]
	if l == nil {
		return false
	}
	l.stopRenew()
	return true
}

func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var leases []*lease
	for _, l := range r.leases {
		leases = append(leases, l)
	}
	var watchers []*watcher
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, l := range leases {
		l.expire()
	}
	for _, w := range watchers {
		w.stop()
	}
	return nil
}

func (r *Repository) putLocked(key string, value []byte, leaseID string) {
	r.revision++
	r.data[key] = &entry{value: cloneBytes(value), modRev: r.revision, leaseID: leaseID}
	r.notifyLocked(repository.Event{Type: repository.EventTypePut, Key: key, Value: cloneBytes(value), Revision: r.revision})
}

func (r *Repository) deleteLocked(key string) {
	if _, ok := r.data[key]; !ok {
		return
	}
	r.revision++
	delete(r.data, key)
	r.notifyLocked(repository.Event{Type: repository.EventTypeDelete, Key: key, Revision: r.revision})
}

func (r *Repository) notifyLocked(ev repository.Event) {
	for _, w := range r.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			w.push(ev)
		}
	}
}

// Keys returns every stored key in order, used for diagnostics
func (r *Repository) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k := range r.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func errClosed() error {
	return errorutil.NotInitialized.New("memory repository is closed")
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

