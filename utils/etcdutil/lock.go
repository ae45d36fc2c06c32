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
package etcdutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wentaojin/scaling/logger"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrLockHeld is returned by Lock when another owner holds the lock path
var ErrLockHeld = errors.New("lock is held by another owner")

// Locker is a lease bound lock, the lock key disappears once the lease is revoked or
// the keepalive stops and ttl elapses
type Locker struct {
	lockPath   string
	value      string
	ttl        int64
	etcdClient *clientv3.Client

	mu              sync.Mutex
	leaseID         clientv3.LeaseID
	cancelKeepAlive context.CancelFunc
	isLocked        bool
	done            chan struct{}
	doneOnce        sync.Once
}

// NewLocker creates a locker over lockPath, ttl in seconds
func NewLocker(etcdClient *clientv3.Client, lockPath, value string, ttl int64) *Locker {
	return &Locker{
		lockPath:   lockPath,
		value:      value,
		ttl:        ttl,
		etcdClient: etcdClient,
		done:       make(chan struct{}),
	}
}

func (l *Locker) Lock(ctx context.Context) (err error) {
	var (
		grantResp         *clientv3.LeaseGrantResponse
		keepAliveRespChan <-chan *clientv3.LeaseKeepAliveResponse
		txnResp           *clientv3.TxnResponse
	)

	if grantResp, err = l.etcdClient.Grant(ctx, l.ttl); err != nil {
		return fmt.Errorf("grant lock [%s] lease failed: [%v]", l.lockPath, err)
	}
	// automatic renewal, the keepalive outlives the request ctx
	keepCtx, keepCancel := context.WithCancel(context.Background())
	if keepAliveRespChan, err = l.etcdClient.KeepAlive(keepCtx, grantResp.ID); err != nil {
		goto Rollback
	}

	// transaction (set if not exist) implements locking
	txnResp, err = l.etcdClient.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.lockPath), "=", 0)).
		Then(clientv3.OpPut(l.lockPath, l.value, clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		goto Rollback
	}
	if !txnResp.Succeeded {
		err = ErrLockHeld
		goto Rollback
	}

	l.mu.Lock()
	l.leaseID = grantResp.ID
	l.cancelKeepAlive = keepCancel
	l.isLocked = true
	l.mu.Unlock()

	// consumer lease
	go func() {
		for resp := range keepAliveRespChan {
			if resp == nil {
				break
			}
		}
		logger.Warn("stop to keep lease alive",
			zap.String("lock_path", l.lockPath), zap.Int64("lease_id", int64(grantResp.ID)))
		l.closeDone()
	}()
	return nil

	// revoke lock resource
Rollback:
	logger.Warn("rollback lock resource",
		zap.String("lock_path", l.lockPath), zap.Int64("lease_id", int64(grantResp.ID)), zap.Error(err))
	keepCancel()
	// failed to revoke the lease, it will be automatically revoked after ttl
	if _, revokeErr := l.etcdClient.Revoke(context.Background(), grantResp.ID); revokeErr != nil {
		logger.Warn("revoke lock lease failed", zap.String("lock_path", l.lockPath), zap.Error(revokeErr))
	}
	return err
}

func (l *Locker) UnLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isLocked {
		return nil
	}
	logger.Info("unlock resource", zap.String("lock_path", l.lockPath))
	l.cancelKeepAlive()
	l.isLocked = false
	if _, err := l.etcdClient.Revoke(ctx, l.leaseID); err != nil {
		return fmt.Errorf("revoke lock [%s] lease failed: [%v]", l.lockPath, err)
	}
	return nil
}

// Done is closed once the keepalive stopped
func (l *Locker) Done() <-chan struct{} {
	return l.done
}

func (l *Locker) LockPath() string {
	return l.lockPath
}

func (l *Locker) LeaseID() clientv3.LeaseID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaseID
}

func (l *Locker) closeDone() {
	l.doneOnce.Do(func() {
		close(l.done)
	})
}
