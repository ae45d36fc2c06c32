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
	"fmt"
	"sync"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Worker register service information, used for etcd key -> value
type Worker struct {
	Addr string `json:"addr"`
	Name string `json:"name"`
	// the State column represent the node state, options: BOUND、FREE
	State string `json:"state"`
	// the Jobs column represent the jobs owned by the node
	Jobs      []string `json:"jobs"`
	StartTime string   `json:"startTime"`
}

func (w *Worker) String() string {
	jsonStr, _ := stringutil.MarshalJSON(w)
	return jsonStr
}

type Register struct {
	addr         string // register name, unique logo
	key          string // register key
	keepaliveTTL int64  // lease
	etcdClient   *clientv3.Client

	mu      sync.Mutex
	value   string // register value
	leaseID clientv3.LeaseID
}

func NewServiceRegister(etcdCli *clientv3.Client, addr, key, value string, keepaliveTTL int64) *Register {
	return &Register{
		etcdClient:   etcdCli,
		addr:         addr,
		key:          key,
		value:        value,
		keepaliveTTL: keepaliveTTL,
	}
}

func (r *Register) Register(ctx context.Context) error {
	if err := r.grant(ctx); err != nil {
		return err
	}
	logger.Info("register node operate",
		zap.String("addr", r.addr),
		zap.String("key", r.key),
		zap.String("value", r.value),
		zap.String("status", "new create success"))

	go r.keepAlive(ctx)
	return nil
}

// Update overwrites the registered value under the current lease
func (r *Register) Update(ctx context.Context, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = value
	_, err := PutKey(ctx, r.etcdClient, r.key, r.value, clientv3.WithLease(r.leaseID))
	if err != nil {
		return fmt.Errorf("update key [%s] value [%s] failed: [%v]", r.key, value, err)
	}
	return nil
}

func (r *Register) Revoke(ctx context.Context) error {
	r.mu.Lock()
	leaseID := r.leaseID
	r.mu.Unlock()

	_, err := r.etcdClient.Revoke(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("revoke lease failed: [%v]", err)
	}

	logger.Warn("worker revoke lease",
		zap.String("addr", r.addr),
		zap.String("key", r.key))
	return nil
}

func (r *Register) grant(ctx context.Context) error {
	// set lease time, send ping to keep alive
	grantResp, err := r.etcdClient.Grant(ctx, r.keepaliveTTL)
	if err != nil {
		return fmt.Errorf("grant lease [%d] failed: [%v]", r.keepaliveTTL, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaseID = grantResp.ID
	_, err = PutKey(ctx, r.etcdClient, r.key, r.value, clientv3.WithLease(r.leaseID))
	if err != nil {
		return fmt.Errorf("put key [%s] value [%s] failed: [%v]", r.key, r.value, err)
	}
	return nil
}

// keepAlive renews the lease until ctx is done, a lost lease is granted again and the value re-put
func (r *Register) keepAlive(ctx context.Context) {
	for {
		r.mu.Lock()
		leaseID := r.leaseID
		r.mu.Unlock()

		keepAliveRespCh, err := r.etcdClient.KeepAlive(ctx, leaseID)
		if err != nil {
			logger.Error("renew lease keepalive failed, it would be retrying", zap.String("key", r.key), zap.Error(err))
		} else {
			for resp := range keepAliveRespCh {
				if resp == nil {
					break
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(constant.DefaultInstanceServiceRetryInterval):
		}

		// renew lease failed, maybe it's because the network is down or the lease expired
		if err = r.grant(ctx); err != nil {
			logger.Error("register node again failed, it would be retrying", zap.String("key", r.key), zap.Error(err))
			continue
		}
		logger.Warn("register node operate",
			zap.String("addr", r.addr),
			zap.String("key", r.key),
			zap.String("status", "lease lost and register again"))
	}
}
