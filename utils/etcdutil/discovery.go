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
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/wentaojin/scaling/logger"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type Discovery struct {
	etcdClient *clientv3.Client
	nodes      map[string]string // health node list
	lock       sync.Mutex
}

func NewServiceDiscovery(etcdCli *clientv3.Client) *Discovery {
	return &Discovery{
		etcdClient: etcdCli,
		nodes:      make(map[string]string),
	}
}

// Discovery loads the registered nodes under prefixKey and keeps them in sync until ctx is done
func (d *Discovery) Discovery(ctx context.Context, prefixKey string) error {
	keyResp, err := GetKey(ctx, d.etcdClient, prefixKey, clientv3.WithPrefix())
	if err != nil {
		return err
	}

	for _, ev := range keyResp.Kvs {
		d.Set(string(ev.Key), string(ev.Value))
	}

	go d.Watch(ctx, prefixKey, keyResp.Header.Revision+1)
	return nil
}

// Watch applies node register changes from the given revision
func (d *Discovery) Watch(ctx context.Context, prefixKey string, fromRevision int64) {
	logger.Info("discovery node watching", zap.String("discovery_key_prefix", prefixKey))

	watchCh := WatchKey(ctx, d.etcdClient, prefixKey, clientv3.WithPrefix(), clientv3.WithRev(fromRevision))
	for wresp := range watchCh {
		if wresp.Err() != nil {
			// skip, only log
			logger.Error("discovery node watch failed", zap.String("discovery_key_prefix", prefixKey), zap.Error(wresp.Err()))
			continue
		}
		for _, ev := range wresp.Events {
			switch ev.Type {
			case mvccpb.PUT:
				d.Set(string(ev.Kv.Key), string(ev.Kv.Value))
			case mvccpb.DELETE:
				d.Del(string(ev.Kv.Key))
			}
		}
	}
	logger.Warn("discovery node watch cancel", zap.String("discovery_key_prefix", prefixKey))
}

// Set used for add service node
func (d *Discovery) Set(key string, val string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.nodes[key] = val

	logger.Info("discovery node set", zap.String("key", key), zap.String("node", val))
}

// Del used for del service node
func (d *Discovery) Del(key string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	delWorker := d.nodes[key]
	delete(d.nodes, key)

	logger.Info("discovery node del", zap.String("key", key), zap.String("node", delWorker))
}

// GetAllWorker returns the registered workers ordered by address
func (d *Discovery) GetAllWorker() ([]*Worker, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	var workers []*Worker
	for k, v := range d.nodes {
		var w *Worker
		if err := json.Unmarshal([]byte(v), &w); err != nil {
			logger.Warn("discovery node value unmarshal failed", zap.String("key", k), zap.Error(err))
			continue
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool {
		return strings.Compare(workers[i].Addr, workers[j].Addr) < 0
	})
	return workers, nil
}
