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
	"strings"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Election implements the leader election based on etcd
type Election struct {
	EtcdClient *clientv3.Client

	// LeaseTTL is the duration that non-leader candidates will wait to force acquire
	// leadership after the leader stopped renewing its session.
	LeaseTTL int

	// Callbacks are triggered during certain lifecycle events of the election
	Callbacks Callbacks

	// Prefix is the election leader key prefix
	Prefix string

	// Identity is the election instance identity
	Identity string

	session  *concurrency.Session
	election *concurrency.Election
}

type Callbacks struct {
	// OnStartedLeading is called when the instance starts leading, it blocks until ctx is done
	OnStartedLeading func(ctx context.Context) error
	// OnStoppedLeading is called when the instance stops leading
	OnStoppedLeading func(ctx context.Context) error
	// OnNewLeader is called when the client observes a leader that is
	// not the previously observed leader.
	OnNewLeader func(identity string)
}

func NewElection(e *Election) (*Election, error) {
	if e.LeaseTTL <= 0 {
		e.LeaseTTL = configutil.DefaultLeaderElectionTTL
	}
	session, err := concurrency.NewSession(e.EtcdClient, concurrency.WithTTL(e.LeaseTTL))
	if err != nil {
		return nil, fmt.Errorf("etcd election create session failed: [%v]", err)
	}

	e.session = session
	e.election = concurrency.NewElection(session, e.Prefix)
	return e, nil
}

// Run campaigns for leadership, blocking until this instance leads, then runs OnStartedLeading
func (e *Election) Run(ctx context.Context) (err error) {
	defer func() {
		if e.Callbacks.OnStoppedLeading == nil {
			return
		}
		if stopErr := e.Callbacks.OnStoppedLeading(ctx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}()

	go e.observe(ctx)

	if err = e.election.Campaign(ctx, e.Identity); err != nil {
		return fmt.Errorf("election campaign failed: [%v]", err)
	}

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// session lost means leadership lost
		select {
		case <-e.session.Done():
			logger.Error("election node session done", zap.String("identity", e.Identity))
			cancel()
		case <-leaderCtx.Done():
		}
	}()
	return e.Callbacks.OnStartedLeading(leaderCtx)
}

// observe leader change
func (e *Election) observe(ctx context.Context) {
	if e.Callbacks.OnNewLeader == nil {
		return
	}

	ch := e.election.Observe(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Warn("election node observe cancel", zap.String("identity", e.Identity))
			return
		case <-e.session.Done():
			logger.Error("election node session done", zap.String("identity", e.Identity))
			return
		case resp, ok := <-ch:
			if !ok {
				return
			}
			if len(resp.Kvs) == 0 {
				continue
			}
			leader := stringutil.BytesToString(resp.Kvs[0].Value)
			if leader != e.Identity {
				go e.Callbacks.OnNewLeader(leader)
			}
		}
	}
}

func (e *Election) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", nil
		}
		return "", err
	}
	return stringutil.BytesToString(resp.Kvs[0].Value), nil
}

// CurrentIsLeader judge current node whether is leader
func (e *Election) CurrentIsLeader(ctx context.Context) (bool, error) {
	leader, err := e.Leader(ctx)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(leader, e.Identity), nil
}

func (e *Election) Close() {
	if e.session != nil {
		e.session.Close()
	}
}
