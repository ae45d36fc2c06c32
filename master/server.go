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
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/repository"
	etcdrepo "github.com/wentaojin/scaling/repository/etcd"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/etcdutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// HealthServiceMaster reports SERVING once the embed etcd member is ready
	HealthServiceMaster = "scaling.master"
	// HealthServiceLeader reports SERVING only on the elected leader
	HealthServiceLeader = "scaling.master.leader"

	electionRetryInterval = 3 * time.Second
)

type Server struct {
	*Config

	// the embed etcd server, and the gRPC/HTTP API server also attached to it.
	etcdSrv etcdutil.Embed

	etcdClient *clientv3.Client

	// repo is the coordination store the job api reads and writes
	repo repository.ClusterRepository

	// discoveries used for service discovery, watch worker
	discoveries *etcdutil.Discovery

	health *health.Server

	mu       sync.RWMutex
	election *etcdutil.Election
	cron     *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new server
func NewServer(cfg *Config) *Server {
	return &Server{
		Config:  cfg,
		etcdSrv: etcdutil.NewETCDServer(),
		health:  health.NewServer(),
	}
}

// Start starts to serving, the election keeps running in the background until ctx is done or Close
func (s *Server) Start(ctx context.Context) error {
	// gRPC API server
	gRPCSvr := func(gs *grpc.Server) {
		healthpb.RegisterHealthServer(gs, s.health)
	}

	// Http API Handler
	apiHandler, err := s.initOpenAPIHandler(s.proxy())
	if err != nil {
		return err
	}

	s.health.SetServingStatus(HealthServiceMaster, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(HealthServiceLeader, healthpb.HealthCheckResponse_NOT_SERVING)

	// etcd config init
	err = s.etcdSrv.Init(s.MasterOptions,
		configutil.WithLogLogger(logger.GetRootLogger()),
		configutil.WithGRPCSvr(gRPCSvr),
		configutil.WithHttpHandles(openapi.HTTPHandles(apiHandler)),
	)
	if err != nil {
		return err
	}

	// prepare config to join an existing cluster
	err = s.etcdSrv.Join()
	if err != nil {
		return err
	}

	// start embed etcd server, gRPC API server and HTTP (API, status and debug) server.
	err = s.etcdSrv.Run()
	if err != nil {
		return err
	}

	s.MasterOptions = s.etcdSrv.GetConfig()

	// create an etcd client used in the whole server instance.
	s.etcdClient, err = etcdutil.CreateClient(ctx, []string{stringutil.LoopbackHostPort(s.MasterOptions.ClientAddr)}, nil)
	if err != nil {
		return err
	}
	s.repo = etcdrepo.NewRepositoryWithClient(s.etcdClient)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.discoveries = etcdutil.NewServiceDiscovery(s.etcdClient)
	if err = s.discoveries.Discovery(runCtx, constant.DefaultWorkerRegisterPrefixKey); err != nil {
		cancel()
		return err
	}

	s.health.SetServingStatus(HealthServiceMaster, healthpb.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.campaign(runCtx)
	}()
	return nil
}

// campaign keeps the instance in the election, a lost session starts a new term
func (s *Server) campaign(ctx context.Context) {
	for {
		election, err := etcdutil.NewElection(&etcdutil.Election{
			EtcdClient: s.etcdClient,
			LeaseTTL:   s.MasterOptions.Leader.ElectionTTL,
			Callbacks: etcdutil.Callbacks{
				OnStartedLeading: s.onStartedLeading,
				OnStoppedLeading: s.onStoppedLeading,
				OnNewLeader: func(identity string) {
					if strings.EqualFold(s.MasterOptions.ClientAddr, identity) {
						return
					}
					logger.Info("server new leader elected", zap.String("new node identity", identity))
				},
			},
			Prefix:   constant.DefaultMasterLeaderPrefixKey,
			Identity: s.MasterOptions.ClientAddr,
		})
		if err == nil {
			s.mu.Lock()
			s.election = election
			s.mu.Unlock()

			err = election.Run(ctx)
			election.Close()
		}
		if err != nil && ctx.Err() == nil {
			logger.Error("server election run failed", zap.String("identity", s.MasterOptions.ClientAddr), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(electionRetryInterval):
		}
	}
}

func (s *Server) onStartedLeading(ctx context.Context) error {
	logger.Info("listening server addr request", zap.String("address", s.MasterOptions.ClientAddr))

	c := cron.New(
		cron.WithLogger(logger.NewCronLogger(logger.GetRootLogger(), "reconcile")),
		cron.WithChain(cron.SkipIfStillRunning(logger.NewCronLogger(logger.GetRootLogger(), "reconcile"))))
	if _, err := c.AddFunc(s.MasterOptions.Leader.ReconcileCronSpec, func() {
		if _, err := s.reconcile(ctx); err != nil {
			logger.Warn("leader reconcile jobs failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.health.SetServingStatus(HealthServiceLeader, healthpb.HealthCheckResponse_SERVING)

	<-ctx.Done()
	return nil
}

func (s *Server) onStoppedLeading(ctx context.Context) error {
	s.health.SetServingStatus(HealthServiceLeader, healthpb.HealthCheckResponse_NOT_SERVING)

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}

	logger.Info("server leader lost", zap.String("lost leader identity", s.MasterOptions.ClientAddr))
	return nil
}

func (s *Server) currentElection() *etcdutil.Election {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.election
}

// Close the server, this function can be called multiple times.
func (s *Server) Close() {
	logger.Info("scaling-master closing server")
	defer func() {
		logger.Info("scaling-master server closed")
	}()

	s.health.Shutdown()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.etcdClient != nil {
		if err := s.etcdClient.Close(); err != nil {
			logger.Warn("scaling-master close etcd client failed", zap.Error(err))
		}
		s.etcdClient = nil
	}

	// close the etcd and other attached servers
	if s.etcdSrv != nil {
		s.etcdSrv.Close()
		s.etcdSrv = nil
	}
}
