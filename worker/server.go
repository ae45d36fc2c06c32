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
package worker

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline"
	etcdrepo "github.com/wentaojin/scaling/repository/etcd"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/etcdutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	clientv3 "go.etcd.io/etcd/client/v3"

	// data source drivers resolved by topology type
	_ "github.com/wentaojin/scaling/datasource/kafkastream"
	_ "github.com/wentaojin/scaling/datasource/memory"
	_ "github.com/wentaojin/scaling/datasource/sqlsource"
)

const (
	// HealthServiceWorker reports SERVING while the worker accepts jobs
	HealthServiceWorker = "scaling.worker"

	drainTimeout = time.Minute
)

type Server struct {
	*Config

	etcdClient *clientv3.Client
	register   *etcdutil.Register

	pctx      *pipeline.Context
	scheduler *Scheduler
	watcher   *Watcher

	grpcSvr *grpc.Server
	health  *health.Server

	mu        sync.Mutex
	startTime string
	cancel    context.CancelFunc
}

// NewServer creates a new server
func NewServer(cfg *Config) *Server {
	return &Server{
		Config: cfg,
		pctx:   pipeline.NewContext(),
		health: health.NewServer(),
	}
}

// Start registers the worker and begins racing for jobs, it returns once serving
func (s *Server) Start(ctx context.Context) error {
	err := s.WorkerOptions.Normalize(s.PipelineOptions)
	if err != nil {
		return err
	}

	s.etcdClient, err = etcdutil.CreateClient(ctx, stringutil.WrapSchemes(s.WorkerOptions.Endpoint, false), nil)
	if err != nil {
		return errorutil.Transient.Wrap(err, "create etcd client for [%s]", s.WorkerOptions.Endpoint)
	}

	if _, err = s.pctx.Init(&pipeline.ModeConfig{
		Instance: s.WorkerOptions.WorkerAddr,
		Options:  s.PipelineOptions,
		LogLevel: s.LogConfig.LogLevel,
	}, s.newContextManager(ctx)); err != nil {
		return err
	}
	manager, err := s.pctx.ContextManager()
	if err != nil {
		return err
	}
	repo, err := manager.Repository()
	if err != nil {
		return err
	}

	if err = s.gRPCServe(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err = s.registerService(runCtx); err != nil {
		cancel()
		return err
	}

	s.scheduler = NewScheduler(runCtx, manager, s.WorkerOptions.Scheduler.EventQueueSize)
	s.scheduler.OnChange = s.updateRegister
	s.scheduler.ScheduleEvent()

	s.watcher = NewWatcher(runCtx, repo, s.scheduler)
	if err = s.watcher.Watch(s.WorkerOptions.Scheduler.RescanCronSpec); err != nil {
		cancel()
		return err
	}

	s.health.SetServingStatus(HealthServiceWorker, healthpb.HealthCheckResponse_SERVING)
	logger.Info("scaling-worker started",
		zap.String("worker", s.WorkerOptions.Name),
		zap.String("addr", s.WorkerOptions.WorkerAddr),
		zap.String("repository", s.PipelineOptions.RepositoryType))
	return nil
}

// newContextManager reuses the registration client when jobs are coordinated by the same etcd
func (s *Server) newContextManager(ctx context.Context) pipeline.ManagerFactory {
	return func(mode *pipeline.ModeConfig) (*pipeline.ContextManager, error) {
		var opts []pipeline.ManagerOption
		if strings.EqualFold(mode.Options.RepositoryType, constant.RepositoryTypeEtcd) &&
			strings.EqualFold(mode.Options.RepositoryEndpoints, s.WorkerOptions.Endpoint) {
			opts = append(opts, pipeline.WithClusterRepository(etcdrepo.NewRepositoryWithClient(s.etcdClient)))
		}
		return pipeline.NewContextManager(ctx, mode, opts...)
	}
}

func (s *Server) registerService(ctx context.Context) error {
	s.startTime = time.Now().Format(time.RFC3339)
	// init register service and binding lease
	s.register = etcdutil.NewServiceRegister(
		s.etcdClient, s.WorkerOptions.WorkerAddr,
		stringutil.StringBuilder(constant.DefaultWorkerRegisterPrefixKey, s.WorkerOptions.WorkerAddr),
		s.workerNode(nil).String(), s.WorkerOptions.Register.KeepaliveTTL)

	return s.register.Register(ctx)
}

func (s *Server) workerNode(jobs []string) *etcdutil.Worker {
	state := constant.DefaultWorkerFreeState
	if len(jobs) > 0 {
		state = constant.DefaultWorkerBoundState
	}
	return &etcdutil.Worker{
		Addr:      s.WorkerOptions.WorkerAddr,
		Name:      s.WorkerOptions.Name,
		State:     state,
		Jobs:      jobs,
		StartTime: s.startTime,
	}
}

// updateRegister publishes the owned jobs on the register key
func (s *Server) updateRegister(jobs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.register == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.register.Update(ctx, s.workerNode(jobs).String()); err != nil {
		logger.Warn("worker register update failed", zap.Strings("jobs", jobs), zap.Error(err))
	}
}

func (s *Server) gRPCServe() error {
	lis, err := net.Listen("tcp", s.WorkerOptions.WorkerAddr)
	if err != nil {
		return err
	}
	s.grpcSvr = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcSvr, s.health)
	s.health.SetServingStatus(HealthServiceWorker, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		if err := s.grpcSvr.Serve(lis); err != nil {
			logger.Error("scaling-worker grpc serve failed", zap.String("addr", s.WorkerOptions.WorkerAddr), zap.Error(err))
		}
	}()
	return nil
}

// Close the server, this function can be called multiple times.
func (s *Server) Close() {
	logger.Info("scaling-worker closing server")
	defer func() {
		logger.Info("scaling-worker server closed")
	}()

	s.health.Shutdown()

	if s.cancel != nil {
		s.cancel()
	}
	// controllers checkpoint and release their locks on cancel
	if s.scheduler != nil {
		s.scheduler.Wait(drainTimeout)
	}
	if manager, err := s.pctx.ContextManager(); err == nil {
		if err = manager.Close(drainTimeout); err != nil {
			logger.Warn("scaling-worker close pipeline context failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	if s.register != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.register.Revoke(ctx); err != nil {
			logger.Warn("scaling-worker revoke register failed", zap.Error(err))
		}
		cancel()
		s.register = nil
	}
	s.mu.Unlock()

	if s.grpcSvr != nil {
		s.grpcSvr.GracefulStop()
		s.grpcSvr = nil
	}
	if s.etcdClient != nil {
		if err := s.etcdClient.Close(); err != nil {
			logger.Warn("scaling-worker close etcd client failed", zap.Error(err))
		}
		s.etcdClient = nil
	}
}
