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
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pool"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/retryutil"
	"go.uber.org/zap"

	_ "github.com/wentaojin/scaling/repository/etcd"
	_ "github.com/wentaojin/scaling/repository/memory"
	_ "github.com/wentaojin/scaling/repository/mysql"
)

// ModeConfig is the process mode, Instance identifies the node as job owner
type ModeConfig struct {
	Instance string                      `toml:"instance" json:"instance"`
	Options  *configutil.PipelineOptions `toml:"pipeline" json:"pipeline"`
	LogLevel string                      `toml:"log-level" json:"log-level"`
}

// ManagerFactory builds the context manager once the mode config is known
type ManagerFactory func(mode *ModeConfig) (*ContextManager, error)

// Context is the process bootstrap state, constructed once at startup and passed to every
// component that needs it
type Context struct {
	mu      sync.RWMutex
	mode    *ModeConfig
	manager *ContextManager
}

func NewContext() *Context {
	return &Context{}
}

// Init sets the mode config and the context manager, it reports false without touching the state
// when the context was initialized before
func (c *Context) Init(mode *ModeConfig, factory ManagerFactory) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != nil {
		return false, nil
	}
	if mode == nil || mode.Options == nil {
		return false, errorutil.Config.New("pipeline context mode config is required")
	}
	manager, err := factory(mode)
	if err != nil {
		return false, err
	}
	c.mode = mode
	c.manager = manager
	logger.Info("pipeline context initialized",
		zap.String("instance", mode.Instance),
		zap.String("repository", mode.Options.RepositoryType),
		zap.String("engine", mode.Options.EngineMode))
	return true, nil
}

func (c *Context) ModeConfig() (*ModeConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mode == nil {
		return nil, errorutil.NotInitialized.New("pipeline context mode config is not initialized")
	}
	return c.mode, nil
}

func (c *Context) ContextManager() (*ContextManager, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.manager == nil {
		return nil, errorutil.NotInitialized.New("pipeline context manager is not initialized")
	}
	return c.manager, nil
}

// ContextManager owns the runtime resources shared by the jobs of a process
type ContextManager struct {
	mode *ModeConfig

	repoOnce sync.Once
	repo     repository.ClusterRepository
	repoErr  error
	ownsRepo bool

	engine  pool.IPool
	creator channel.Creator
	bus     EventBus.Bus
}

type ManagerOption func(m *ContextManager)

// WithClusterRepository presets the coordination client instead of opening one from the options,
// the caller keeps owning it
func WithClusterRepository(repo repository.ClusterRepository) ManagerOption {
	return func(m *ContextManager) {
		m.repoOnce.Do(func() {
			m.repo = repo
		})
	}
}

// WithChannelCreator replaces the in process channel creator
func WithChannelCreator(c channel.Creator) ManagerOption {
	return func(m *ContextManager) {
		m.creator = c
	}
}

// NewContextManager validates the options and builds the shared execute engine, the coordination
// client is opened on first use
func NewContextManager(ctx context.Context, mode *ModeConfig, opts ...ManagerOption) (*ContextManager, error) {
	if err := mode.Options.Validate(); err != nil {
		return nil, err
	}
	o := mode.Options

	poolOpts := []pool.Option{
		pool.WithName(stringEngineName(mode)),
		pool.WithTaskQueueSize(o.TaskQueueSize),
		pool.WithPanicHandle(true),
	}
	if o.EngineMode == constant.EngineModeFixed {
		poolOpts = append(poolOpts, pool.WithFixedWorkers(o.EngineWorkers))
	} else {
		poolOpts = append(poolOpts, pool.WithElasticWorkers(o.EngineWorkers, time.Minute))
	}

	m := &ContextManager{
		mode:    mode,
		engine:  pool.NewPool(ctx, poolOpts...),
		creator: channel.NewMemoryCreator(o.SendTimeoutDuration(), o.ReceiveTimeoutDuration()),
		bus:     EventBus.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Repository returns the coordination client, constructed once by the configured backend type
func (m *ContextManager) Repository() (repository.ClusterRepository, error) {
	m.repoOnce.Do(func() {
		o := m.mode.Options
		m.repo, m.repoErr = repository.New(&repository.Config{
			Type:          o.RepositoryType,
			Endpoints:     o.RepositoryEndpoints,
			DSN:           o.RepositoryDSN,
			PollInterval:  o.RepositoryPollInterval,
			RenewInterval: o.LockRenewDuration().Milliseconds(),
			LogLevel:      m.mode.LogLevel,
		})
		m.ownsRepo = m.repoErr == nil
		if m.repoErr != nil {
			logger.Error("open cluster repository failed",
				zap.String("repository", o.RepositoryType), zap.Error(m.repoErr))
		}
	})
	return m.repo, m.repoErr
}

func (m *ContextManager) Options() *configutil.PipelineOptions {
	return m.mode.Options
}

func (m *ContextManager) Instance() string {
	return m.mode.Instance
}

func (m *ContextManager) Engine() pool.IPool {
	return m.engine
}

func (m *ContextManager) ChannelCreator() channel.Creator {
	return m.creator
}

func (m *ContextManager) EventBus() EventBus.Bus {
	return m.bus
}

// Retryer returns the backoff of transient task errors
func (m *ContextManager) Retryer() retryutil.Retryer {
	return retryutil.NewExponentialBackoff()
}

// Close drains the engine within grace and closes the coordination client it opened
func (m *ContextManager) Close(grace time.Duration) error {
	err := m.engine.Shutdown(grace)
	m.repoOnce.Do(func() {})
	if m.ownsRepo {
		if cerr := m.repo.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func stringEngineName(mode *ModeConfig) string {
	if mode.Instance == "" {
		return "pipeline"
	}
	return mode.Instance
}
