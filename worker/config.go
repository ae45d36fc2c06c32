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
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"github.com/wentaojin/scaling/version"
	"go.uber.org/zap"
)

// Config is the configuration for scaling-worker
type Config struct {
	FlagSet         *flag.FlagSet               `json:"-"`
	ConfigFile      string                      `toml:"config-file" json:"config-file"`
	WorkerOptions   *configutil.WorkerOptions   `toml:"worker" json:"worker"`
	PipelineOptions *configutil.PipelineOptions `toml:"pipeline" json:"pipeline"`
	LogConfig       *logger.Config              `toml:"log" json:"log"`

	PrintVersion bool `json:"-"`
}

func NewConfig() *Config {
	cfg := &Config{
		WorkerOptions:   configutil.DefaultWorkerServerConfig(),
		PipelineOptions: configutil.DefaultPipelineConfig(),
		LogConfig: &logger.Config{
			LogLevel:   "info",
			MaxSize:    128,
			MaxDays:    7,
			MaxBackups: 30,
		},
	}
	// the coordination store defaults to the master embed etcd
	cfg.PipelineOptions.RepositoryEndpoints = ""

	cfg.FlagSet = flag.NewFlagSet("scaling worker", flag.ContinueOnError)
	fs := cfg.FlagSet
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage of scaling worker:")
		fs.PrintDefaults()
	}
	fs.BoolVar(&cfg.PrintVersion, "V", false, "prints version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file")
	fs.StringVar(&cfg.WorkerOptions.Name, "name", cfg.WorkerOptions.Name, "worker instance name")
	fs.StringVar(&cfg.WorkerOptions.WorkerAddr, "worker-addr", cfg.WorkerOptions.WorkerAddr, "worker client addr")
	fs.StringVar(&cfg.WorkerOptions.Endpoint, "join", cfg.WorkerOptions.Endpoint, "master join instance")
	fs.StringVar(&cfg.PipelineOptions.RepositoryType, "repository-type", cfg.PipelineOptions.RepositoryType, "coordination store backend, etcd or mysql")
	fs.StringVar(&cfg.PipelineOptions.EngineMode, "engine-mode", cfg.PipelineOptions.EngineMode, "execute engine mode, fixed or elastic")
	fs.IntVar(&cfg.PipelineOptions.EngineWorkers, "engine-workers", cfg.PipelineOptions.EngineWorkers, "execute engine worker size")
	fs.StringVar(&cfg.LogConfig.LogFile, "log-file", "", "worker instance log file")
	fs.StringVar(&cfg.LogConfig.LogLevel, "log-level", cfg.LogConfig.LogLevel, "worker instance log level")
	return cfg
}

func (c *Config) Parse(args []string) error {
	err := c.FlagSet.Parse(args)
	switch err {
	case nil:
	case flag.ErrHelp:
		os.Exit(0)
	default:
		os.Exit(2)
	}

	if c.PrintVersion {
		fmt.Println(version.GetRawVersionInfo())
		os.Exit(0)
	}

	if c.ConfigFile != "" {
		if err = c.configFromFile(c.ConfigFile); err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(args)
	if err != nil {
		return err
	}

	if len(c.FlagSet.Args()) != 0 {
		return fmt.Errorf("worker config invalid flag: [%v]", c.FlagSet.Args())
	}

	return c.WorkerOptions.Normalize(c.PipelineOptions)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config decode from file failed: %v", err)
	}
	return nil
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		logger.Error("marshal to json", zap.Reflect("worker config", c), zap.Error(err))
	}
	return stringutil.BytesToString(cfg)
}
