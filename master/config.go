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

// Config is the configuration for scaling-master
type Config struct {
	FlagSet       *flag.FlagSet             `json:"-"`
	ConfigFile    string                    `toml:"config-file" json:"config-file"`
	MasterOptions *configutil.MasterOptions `toml:"master" json:"master"`
	LogConfig     *logger.Config            `toml:"log" json:"log"`

	PrintVersion bool `json:"-"`
}

func NewConfig() *Config {
	cfg := &Config{
		MasterOptions: configutil.DefaultMasterServerConfig(),
		LogConfig: &logger.Config{
			LogLevel:   "info",
			MaxSize:    128,
			MaxDays:    7,
			MaxBackups: 30,
		},
	}
	cfg.FlagSet = flag.NewFlagSet("scaling master", flag.ContinueOnError)
	fs := cfg.FlagSet
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage of scaling master:")
		fs.PrintDefaults()
	}
	fs.BoolVar(&cfg.PrintVersion, "V", false, "prints version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file")
	fs.StringVar(&cfg.MasterOptions.Name, "name", cfg.MasterOptions.Name, "master instance name")
	fs.StringVar(&cfg.MasterOptions.DataDir, "data-dir", cfg.MasterOptions.DataDir, "master embed etcd data dir")
	fs.StringVar(&cfg.MasterOptions.ClientAddr, "client-addr", cfg.MasterOptions.ClientAddr, "master client addr, serves the job api")
	fs.StringVar(&cfg.MasterOptions.PeerAddr, "peer-addr", cfg.MasterOptions.PeerAddr, "master peer addr")
	fs.StringVar(&cfg.MasterOptions.InitialCluster, "initial-cluster", cfg.MasterOptions.InitialCluster, "initial cluster configuration for bootstrapping, e.g. master1=http://127.0.0.1:2380")
	fs.StringVar(&cfg.MasterOptions.Join, "join", "", "join to an existing cluster, usage: cluster's client address (endpoints)")
	fs.StringVar(&cfg.MasterOptions.Leader.ReconcileCronSpec, "reconcile-cron-spec", cfg.MasterOptions.Leader.ReconcileCronSpec, "leader orphan job scan schedule")
	fs.StringVar(&cfg.LogConfig.LogFile, "log-file", "", "master instance log file")
	fs.StringVar(&cfg.LogConfig.LogLevel, "log-level", cfg.LogConfig.LogLevel, "master instance log level")
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
		return fmt.Errorf("master config invalid flag: [%v]", c.FlagSet.Args())
	}

	c.MasterOptions.LogLevel = c.LogConfig.LogLevel
	return c.MasterOptions.Normalize()
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
		logger.Error("marshal to json", zap.Reflect("master config", c), zap.Error(err))
	}
	return stringutil.BytesToString(cfg)
}
