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
package repository

import (
	"sort"
	"strings"
	"sync"

	"github.com/wentaojin/scaling/utils/errorutil"
)

// Config selects and configures a coordination backend
type Config struct {
	Type string `toml:"type" json:"type"`
	// Endpoints of the etcd cluster, comma separated
	Endpoints string `toml:"endpoints" json:"endpoints"`
	// DSN of the mysql backend
	DSN string `toml:"dsn" json:"dsn"`
	// PollInterval of backends without native watch, milliseconds
	PollInterval int64 `toml:"poll-interval" json:"poll-interval"`
	// RenewInterval of backends renewing leases by themselves, milliseconds
	RenewInterval int64  `toml:"renew-interval" json:"renew-interval"`
	LogLevel      string `toml:"log-level" json:"log-level"`
}

// Factory opens a backend
type Factory func(cfg *Config) (ClusterRepository, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available by type, it panics on duplicate registration
func Register(typ string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	typ = strings.ToLower(typ)
	if _, dup := factories[typ]; dup {
		panic("repository: register called twice for backend " + typ)
	}
	factories[typ] = f
}

// Backends returns the registered backend types
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	var list []string
	for k := range factories {
		list = append(list, k)
	}
	sort.Strings(list)
	return list
}

// New opens the backend named by cfg.Type
func New(cfg *Config) (ClusterRepository, error) {
	if cfg == nil || cfg.Type == "" {
		return nil, errorutil.Config.New("repository type is required, registered backends [%s]", strings.Join(Backends(), ","))
	}
	factoriesMu.RLock()
	f, ok := factories[strings.ToLower(cfg.Type)]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errorutil.Config.New("repository type [%s] is not registered, registered backends [%s]", cfg.Type, strings.Join(Backends(), ","))
	}
	return f(cfg)
}
