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
package pool

import (
	"time"

	"github.com/wentaojin/scaling/utils/retryutil"
)

// Option represents an option for the pool.
type Option func(*pool)

// WithName sets the engine name used by logs and metrics.
func WithName(name string) Option {
	return func(p *pool) {
		p.name = name
	}
}

// WithFixedWorkers bounds the pool to n long-lived workers.
func WithFixedWorkers(n int) Option {
	return func(p *pool) {
		p.fixed = true
		p.maxWorkers = n
	}
}

// WithElasticWorkers grows the pool on demand, idle workers exit after keepAlive.
// A maxWorkers of zero means unbounded.
func WithElasticWorkers(maxWorkers int, keepAlive time.Duration) Option {
	return func(p *pool) {
		p.fixed = false
		p.maxWorkers = maxWorkers
		p.keepAlive = keepAlive
	}
}

// WithTaskQueueSize sets the size of the task queue for the fixed pool.
func WithTaskQueueSize(size int) Option {
	return func(p *pool) {
		p.taskQueueSize = size
	}
}

// WithRetryer retries transient task errors with the given backoff.
func WithRetryer(r retryutil.Retryer) Option {
	return func(p *pool) {
		p.retryer = r
	}
}

// WithPanicHandle converts a task panic into a task error instead of crashing the process.
func WithPanicHandle(panicH bool) Option {
	return func(p *pool) {
		p.panicHandle = panicH
	}
}

// WithResultCallback sets the result callback for the pool.
func WithResultCallback(callback func(r Result)) Option {
	return func(p *pool) {
		p.resultCallback = callback
	}
}
