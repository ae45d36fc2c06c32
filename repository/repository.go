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
	"context"
	"time"
)

const (
	EventTypePut    = "PUT"
	EventTypeDelete = "DELETE"
)

// Event is a change observed under a watched prefix, delivered in revision order
type Event struct {
	Type     string
	Key      string
	Value    []byte
	Revision int64
}

// Lease is a time bounded ownership grant, renewed in the background until released or lost
type Lease interface {
	Key() string
	// Done is closed once the lease expired, was revoked, or could not be renewed
	Done() <-chan struct{}
	Release(ctx context.Context) error
}

// ClusterRepository is the cluster coordination store, keys are hierarchical paths and
// values are opaque bytes
type ClusterRepository interface {
	// CreateIfAbsent writes the key only when it does not exist, reporting whether it won
	CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// Get returns the value and whether the key exists
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// List returns every key under the prefix
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// Put overwrites the key unconditionally
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Watch streams ordered change events under the prefix until ctx is done
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
	// AcquireLock creates the key bound to a lease with the given ttl, a held key is a NotOwner error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Close() error
}
