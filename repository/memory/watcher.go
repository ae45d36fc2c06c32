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
package memory

import (
	"context"
	"sync"

	"github.com/wentaojin/scaling/repository"
)

// watcher buffers events without bounds so that writers never block on a slow reader
type watcher struct {
	prefix string
	out    chan repository.Event

	mu      sync.Mutex
	pending []repository.Event
	notify  chan struct{}

	stopped  chan struct{}
	stopOnce sync.Once
}

func newWatcher(prefix string) *watcher {
	return &watcher{
		prefix:  prefix,
		out:     make(chan repository.Event),
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (w *watcher) push(ev repository.Event) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-w.notify:
		}

		w.mu.Lock()
		events := w.pending
		w.pending = nil
		w.mu.Unlock()

		for _, ev := range events {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			case <-w.stopped:
				return
			}
		}
	}
}
