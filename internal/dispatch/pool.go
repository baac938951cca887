// Copyright 2026 The Slotgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/slotgate/slotgate/internal/observability/logger"
)

// Pool is a fixed-size worker pool with a bounded FIFO queue. Admission
// blocks when the queue is full; tasks are drained in submission order.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// NewPool starts workers goroutines draining a queue of queueSize.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runTask(id, task)
	}
}

// runTask isolates each task so a panic takes down one execution, not the
// worker.
func (p *Pool) runTask(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker recovered from panicked task",
				logger.Component("dispatch"), slog.Int("worker", id), slog.Any("panic", r))
		}
	}()
	task()
}

// Submit enqueues task, blocking while the queue is full. Returns ctx.Err()
// if ctx is done before the task is admitted. Must not be called after
// Shutdown.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the number of admitted tasks not yet picked up.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Shutdown stops admission and waits for every admitted task to finish.
func (p *Pool) Shutdown() {
	close(p.tasks)
	p.wg.Wait()
}
