// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package delivery implements the single delivery context on which every
// listener callback runs. Producers on any goroutine Post tasks; the tasks
// are executed in posting order by Process, which never runs concurrently
// with itself.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
)

type Queue struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending []func()
	closed  bool

	// serialises Process so tasks never overlap
	runMu sync.Mutex

	signal chan struct{}
}

// NewQueue creates an empty queue. A nil logger discards output.
func NewQueue(logger *slog.Logger, m *metrics.Metrics) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		logger:  logger,
		metrics: m,
		signal:  make(chan struct{}, 1),
	}
}

// Post enqueues fn. It never blocks and never runs fn inline. Tasks posted
// after Close are dropped.
func (q *Queue) Post(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.QueueDepth(depth)

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len reports the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ProcessSignal fires when there are tasks to process.
func (q *Queue) ProcessSignal() <-chan struct{} {
	return q.signal
}

// Process runs every pending task, including tasks posted while draining,
// and returns the number of tasks run. It does not wait for new tasks.
func (q *Queue) Process() int {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			q.metrics.QueueDepth(0)
			return n
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, fn := range batch {
			q.run(fn)
			n++
		}
	}
}

// Run processes tasks until ctx is done. Run is equivalent to a loop of
// ProcessSignal and Process.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.Process()
			return nil
		case <-q.signal:
			q.Process()
		}
	}
}

// Close drops any pending tasks and rejects further posts.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.metrics.ListenerPanic()
			q.logger.Error("listener panic recovered",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
	q.metrics.TaskProcessed()
}
