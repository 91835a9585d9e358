/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package discovery

import (
	"context"
	"sync"

	"github.com/carverauto/llmscout/pkg/models"
)

const defaultQueueBuffer = 256

// EventQueue bridges the sweep producer and the single consumer. Every
// Put must be matched by a Done from the consumer; Join blocks until the
// accounting balances, which gives the manager its drain barrier between
// the scan and reconcile steps of a pass.
type EventQueue struct {
	events chan models.Host

	mu      sync.Mutex
	pending int
	waiters []chan struct{}
}

// NewEventQueue returns a queue with the given buffer size.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = defaultQueueBuffer
	}

	return &EventQueue{
		events: make(chan models.Host, size),
	}
}

// Put enqueues one host, blocking while the buffer is full. An aborted
// Put reverses its accounting so Join cannot wait on an event that was
// never delivered.
func (q *EventQueue) Put(ctx context.Context, host models.Host) error {
	q.mu.Lock()
	q.pending++
	q.mu.Unlock()

	select {
	case q.events <- host:
		return nil
	case <-ctx.Done():
		q.taskDone()
		return ctx.Err()
	}
}

// Events returns the receive side of the queue.
func (q *EventQueue) Events() <-chan models.Host {
	return q.events
}

// Done marks one received event as fully processed. A Done without a
// matching Put is ignored.
func (q *EventQueue) Done() {
	q.taskDone()
}

// Join blocks until every Put has been matched by a Done, or until ctx
// ends. Waiters left behind by a cancelled Join are plain channels, so
// nothing leaks.
func (q *EventQueue) Join(ctx context.Context) error {
	q.mu.Lock()

	if q.pending == 0 {
		q.mu.Unlock()
		return nil
	}

	wait := make(chan struct{})
	q.waiters = append(q.waiters, wait)
	q.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *EventQueue) taskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == 0 {
		return
	}

	q.pending--
	if q.pending > 0 {
		return
	}

	for _, wait := range q.waiters {
		close(wait)
	}

	q.waiters = nil
}
