// Copyright 2025 Tom Barlow
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

package dispatcher

import (
	"sync"

	"github.com/meshflow/meshflow/pkg/workflow"
)

// pendingQueue is the dispatcher's FIFO of workflows awaiting a
// worker, served in submission order.
type pendingQueue struct {
	mu    sync.Mutex
	items []*workflow.Workflow
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

// push appends a workflow to the back of the queue.
func (q *pendingQueue) push(w *workflow.Workflow) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, w)
}

// pop removes and returns the front of the queue, reporting whether
// one was available.
func (q *pendingQueue) pop() (*workflow.Workflow, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items = q.items[1:]
	return w, true
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// idleWorkers is the dispatcher's pool of workers that have announced
// readiness, served LIFO: the most recently idle worker is the next
// one dispatched to, since it is the most likely to still have warm
// caches from whatever it last ran.
type idleWorkers struct {
	mu    sync.Mutex
	stack []string
}

func newIdleWorkers() *idleWorkers {
	return &idleWorkers{}
}

// push marks a worker identity idle.
func (s *idleWorkers) push(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, identity)
}

// pop removes and returns the most recently idled worker.
func (s *idleWorkers) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.stack)
	if n == 0 {
		return "", false
	}
	identity := s.stack[n-1]
	s.stack = s.stack[:n-1]
	return identity, true
}

func (s *idleWorkers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}
