// File: reactor/taskqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync"

	"github.com/eapache/queue"
)

// taskQueue is the selector's MPSC queue: any goroutine pushes, only
// the loop goroutine pops.
type taskQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newTaskQueue() *taskQueue {
	return &taskQueue{q: queue.New()}
}

func (t *taskQueue) push(task func()) {
	t.mu.Lock()
	t.q.Add(task)
	t.mu.Unlock()
}

func (t *taskQueue) pop() (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.q.Length() == 0 {
		return nil, false
	}
	return t.q.Remove().(func()), true
}
