package device

import "sync"

// triggerQueue counts pending triggers for one run. Closing it discards them.
type triggerQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	closed  bool
}

func newTriggerQueue() *triggerQueue {
	q := &triggerQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues one trigger. It returns false once the queue is closed.
func (q *triggerQueue) push() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending++
	q.cond.Signal()
	return true
}

// wait blocks until a trigger is pending and consumes it. It returns false on close.
func (q *triggerQueue) wait() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return false
	}
	q.pending--
	return true
}

func (q *triggerQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = 0
	q.cond.Broadcast()
}

func (q *triggerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
