package controllers

import (
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// namedQueue hands each name to at most one worker at a time. A name added
// while in flight is marked dirty and requeued when its current pass
// finishes, so reconciliation for the same resource is never concurrent
// with itself while different names proceed in parallel.
type namedQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	order    []types.NamespacedName
	queued   map[types.NamespacedName]struct{}
	active   map[types.NamespacedName]struct{}
	dirty    map[types.NamespacedName]struct{}
	shutdown bool
}

func newNamedQueue() *namedQueue {
	q := &namedQueue{
		queued: make(map[types.NamespacedName]struct{}),
		active: make(map[types.NamespacedName]struct{}),
		dirty:  make(map[types.NamespacedName]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues name unless it is already pending; an in-flight name is
// marked for reprocessing instead.
func (q *namedQueue) Add(name types.NamespacedName) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	if _, inFlight := q.active[name]; inFlight {
		q.dirty[name] = struct{}{}
		return
	}
	if _, pending := q.queued[name]; pending {
		return
	}
	q.queued[name] = struct{}{}
	q.order = append(q.order, name)
	q.cond.Signal()
}

// AddAfter enqueues name once d has elapsed.
func (q *namedQueue) AddAfter(name types.NamespacedName, d time.Duration) {
	if d <= 0 {
		q.Add(name)
		return
	}
	time.AfterFunc(d, func() { q.Add(name) })
}

// Get blocks for the next name and marks it in flight. ok is false once the
// queue is shut down; remaining backlog is dropped rather than drained.
func (q *namedQueue) Get() (types.NamespacedName, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) == 0 && !q.shutdown {
		q.cond.Wait()
	}
	if q.shutdown {
		return types.NamespacedName{}, false
	}
	name := q.order[0]
	q.order = q.order[1:]
	delete(q.queued, name)
	q.active[name] = struct{}{}
	return name, true
}

// Done releases the in-flight guard for name, requeueing it if it went
// dirty while being processed.
func (q *namedQueue) Done(name types.NamespacedName) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, name)
	if _, redo := q.dirty[name]; redo && !q.shutdown {
		delete(q.dirty, name)
		if _, pending := q.queued[name]; !pending {
			q.queued[name] = struct{}{}
			q.order = append(q.order, name)
			q.cond.Signal()
		}
	}
}

// ShutDown wakes all waiters; in-flight work may complete but no new names
// are handed out or accepted.
func (q *namedQueue) ShutDown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.cond.Broadcast()
}

// Len reports the pending backlog, for tests and logging.
func (q *namedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
