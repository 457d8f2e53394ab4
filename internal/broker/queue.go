package broker

import (
	"sync"

	"github.com/google/uuid"
)

// idQueue is a FIFO of subtask identifiers supporting concurrent pushes
// and a non-blocking pop, as required for both the per-client pending
// queue (bounded by the caller) and result queue (unbounded).
type idQueue struct {
	mu    sync.Mutex
	items []uuid.UUID
}

func newIDQueue() *idQueue {
	return &idQueue{}
}

// push enqueues id at the back. Bound enforcement is the caller's
// responsibility (checked before push for submissions; bypassed
// entirely during node-failure reclamation, which must not fail).
func (q *idQueue) push(id uuid.UUID) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
}

// tryPop removes and returns the front item, reporting false if the
// queue is empty rather than blocking.
func (q *idQueue) tryPop() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return uuid.UUID{}, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

func (q *idQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
