package broker

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestIDQueueFIFO(t *testing.T) {
	q := newIDQueue()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		q.push(id)
	}
	for _, want := range ids {
		got, ok := q.tryPop()
		if !ok {
			t.Fatalf("tryPop: queue empty early")
		}
		if got != want {
			t.Errorf("tryPop = %v, want %v (FIFO order violated)", got, want)
		}
	}
	if _, ok := q.tryPop(); ok {
		t.Error("tryPop on empty queue returned ok=true")
	}
}

func TestIDQueueConcurrentPushPop(t *testing.T) {
	q := newIDQueue()
	const n = 500

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			q.push(uuid.New())
		}()
	}
	wg.Wait()

	if got := q.len(); got != n {
		t.Fatalf("len = %d, want %d", got, n)
	}

	seen := make(map[uuid.UUID]struct{}, n)
	var mu sync.Mutex
	var popWg sync.WaitGroup
	popWg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer popWg.Done()
			id, ok := q.tryPop()
			if !ok {
				t.Error("tryPop reported empty before draining n items")
				return
			}
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	popWg.Wait()

	if len(seen) != n {
		t.Errorf("popped %d distinct ids, want %d (duplicate or lost pop)", len(seen), n)
	}
	if got := q.len(); got != 0 {
		t.Errorf("len after draining = %d, want 0", got)
	}
}
