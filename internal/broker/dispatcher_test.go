package broker

import "testing"

// makeClient registers a bare client with depth pending items, bypassing
// the usual protocol path since these tests exercise the dispatcher in
// isolation.
func makeClient(t *testing.T, st *state, addr string, depth int) *clientState {
	t.Helper()
	cs := st.registerClient(addr, nil)
	for i := 0; i < depth; i++ {
		st.submitSubtask(cs, []byte("x"))
	}
	return cs
}

func TestFairDispatcherPicksFewestServicers(t *testing.T) {
	st := newState()
	makeClient(t, st, "A", 5)
	makeClient(t, st, "B", 5)

	n1 := newNodeContext("n1")
	n2 := newNodeContext("n2")

	// Both clients tied at zero servicers; registration order (A first)
	// breaks the tie.
	addr, ok := st.dispatcher.pick(st, n1)
	if !ok || addr != "A" {
		t.Fatalf("first pick = (%q, %v), want (A, true)", addr, ok)
	}
	st.dispatcher.register(addr, n1)

	// A now has one servicer, B has zero: the next node should be
	// steered to B to keep the spread within 1.
	addr, ok = st.dispatcher.pick(st, n2)
	if !ok || addr != "B" {
		t.Fatalf("second pick = (%q, %v), want (B, true)", addr, ok)
	}
	st.dispatcher.register(addr, n2)

	if got := st.dispatcher.servicerCount("A"); got != 1 {
		t.Errorf("servicerCount(A) = %d, want 1", got)
	}
	if got := st.dispatcher.servicerCount("B"); got != 1 {
		t.Errorf("servicerCount(B) = %d, want 1", got)
	}
}

func TestFairDispatcherSkipsEmptyClients(t *testing.T) {
	st := newState()
	makeClient(t, st, "A", 0)
	makeClient(t, st, "B", 3)

	n := newNodeContext("n1")
	addr, ok := st.dispatcher.pick(st, n)
	if !ok || addr != "B" {
		t.Fatalf("pick = (%q, %v), want (B, true): empty-queue client must never be selected", addr, ok)
	}
}

func TestFairDispatcherNoPendingWork(t *testing.T) {
	st := newState()
	makeClient(t, st, "A", 0)

	n := newNodeContext("n1")
	if _, ok := st.dispatcher.pick(st, n); ok {
		t.Error("pick should report ok=false when no client has pending work")
	}
}

func TestFairDispatcherPrunesDeadServicers(t *testing.T) {
	st := newState()
	makeClient(t, st, "A", 2)
	makeClient(t, st, "B", 2)

	n1 := newNodeContext("n1")
	n2 := newNodeContext("n2")

	st.dispatcher.register("A", n1)
	st.dispatcher.register("A", n2)
	n1.alive.Store(false) // n1 "disconnected" without deregistering

	// Only n2 is still alive against A; a fresh node asking should be
	// steered to B (0 live servicers) over A (1 live servicer).
	n3 := newNodeContext("n3")
	addr, ok := st.dispatcher.pick(st, n3)
	if !ok || addr != "B" {
		t.Fatalf("pick = (%q, %v), want (B, true): stale servicer entries were not pruned", addr, ok)
	}
}

func TestFairDispatcherExcludesCallersOwnEntry(t *testing.T) {
	st := newState()
	makeClient(t, st, "A", 2)
	makeClient(t, st, "B", 2)

	n := newNodeContext("n1")
	st.dispatcher.register("A", n)

	// n is about to re-pick (e.g. it finished A's queue); its own stale
	// registration against A must not count against A in this pick.
	addr, ok := st.dispatcher.pick(st, n)
	if !ok || addr != "A" {
		t.Fatalf("pick = (%q, %v), want (A, true): caller's own entry must be excluded, leaving A and B tied at 0", addr, ok)
	}
}
