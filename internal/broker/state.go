package broker

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subtaskRecord holds a subtask's input/output bytes. Input is cleared
// once a node has pulled it via GETSUBTASK, output is populated once a
// node returns it.
type subtaskRecord struct {
	mu     sync.Mutex
	input  []byte
	output []byte
	done   bool
}

// clientState is the per-client runtime state: its task, its bounded
// pending queue and unbounded result queue, and its counters.
type clientState struct {
	addr        string
	taskID      TaskID
	algorithmID *AlgorithmID // nil if the client never sent one

	pending   *idQueue
	results   *idQueue
	submitted atomic.Int64
	completed atomic.Int64
}

// state is the broker's single shared, locked table of truth. Every
// connection handler mutates it under its locking discipline; no
// handler holds private copies of cross-connection data.
type state struct {
	mu sync.RWMutex

	// clients, in first-registered-first order so the fair dispatcher's
	// tie-break ("iteration order") is deterministic rather than
	// following Go's randomized map iteration.
	clientOrder   []string
	clientsByAddr map[string]*clientState
	taskToClient  map[TaskID]string

	// subtasks and their ownership, independent of whether the owning
	// client is still connected.
	subtasks     map[SubtaskID]*subtaskRecord
	subtaskOwner map[SubtaskID]string

	nodes map[*nodeContext]struct{}

	dispatcher *fairDispatcher

	shuttingDown atomic.Bool
}

func newState() *state {
	return &state{
		clientsByAddr: make(map[string]*clientState),
		taskToClient:  make(map[TaskID]string),
		subtasks:      make(map[SubtaskID]*subtaskRecord),
		subtaskOwner:  make(map[SubtaskID]string),
		nodes:         make(map[*nodeContext]struct{}),
		dispatcher:    newFairDispatcher(),
	}
}

// registerClient creates a new Task for addr and stores it. Returns the
// new client's state, which carries the minted TaskID.
func (s *state) registerClient(addr string, algorithmID *AlgorithmID) *clientState {
	cs := &clientState{
		addr:        addr,
		taskID:      newID(),
		algorithmID: algorithmID,
		pending:     newIDQueue(),
		results:     newIDQueue(),
	}

	s.mu.Lock()
	s.clientsByAddr[addr] = cs
	s.taskToClient[cs.taskID] = addr
	s.clientOrder = append(s.clientOrder, addr)
	s.mu.Unlock()

	return cs
}

// removeClient tears down a disconnected client's own tables. Subtask
// records and ownership entries for subtasks already handed to a node
// are left in place (they're cleaned up on consumption or discarded on
// orphaned submission, see state.completeSubtask and state.reclaim);
// subtasks still sitting
// in the pending queue never reached a node, so they're garbage right
// now and are reclaimed here to avoid leaking their records forever.
func (s *state) removeClient(cs *clientState) {
	s.mu.Lock()
	delete(s.clientsByAddr, cs.addr)
	delete(s.taskToClient, cs.taskID)
	for i, a := range s.clientOrder {
		if a == cs.addr {
			s.clientOrder = append(s.clientOrder[:i], s.clientOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	for {
		id, ok := cs.pending.tryPop()
		if !ok {
			break
		}
		s.mu.Lock()
		delete(s.subtasks, id)
		delete(s.subtaskOwner, id)
		s.mu.Unlock()
	}
}

func (s *state) client(addr string) (*clientState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.clientsByAddr[addr]
	return cs, ok
}

func (s *state) clientForTask(taskID TaskID) (*clientState, bool) {
	s.mu.RLock()
	addr, ok := s.taskToClient[taskID]
	if !ok {
		s.mu.RUnlock()
		return nil, false
	}
	cs, ok := s.clientsByAddr[addr]
	s.mu.RUnlock()
	return cs, ok
}

// submitSubtask mints a SubtaskID, enqueues it on cs's pending queue,
// and records its input and ownership. The caller has already checked
// the bound.
func (s *state) submitSubtask(cs *clientState, input []byte) SubtaskID {
	id := newID()
	rec := &subtaskRecord{input: input}

	s.mu.Lock()
	s.subtasks[id] = rec
	s.subtaskOwner[id] = cs.addr
	s.mu.Unlock()

	cs.pending.push(id)
	return id
}

// claimSubtask pops one subtask id from cs's pending queue and returns
// its input bytes, clearing input from the record. The claiming node's
// bookkeeping keeps the only copy until completion or reclamation.
func (s *state) claimSubtask(cs *clientState) (SubtaskID, []byte, bool) {
	id, ok := cs.pending.tryPop()
	if !ok {
		return uuid.UUID{}, nil, false
	}
	s.mu.RLock()
	rec := s.subtasks[id]
	s.mu.RUnlock()
	if rec == nil {
		return id, nil, false
	}
	rec.mu.Lock()
	input := rec.input
	rec.input = nil
	rec.mu.Unlock()
	return id, input, true
}

// completeSubtask records a node's output for subtaskID and, if the
// owning client is still connected, enqueues it on the result queue and
// bumps the completed counter. If the owning client has disconnected,
// the output is discarded (Open Question 1).
func (s *state) completeSubtask(subtaskID SubtaskID, output []byte) (delivered bool) {
	s.mu.Lock()
	addr, ok := s.subtaskOwner[subtaskID]
	if ok {
		delete(s.subtaskOwner, subtaskID)
	}
	rec := s.subtasks[subtaskID]
	var cs *clientState
	if ok {
		cs = s.clientsByAddr[addr]
	}
	s.mu.Unlock()

	if !ok || rec == nil || cs == nil {
		return false
	}

	rec.mu.Lock()
	rec.output = output
	rec.done = true
	rec.mu.Unlock()

	cs.results.push(subtaskID)
	cs.completed.Add(1)
	return true
}

// consumeResult pops one completed subtask id from cs's result queue
// and returns its output, removing the subtask's row entirely; a
// consumed result is never re-read.
func (s *state) consumeResult(cs *clientState) (SubtaskID, []byte, bool) {
	id, ok := cs.results.tryPop()
	if !ok {
		return uuid.UUID{}, nil, false
	}
	s.mu.Lock()
	rec := s.subtasks[id]
	delete(s.subtasks, id)
	s.mu.Unlock()
	if rec == nil {
		return id, nil, true
	}
	rec.mu.Lock()
	output := rec.output
	rec.mu.Unlock()
	return id, output, true
}

// reclaim requeues subtaskID onto its owning client's pending queue,
// ignoring the bound, because a node that held it disconnected or
// errored before submitting output. The input bytes cleared on dispatch
// are restored from the failed node's bookkeeping so the next node to
// claim the subtask receives them again. Returns false if the owning
// client has also disconnected, in which case the subtask is simply
// dropped (its owner is gone; there is nothing left to reclaim it for).
func (s *state) reclaim(subtaskID SubtaskID, input []byte) bool {
	s.mu.RLock()
	addr, ok := s.subtaskOwner[subtaskID]
	rec := s.subtasks[subtaskID]
	var cs *clientState
	if ok {
		cs = s.clientsByAddr[addr]
	}
	s.mu.RUnlock()

	if !ok || cs == nil {
		return false
	}
	if rec != nil {
		rec.mu.Lock()
		rec.input = input
		rec.mu.Unlock()
	}
	cs.pending.push(subtaskID)
	return true
}

func (s *state) addNode(n *nodeContext) {
	s.mu.Lock()
	s.nodes[n] = struct{}{}
	s.mu.Unlock()
}

func (s *state) removeNode(n *nodeContext) {
	s.mu.Lock()
	delete(s.nodes, n)
	s.mu.Unlock()
}

// pendingDepths returns, for every currently registered client in
// registration order, its pending queue length. Used by the fair
// dispatcher and by Snapshot.
func (s *state) pendingDepths() (order []string, depths map[string]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order = append([]string(nil), s.clientOrder...)
	depths = make(map[string]int, len(order))
	for _, addr := range order {
		if cs, ok := s.clientsByAddr[addr]; ok {
			depths[addr] = cs.pending.len()
		}
	}
	return order, depths
}
