package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/user32121/DistributedComputing/internal/protocol"
)

// nodeContext is the per-connection state for a node session: which
// client it is currently pulling subtasks from, and the subtasks it
// currently holds in flight. Each in-flight entry retains the subtask's
// input bytes, since the state table clears input on dispatch and
// reclamation after a node failure must put it back. This bookkeeping
// is read both by its own connection goroutine and, via Broker.Snapshot,
// by the HTTP status goroutine, so mu guards
// currentTaskClient/currentTaskID/inFlight; the dispatcher's liveness
// check goes through alive instead, since that one needs no broader lock.
type nodeContext struct {
	addr string

	mu                sync.Mutex
	currentTaskClient string
	currentTaskID     TaskID
	inFlight          map[SubtaskID][]byte

	alive atomic.Bool
}

func newNodeContext(addr string) *nodeContext {
	n := &nodeContext{addr: addr, inFlight: make(map[SubtaskID][]byte)}
	n.alive.Store(true)
	return n
}

func (n *nodeContext) isAlive() bool { return n.alive.Load() }

// setCurrentTask records which client's task this node is now pulling
// subtasks from, deregistering the dispatcher's servicer-count entry for
// its previous client if it switched.
func (b *Broker) setCurrentTask(n *nodeContext, addr string, taskID TaskID) {
	n.mu.Lock()
	prev := n.currentTaskClient
	n.currentTaskClient = addr
	n.currentTaskID = taskID
	n.mu.Unlock()

	if prev != "" && prev != addr {
		b.state.dispatcher.deregister(prev, n)
	}
	b.state.dispatcher.register(addr, n)
}

// clearCurrentTask is used when a node's pending-subtask pull for its
// current task comes up empty; it deregisters the node from that
// client's servicer count.
func (b *Broker) clearCurrentTask(n *nodeContext) {
	n.mu.Lock()
	prev := n.currentTaskClient
	n.currentTaskClient = ""
	n.mu.Unlock()
	b.state.dispatcher.deregister(prev, n)
}

func (n *nodeContext) currentTask() (addr string, taskID TaskID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTaskClient, n.currentTaskID
}

func (n *nodeContext) addInFlight(id SubtaskID, input []byte) {
	n.mu.Lock()
	n.inFlight[id] = input
	n.mu.Unlock()
}

func (n *nodeContext) removeInFlight(id SubtaskID) {
	n.mu.Lock()
	delete(n.inFlight, id)
	n.mu.Unlock()
}

// drainInFlight empties and returns the subtasks still held by this
// node along with their inputs, for reclamation on disconnect.
func (n *nodeContext) drainInFlight() map[SubtaskID][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	held := n.inFlight
	n.inFlight = make(map[SubtaskID][]byte)
	return held
}

// inFlightCount reports how many subtasks this node currently holds, for
// Broker.Snapshot.
func (n *nodeContext) inFlightCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inFlight)
}

// handleNode runs a node session's steady-state loop until it
// disconnects, exits, or errors, then reclaims any subtasks it still
// held in flight.
func (b *Broker) handleNode(ctx context.Context, conn *protocol.Conn, addr string) {
	n := newNodeContext(addr)
	b.state.addNode(n)

	logger := b.logger.With("role", "node", "addr", addr)

	defer func() {
		n.alive.Store(false)
		client, _ := n.currentTask()
		b.state.dispatcher.deregister(client, n)
		b.state.removeNode(n)

		reclaimed := 0
		for subtaskID, input := range n.drainInFlight() {
			if b.state.reclaim(subtaskID, input) {
				reclaimed++
				b.audit().Record(ctx, Event{Kind: EventSubtaskReclaimed, SubtaskID: subtaskID, ClientAddr: client})
			}
		}
		if reclaimed > 0 {
			logger.Info("node disconnected, reclaimed in-flight subtasks", "count", reclaimed)
		} else {
			logger.Debug("node disconnected")
		}
	}()

	for !b.state.shuttingDown.Load() {
		frame, err := conn.ReadFrame()
		if err != nil {
			logSocketError(logger, err)
			return
		}
		if frame.Type != protocol.Command {
			logger.Debug("protocol violation: expected command", "got", frame.Type)
			return
		}
		code, err := protocol.DecodeCode(frame.Payload)
		if err != nil {
			logger.Debug("protocol violation: malformed command code", "error", err)
			return
		}

		switch protocol.CommandCode(code) {
		case protocol.Ping:
			if err := conn.WriteCode(protocol.Command, uint32(protocol.Pong)); err != nil {
				logSocketError(logger, err)
				return
			}
		case protocol.Exit:
			logger.Debug("node sent exit")
			return
		case protocol.GetTask:
			if !b.nodeGetTask(ctx, conn, n, logger) {
				return
			}
		case protocol.GetSubtask:
			if !b.nodeGetSubtask(conn, n, logger) {
				return
			}
		case protocol.SubmitSubtaskOutput:
			if !b.nodeSubmitSubtaskOutput(ctx, conn, n, logger) {
				return
			}
		default:
			logger.Debug("unknown command", "code", code)
		}
	}
}

func (b *Broker) nodeGetTask(ctx context.Context, conn *protocol.Conn, n *nodeContext, logger *slog.Logger) bool {
	addr, ok := b.state.dispatcher.pick(b.state, n)
	if !ok {
		return conn.WriteCode(protocol.Response, uint32(protocol.RespNoNewTasks)) == nil
	}

	cs, ok := b.state.client(addr)
	if !ok {
		// client vanished between pick and lookup; treat as no work.
		return conn.WriteCode(protocol.Response, uint32(protocol.RespNoNewTasks)) == nil
	}

	if err := conn.WriteCode(protocol.Response, uint32(protocol.RespOK)); err != nil {
		logSocketError(logger, err)
		return false
	}
	if err := conn.WriteFrame(protocol.Data, cs.taskID[:]); err != nil {
		logSocketError(logger, err)
		return false
	}

	if cs.algorithmID != nil {
		if err := conn.WriteCode(protocol.Response, uint32(protocol.RespSendAUUID)); err != nil {
			logSocketError(logger, err)
			return false
		}
		if err := conn.WriteFrame(protocol.Data, cs.algorithmID[:]); err != nil {
			logSocketError(logger, err)
			return false
		}
	} else {
		if err := conn.WriteCode(protocol.Response, uint32(protocol.RespNoAUUID)); err != nil {
			logSocketError(logger, err)
			return false
		}
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return false
	}
	if frame.Type != protocol.Response {
		logger.Debug("protocol violation: expected response (has file)")
		return false
	}
	code, err := protocol.DecodeCode(frame.Payload)
	if err != nil {
		logger.Debug("protocol violation: malformed response code")
		return false
	}

	switch protocol.ResponseCode(code) {
	case protocol.RespOK:
		// node already has the processor cached; nothing more to send.
	case protocol.RespDoesNotHaveFile:
		source, err := os.ReadFile(b.processorPath(addr, cs.taskID))
		if err != nil {
			logger.Debug("missing local resource: processor source", "task", cs.taskID, "error", err)
			return false
		}
		if err := conn.WriteFrame(protocol.Data, source); err != nil {
			logSocketError(logger, err)
			return false
		}
	default:
		logger.Debug("protocol violation: unknown has-file response", "code", code)
		return false
	}

	b.setCurrentTask(n, addr, cs.taskID)
	return true
}

func (b *Broker) nodeGetSubtask(conn *protocol.Conn, n *nodeContext, logger *slog.Logger) bool {
	frame, err := conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return false
	}
	if frame.Type != protocol.Data {
		logger.Debug("protocol violation: expected data (task id)")
		return false
	}
	taskID, err := idFromBytes(frame.Payload)
	if err != nil {
		logger.Debug("protocol violation: malformed task id", "error", err)
		return false
	}

	cs, ok := b.state.clientForTask(taskID)
	if !ok {
		b.clearCurrentTask(n)
		return conn.WriteCode(protocol.Response, uint32(protocol.RespNoNewSubtasks)) == nil
	}

	subtaskID, input, ok := b.state.claimSubtask(cs)
	if !ok {
		b.clearCurrentTask(n)
		return conn.WriteCode(protocol.Response, uint32(protocol.RespNoNewSubtasks)) == nil
	}

	if err := conn.WriteCode(protocol.Response, uint32(protocol.RespOK)); err != nil {
		logSocketError(logger, err)
		return false
	}
	if err := conn.WriteFrame(protocol.Data, subtaskID[:]); err != nil {
		logSocketError(logger, err)
		return false
	}
	if err := conn.WriteFrame(protocol.Data, input); err != nil {
		logSocketError(logger, err)
		return false
	}

	n.addInFlight(subtaskID, input)
	return true
}

func (b *Broker) nodeSubmitSubtaskOutput(ctx context.Context, conn *protocol.Conn, n *nodeContext, logger *slog.Logger) bool {
	frame, err := conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return false
	}
	if frame.Type != protocol.Data {
		logger.Debug("protocol violation: expected data (subtask id)")
		return false
	}
	subtaskID, err := idFromBytes(frame.Payload)
	if err != nil {
		logger.Debug("protocol violation: malformed subtask id", "error", err)
		return false
	}

	frame, err = conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return false
	}
	if frame.Type != protocol.Data {
		logger.Debug("protocol violation: expected data (output)")
		return false
	}
	output := frame.Payload

	n.removeInFlight(subtaskID)
	if b.state.completeSubtask(subtaskID, output) {
		b.audit().Record(ctx, Event{Kind: EventSubtaskCompleted, SubtaskID: subtaskID})
	} else {
		logger.Debug("discarding output for orphaned subtask", "subtask", subtaskID)
		b.audit().Record(ctx, Event{Kind: EventSubtaskDiscarded, SubtaskID: subtaskID})
	}
	return true
}

func (b *Broker) processorPath(clientAddr string, taskID TaskID) string {
	return filepath.Join(b.opts.ServerFilesDir, clientAddr, fmt.Sprintf("%s.src", taskID))
}

func logSocketError(logger *slog.Logger, err error) {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		logger.Debug("socket idle timeout")
		return
	}
	logger.Debug("socket error", "error", err)
}
