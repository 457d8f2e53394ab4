package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/user32121/DistributedComputing/internal/protocol"
)

// handleClient runs a client session: the processor upload handshake,
// then the steady-state submit/poll loop, then cleanup.
func (b *Broker) handleClient(ctx context.Context, conn *protocol.Conn, addr string) {
	logger := b.logger.With("role", "client", "addr", addr)

	cs, ok := b.clientUpload(conn, addr, logger)
	if !ok {
		return
	}

	b.audit().Record(ctx, Event{Kind: EventTaskOpened, ClientAddr: addr, TaskID: cs.taskID})
	logger.Info("client registered", "task", cs.taskID)

	defer func() {
		b.state.removeClient(cs)
		b.audit().Record(ctx, Event{Kind: EventTaskClosed, ClientAddr: addr, TaskID: cs.taskID,
			Detail: fmt.Sprintf("submitted=%d completed=%d", cs.submitted.Load(), cs.completed.Load())})
		logger.Debug("client disconnected", "submitted", cs.submitted.Load(), "completed", cs.completed.Load())
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
			logger.Debug("client sent exit")
			return
		case protocol.SubmitSubtask:
			if !b.clientSubmitSubtask(ctx, conn, cs, logger) {
				return
			}
		case protocol.IsSubtaskDone:
			if !b.clientIsSubtaskDone(conn, cs, logger) {
				return
			}
		default:
			logger.Debug("unknown command", "code", code)
		}
	}
}

// clientUpload receives the processor source and any trailing
// algorithm id, storing the source under ServerFilesDir/<addr>/<task>.src
// and registering the new client/task in broker state.
func (b *Broker) clientUpload(conn *protocol.Conn, addr string, logger *slog.Logger) (*clientState, bool) {
	frame, err := conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return nil, false
	}
	if frame.Type != protocol.Data {
		logger.Debug("protocol violation: expected data (processor)")
		return nil, false
	}
	source := frame.Payload

	var algorithmID *AlgorithmID
uploadLoop:
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			logSocketError(logger, err)
			return nil, false
		}
		if frame.Type != protocol.Response {
			logger.Debug("protocol violation: expected response during upload")
			return nil, false
		}
		code, err := protocol.DecodeCode(frame.Payload)
		if err != nil {
			logger.Debug("protocol violation: malformed response code")
			return nil, false
		}
		switch protocol.ResponseCode(code) {
		case protocol.RespDone:
			break uploadLoop
		case protocol.RespSendAUUID:
			frame, err := conn.ReadFrame()
			if err != nil {
				logSocketError(logger, err)
				return nil, false
			}
			if frame.Type != protocol.Data {
				logger.Debug("protocol violation: expected data (algorithm id)")
				return nil, false
			}
			id, err := idFromBytes(frame.Payload)
			if err != nil {
				logger.Debug("protocol violation: malformed algorithm id", "error", err)
				return nil, false
			}
			algorithmID = &id
		default:
			logger.Debug("protocol violation: unexpected response during upload", "code", code)
			return nil, false
		}
	}

	cs := b.state.registerClient(addr, algorithmID)

	dir := filepath.Join(b.opts.ServerFilesDir, addr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Debug("missing local resource: could not create client directory", "error", err)
		b.state.removeClient(cs)
		return nil, false
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.src", cs.taskID))
	if err := os.WriteFile(path, source, 0o644); err != nil {
		logger.Debug("missing local resource: could not write processor source", "error", err)
		b.state.removeClient(cs)
		return nil, false
	}
	logger.Debug("received processor file", "task", cs.taskID, "bytes", len(source))

	return cs, true
}

func (b *Broker) clientSubmitSubtask(ctx context.Context, conn *protocol.Conn, cs *clientState, logger *slog.Logger) bool {
	if cs.pending.len() > b.opts.MaxSubtasks {
		return conn.WriteCode(protocol.Response, uint32(protocol.RespNotEnoughSpace)) == nil
	}

	if err := conn.WriteCode(protocol.Response, uint32(protocol.RespOK)); err != nil {
		logSocketError(logger, err)
		return false
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return false
	}
	if frame.Type != protocol.Data {
		logger.Debug("protocol violation: expected data (subtask input)")
		return false
	}

	subtaskID := b.state.submitSubtask(cs, frame.Payload)
	if err := conn.WriteFrame(protocol.Data, subtaskID[:]); err != nil {
		logSocketError(logger, err)
		return false
	}
	cs.submitted.Add(1)
	b.audit().Record(ctx, Event{Kind: EventSubtaskSubmitted, ClientAddr: cs.addr, SubtaskID: subtaskID})
	logger.Debug("submitted subtask", "subtask", subtaskID)
	return true
}

func (b *Broker) clientIsSubtaskDone(conn *protocol.Conn, cs *clientState, logger *slog.Logger) bool {
	subtaskID, output, ok := b.state.consumeResult(cs)
	if !ok {
		return conn.WriteCode(protocol.Response, uint32(protocol.RespNoNewResults)) == nil
	}

	if err := conn.WriteCode(protocol.Response, uint32(protocol.RespOK)); err != nil {
		logSocketError(logger, err)
		return false
	}
	if err := conn.WriteFrame(protocol.Data, subtaskID[:]); err != nil {
		logSocketError(logger, err)
		return false
	}
	if err := conn.WriteFrame(protocol.Data, output); err != nil {
		logSocketError(logger, err)
		return false
	}
	return true
}
