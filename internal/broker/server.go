// Package broker implements the work-dispatch broker's coordination
// engine: connection accept and role classification, the client and
// node session handlers, the fair task dispatcher, and in-flight
// subtask reclamation.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user32121/DistributedComputing/internal/protocol"
)

// Options configures a Broker.
type Options struct {
	// MaxSubtasks is the per-client pending queue bound. The check is
	// strict-greater-than, so the queue can momentarily hold
	// MaxSubtasks+1 entries.
	MaxSubtasks int
	// IdleTimeout is the per-socket read/write idle deadline.
	IdleTimeout time.Duration
	// ServerFilesDir is where uploaded processor sources are stored,
	// one file per task under ServerFilesDir/<client addr>/<task id>.src.
	ServerFilesDir string
}

// Broker is the work-dispatch coordination engine. It holds no
// persistent state across restarts; all runtime state lives in the
// in-memory state table.
type Broker struct {
	opts   Options
	logger *slog.Logger
	state  *state

	auditor atomic.Value // Auditor

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Broker. Call Start to begin accepting connections.
func New(opts Options, logger *slog.Logger) *Broker {
	b := &Broker{opts: opts, logger: logger, state: newState()}
	b.auditor.Store(Auditor(NoopAuditor{}))
	return b
}

// SetAuditor installs the sink for lifecycle events. Safe to call
// concurrently with running handlers (it is read via atomic.Value).
func (b *Broker) SetAuditor(a Auditor) {
	if a == nil {
		a = NoopAuditor{}
	}
	b.auditor.Store(a)
}

func (b *Broker) audit() Auditor {
	return safeAuditor{inner: b.auditor.Load().(Auditor), logger: b.logger}
}

// safeAuditor recovers and logs a panic raised by the installed Auditor,
// so a faulty hook cannot take down the handler goroutine calling it.
type safeAuditor struct {
	inner  Auditor
	logger *slog.Logger
}

func (s safeAuditor) Record(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("audit hook panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	s.inner.Record(ctx, ev)
}

// Start begins listening for client and node connections on bind. The
// returned channel is closed once the accept loop terminates; a fatal
// accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("broker listen: %w", err)
	}
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		_ = tcpLn // SO_REUSEADDR is the net package's default on Listen; nothing further to set.
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("broker listening", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.state.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("broker accept: %w", err)
				close(errCh)
				return
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
			}

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConnection(conn)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listener's bound address, or nil if Start has not
// been called yet. Used to resolve the concrete port for mDNS
// advertisement when the configured bind address uses ":0".
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop flips the shutting-down flag, closes the listener, and waits for
// all handler goroutines to finish. Each handler observes the flag no
// later than its next idle-deadline expiry.
func (b *Broker) Stop() error {
	if !b.state.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.wg.Wait()
	return nil
}

// handleConnection runs the role-identification handshake and then
// dispatches to the client or node handler. Any deviation from the
// handshake closes the connection without mutating broker state.
func (b *Broker) handleConnection(netConn net.Conn) {
	addr := netConn.RemoteAddr().String()
	conn := protocol.NewConn(netConn, b.opts.IdleTimeout)
	defer conn.Close()

	logger := b.logger.With("addr", addr)

	frame, err := conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return
	}
	if frame.Type != protocol.Handshake || string(frame.Payload) != string(protocol.HandshakeMagic) {
		logger.Debug("handshake rejected")
		return
	}
	if err := conn.WriteCode(protocol.Response, uint32(protocol.RespOK)); err != nil {
		logSocketError(logger, err)
		return
	}

	frame, err = conn.ReadFrame()
	if err != nil {
		logSocketError(logger, err)
		return
	}
	if frame.Type != protocol.Response {
		logger.Debug("protocol violation: no role response")
		return
	}
	code, err := protocol.DecodeCode(frame.Payload)
	if err != nil {
		logger.Debug("protocol violation: malformed role response")
		return
	}

	ctx := context.Background()
	switch protocol.ResponseCode(code) {
	case protocol.RespClient:
		logger.Debug("registered as client")
		b.handleClient(ctx, conn, addr)
	case protocol.RespNode:
		logger.Debug("registered as node")
		b.handleNode(ctx, conn, addr)
	default:
		logger.Debug("protocol violation: unknown role", "code", code)
	}
}
