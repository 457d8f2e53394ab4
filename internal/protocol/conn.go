package protocol

import (
	"bufio"
	"net"
	"time"
)

// Conn wraps a net.Conn with the framing discipline every role speaks:
// a buffered reader, a write mutex so a multi-frame exchange (or an
// auxiliary sender like a pinger) can never interleave with another
// writer's bytes, and a per-operation idle deadline.
type Conn struct {
	netConn     net.Conn
	reader      *bufio.Reader
	writeMu     chan struct{} // 1-buffered mutex; also usable with TryLock-style Select
	idleTimeout time.Duration
}

// NewConn wraps conn, applying idleTimeout as the deadline refreshed
// before every read and write.
func NewConn(conn net.Conn, idleTimeout time.Duration) *Conn {
	c := &Conn{
		netConn:     conn,
		reader:      bufio.NewReader(conn),
		writeMu:     make(chan struct{}, 1),
		idleTimeout: idleTimeout,
	}
	c.writeMu <- struct{}{}
	return c
}

// RemoteAddr returns the peer address string, used as the client/node
// identity key throughout internal/broker.
func (c *Conn) RemoteAddr() string {
	return c.netConn.RemoteAddr().String()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// ReadFrame blocks for the next frame, refreshing the idle deadline
// first. A deadline expiry, reset, or EOF all surface as the underlying
// net.Conn error; callers treat any non-nil error as a disconnect.
func (c *Conn) ReadFrame() (Frame, error) {
	if c.idleTimeout > 0 {
		_ = c.netConn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	return ReadFrame(c.reader)
}

// WriteFrame acquires the per-connection write lock for the duration of
// the full length+type+payload sequence, so writes from different
// goroutines (e.g. a handler and an auxiliary pinger) never interleave.
func (c *Conn) WriteFrame(t PacketType, payload []byte) error {
	<-c.writeMu
	defer func() { c.writeMu <- struct{}{} }()
	if c.idleTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.idleTimeout))
	}
	return WriteFrame(c.netConn, t, payload)
}

// WriteCode is the locked equivalent of the package-level WriteCode.
func (c *Conn) WriteCode(t PacketType, code uint32) error {
	var payload [4]byte
	payload[0] = byte(code >> 24)
	payload[1] = byte(code >> 16)
	payload[2] = byte(code >> 8)
	payload[3] = byte(code)
	return c.WriteFrame(t, payload[:])
}
