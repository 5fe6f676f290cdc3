package protocol

import (
	"net"
	"sync"
	"time"
)

// Transport moves whole frames between the server and one peer.
// Implementations must allow WriteFrame to be called from several goroutines
// while a single goroutine is blocked in ReadFrame.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error

	// SetWriteDeadline bounds pending and future writes. A zero value
	// removes the bound.
	SetWriteDeadline(t time.Time) error

	Close() error
	RemoteAddr() string
}

// ConnTransport carries length-prefixed frames over a stream connection.
type ConnTransport struct {
	conn    net.Conn
	max     uint32
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConnTransport wraps conn. Inbound frames larger than max are rejected.
func NewConnTransport(conn net.Conn, max uint32) *ConnTransport {
	return &ConnTransport{conn: conn, max: max}
}

// ReadFrame blocks until a full frame arrives.
func (t *ConnTransport) ReadFrame() ([]byte, error) {
	return ReadFrame(t.conn, t.max)
}

// WriteFrame sends payload as one frame. Concurrent writers never interleave.
func (t *ConnTransport) WriteFrame(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteFrame(t.conn, payload)
}

// SetWriteDeadline applies to a write already blocked in WriteFrame as well
// as later ones.
func (t *ConnTransport) SetWriteDeadline(d time.Time) error {
	return t.conn.SetWriteDeadline(d)
}

// Close closes the underlying connection. Subsequent calls return the
// result of the first one.
func (t *ConnTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// RemoteAddr returns the peer address.
func (t *ConnTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
