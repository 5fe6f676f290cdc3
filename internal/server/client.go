package server

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// closeWriteWait bounds the close handshake write. Data writes block like
// the TCP transport until SetWriteDeadline is called.
const closeWriteWait = time.Second

// wsTransport carries one envelope per WebSocket message, so WebSocket
// clients share the TCP client's session, router and relay.
type wsTransport struct {
	conn      *websocket.Conn
	addr      string
	maxFrame  int64
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	// writeDeadline holds UnixNano of the write bound, or 0 for none.
	writeDeadline atomic.Int64
}

func newWSTransport(conn *websocket.Conn, addr string, maxFrame int64) *wsTransport {
	if maxFrame > 0 {
		conn.SetReadLimit(maxFrame)
	}
	return &wsTransport{conn: conn, addr: addr, maxFrame: maxFrame}
}

// ReadFrame returns the payload of the next text or binary message. Control
// frames are handled by gorilla/websocket.
func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		kind, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, t.readError(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// readError maps gorilla/websocket read errors onto the framing errors the
// session loop understands.
func (t *wsTransport) readError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: websocket message over %d bytes", protocol.ErrFrameTooLarge, t.maxFrame)
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		return protocol.ErrDisconnected
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		return protocol.ErrDisconnected
	}

	if websocket.IsUnexpectedCloseError(err) {
		logger.Debug("Unexpected WebSocket close", "address", t.addr, "error", err)
		return protocol.ErrDisconnected
	}
	return err
}

// WriteFrame sends payload as one text message. Writes are serialized.
func (t *wsTransport) WriteFrame(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if ns := t.writeDeadline.Load(); ns != 0 {
		if err := t.conn.SetWriteDeadline(time.Unix(0, ns)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// SetWriteDeadline bounds later writes and one already in progress. The
// deadline is applied to the raw connection directly because the writer
// may hold writeMu indefinitely.
func (t *wsTransport) SetWriteDeadline(d time.Time) error {
	var ns int64
	if !d.IsZero() {
		ns = d.UnixNano()
	}
	t.writeDeadline.Store(ns)
	return t.conn.NetConn().SetWriteDeadline(d)
}

// Close sends a close message and closes the connection. Only the first
// call has an effect.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil {
			if !isExpectedCloseError(err) {
				logger.Debug("Error writing close message", "address", t.addr, "error", err)
			}
		}
		if err := t.conn.Close(); err != nil && !isExpectedCloseError(err) {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// RemoteAddr returns the client address seen by the HTTP server.
func (t *wsTransport) RemoteAddr() string {
	return t.addr
}
