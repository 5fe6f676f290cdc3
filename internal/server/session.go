package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// State is a session lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateAwaitNick
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitNick:
		return "AWAIT_NICK"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is the server-side state of one connected client.
type Session struct {
	id          uuid.UUID
	transport   protocol.Transport
	kind        string
	connectedAt time.Time
	limiter     *rateLimiter

	mu       sync.Mutex
	state    State
	nickname string

	cleanupOnce sync.Once

	// room is guarded by Directory.mu, not by mu.
	room string
}

func newSession(t protocol.Transport, kind string, connectedAt time.Time, limiter *rateLimiter) *Session {
	return &Session{
		id:          uuid.New(),
		transport:   t,
		kind:        kind,
		connectedAt: connectedAt,
		limiter:     limiter,
		state:       StateConnecting,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Nickname returns the registered nickname, or "" before the handshake completes.
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// transition moves the session to the next stage. Only the forward path
// CONNECTING -> AWAIT_NICK -> ACTIVE and any move to CLOSED are allowed.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

func validTransition(from, to State) bool {
	switch {
	case from == StateClosed:
		return false
	case to == StateClosed:
		return true
	case from == StateConnecting && to == StateAwaitNick:
		return true
	case from == StateAwaitNick && to == StateActive:
		return true
	default:
		return false
	}
}

// setNickname is called by Directory.Register under the directory lock.
func (s *Session) setNickname(nick string) {
	s.mu.Lock()
	s.nickname = nick
	s.mu.Unlock()
}

// send delivers one event. Concurrent calls are serialized by the transport.
func (s *Session) send(ev protocol.Event) error {
	return protocol.SendEvent(s.transport, ev)
}

// sendPayload writes an already encoded event.
func (s *Session) sendPayload(payload []byte) error {
	return s.transport.WriteFrame(payload)
}

// close marks the session closed and closes its transport. It reports
// whether this call performed the close.
func (s *Session) close() bool {
	s.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if already {
		return false
	}
	_ = s.transport.Close()
	return true
}

// allow applies the session's command rate limit.
func (s *Session) allow() bool {
	return s.limiter.allow()
}

// logAttrs returns the key/value pairs identifying the session in logs.
func (s *Session) logAttrs() []any {
	attrs := []any{"session", s.id.String(), "address", s.RemoteAddr()}
	if nick := s.Nickname(); nick != "" {
		attrs = append(attrs, "nickname", nick)
	}
	return attrs
}
