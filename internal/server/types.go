package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

var (
	// ErrNicknameTaken is returned by Directory.Register for a duplicate nickname.
	ErrNicknameTaken = errors.New("nickname already taken")

	// ErrInvalidTransition is returned for a session state change the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrNotInRoom is returned when an operation needs a room the session
	// has not joined.
	ErrNotInRoom = errors.New("session is not in a room")

	// ErrNotRegistered is returned by Directory.Join for a session whose
	// nickname has been released.
	ErrNotRegistered = errors.New("session is not registered")

	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server closed")

	// ErrUserNotFound is returned by privileged operations naming an unknown nickname.
	ErrUserNotFound = errors.New("user not found")

	// ErrRoomNotFound is returned by privileged operations naming an unknown room.
	ErrRoomNotFound = errors.New("room not found")
)

// UserEntry is one line of the LIST users section.
type UserEntry struct {
	Nickname string `json:"nickname"`
	Room     string `json:"room,omitempty"`
}

// RoomEntry is one line of the LIST rooms section.
type RoomEntry struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, protocol.ErrDisconnected) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "io: read/write on closed pipe")
}
