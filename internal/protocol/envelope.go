package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CommandKind names a client request.
type CommandKind string

const (
	CmdJoin  CommandKind = "JOIN"
	CmdMsg   CommandKind = "MSG"
	CmdLeave CommandKind = "LEAVE"
	CmdList  CommandKind = "LIST"
	CmdFile  CommandKind = "FILE"
)

var commandKinds = map[CommandKind]struct{}{
	CmdJoin:  {},
	CmdMsg:   {},
	CmdLeave: {},
	CmdList:  {},
	CmdFile:  {},
}

// EventType names a server notification.
type EventType string

const (
	EventNickRequest  EventType = "NICK_REQUEST"
	EventNickAccepted EventType = "NICK_ACCEPTED"
	EventNickError    EventType = "NICK_ERROR"
	EventRoomJoined   EventType = "ROOM_JOINED"
	EventRoomLeft     EventType = "ROOM_LEFT"
	EventPublicMsg    EventType = "PUBLIC_MSG"
	EventPrivateMsg   EventType = "PRIVATE_MSG"
	EventUserJoined   EventType = "USER_JOINED"
	EventUserLeft     EventType = "USER_LEFT"
	EventListResponse EventType = "LIST_RESPONSE"
	EventError        EventType = "ERROR"
	EventFileSent     EventType = "FILE_SENT"
	EventFileReceived EventType = "FILE_RECEIVED"
	EventAdminMsg     EventType = "ADMIN_MSG"
)

// TimestampLayout is the wall-clock format stamped on every event.
const TimestampLayout = "15:04:05"

var (
	// ErrMalformedEnvelope means the frame is not a JSON command object.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownCommand means the command name is not one of CommandKind.
	ErrUnknownCommand = errors.New("unknown command")
)

// FileData is the attachment carried by a FILE command.
type FileData struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Size     int64  `json:"size"`
}

// Command is a parsed client request.
type Command struct {
	Kind      CommandKind `json:"command"`
	Content   string      `json:"content"`
	Target    string      `json:"target,omitempty"`
	IsPrivate bool        `json:"is_private,omitempty"`
	FileData  *FileData   `json:"file_data,omitempty"`
}

// FileInfo describes a relayed attachment.
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Sender    string `json:"sender"`
	FileID    string `json:"file_id"`
	Timestamp string `json:"timestamp"`
}

// Event is a server notification.
type Event struct {
	Type        EventType `json:"type"`
	Content     string    `json:"content"`
	Timestamp   string    `json:"timestamp"`
	FileInfo    *FileInfo `json:"file_info,omitempty"`
	FileContent string    `json:"file_content,omitempty"`
	IsPrivate   *bool     `json:"is_private,omitempty"`
}

// ParseCommand decodes and validates one command frame. Command names are
// matched case-insensitively and normalized to upper case.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	name := strings.ToUpper(strings.TrimSpace(string(cmd.Kind)))
	if name == "" {
		return Command{}, fmt.Errorf("%w: missing command", ErrMalformedEnvelope)
	}

	cmd.Kind = CommandKind(name)
	if _, ok := commandKinds[cmd.Kind]; !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd, nil
}

// NewEvent builds an event stamped with the current wall clock.
func NewEvent(typ EventType, content string) Event {
	return NewEventAt(typ, content, time.Now())
}

// NewEventAt builds an event stamped with now.
func NewEventAt(typ EventType, content string, now time.Time) Event {
	return Event{
		Type:      typ,
		Content:   content,
		Timestamp: now.Format(TimestampLayout),
	}
}

// WithPrivate sets the is_private flag explicitly, including false.
func (e Event) WithPrivate(private bool) Event {
	e.IsPrivate = &private
	return e
}

// Private reports the is_private flag, treating an absent flag as false.
func (e Event) Private() bool {
	return e.IsPrivate != nil && *e.IsPrivate
}

// Encode marshals the event to its JSON frame payload.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// DecodeEvent parses an event frame. Clients and tests use it.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return ev, nil
}

// SendEvent encodes ev and writes it as one frame on t.
func SendEvent(t Transport, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return t.WriteFrame(data)
}
