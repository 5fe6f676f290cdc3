package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// commandFunc handles one parsed command. A *protocol.ValidationError is
// reported to the sender as an ERROR event; any other error is logged.
type commandFunc func(sess *Session, cmd protocol.Command) error

func (s *Server) commandTable() map[protocol.CommandKind]commandFunc {
	return map[protocol.CommandKind]commandFunc{
		protocol.CmdJoin:  s.handleJoin,
		protocol.CmdMsg:   s.handleMsg,
		protocol.CmdLeave: s.handleLeave,
		protocol.CmdList:  s.handleList,
		protocol.CmdFile:  s.handleFile,
	}
}

// dispatch routes cmd to its handler and reports the outcome.
func (s *Server) dispatch(sess *Session, cmd protocol.Command) {
	name := string(cmd.Kind)

	if sess.State() != StateActive {
		metrics.CommandHandled(s.metrics, name, metrics.OutcomeRejected)
		return
	}

	handler, ok := s.commands[cmd.Kind]
	if !ok {
		metrics.CommandHandled(s.metrics, name, metrics.OutcomeRejected)
		s.reply(sess, protocol.EventError, "Unknown command!")
		return
	}

	err := handler(sess, cmd)

	var verr *protocol.ValidationError
	switch {
	case err == nil:
		metrics.CommandHandled(s.metrics, name, metrics.OutcomeOK)
	case errors.As(err, &verr):
		metrics.CommandHandled(s.metrics, name, metrics.OutcomeRejected)
		logger.Debug("Command rejected", append(sess.logAttrs(), "command", name, "reason", verr.Message)...)
		s.reply(sess, protocol.EventError, verr.Message)
	default:
		metrics.CommandHandled(s.metrics, name, metrics.OutcomeError)
		logger.Error("Command failed", append(sess.logAttrs(), "command", name, "error", err)...)
	}
}

func (s *Server) handleJoin(sess *Session, cmd protocol.Command) error {
	room := strings.TrimSpace(cmd.Content)
	if room == "" {
		return userError("Room name cannot be empty!")
	}

	nick := sess.Nickname()
	res, err := s.dir.Join(sess, room)
	if errors.Is(err, ErrNotRegistered) {
		logger.Debug("Ignoring join from a disconnecting session", append(sess.logAttrs(), "room", room)...)
		return nil
	}

	if res.Previous != "" {
		s.notifyRoom(res.Previous, res.PreviousPeers, s.event(protocol.EventUserLeft, nick+" left the room"), nil)
	}
	s.reply(sess, protocol.EventRoomJoined, "Joined room: "+room)
	s.notifyRoom(room, res.Peers, s.event(protocol.EventUserJoined, nick+" joined the room"), sess)

	logger.Info("Joined room", append(sess.logAttrs(), "room", room, "previous", res.Previous)...)
	return nil
}

func (s *Server) handleMsg(sess *Session, cmd protocol.Command) error {
	if target, body, private := strings.Cut(cmd.Content, ":"); private {
		return s.sendPrivate(sess, strings.TrimSpace(target), strings.TrimSpace(body))
	}

	room := s.dir.RoomOf(sess)
	if room == "" {
		return userError("You must join a room first!")
	}

	nick := sess.Nickname()
	delivered := s.broadcastToRoom(room, s.event(protocol.EventPublicMsg, fmt.Sprintf("%s: %s", nick, cmd.Content)), sess)
	s.reply(sess, protocol.EventPublicMsg, "You: "+cmd.Content)

	logger.Info("Room message", "room", room, "nickname", nick, "content", cmd.Content, "delivered", delivered)
	return nil
}

func (s *Server) handleLeave(sess *Session, _ protocol.Command) error {
	room, peers, err := s.dir.Leave(sess)
	if errors.Is(err, ErrNotInRoom) {
		return userError("You are not in any room!")
	}

	s.reply(sess, protocol.EventRoomLeft, "Left room: "+room)
	s.notifyRoom(room, peers, s.event(protocol.EventUserLeft, sess.Nickname()+" left the room"), nil)

	logger.Info("Left room", append(sess.logAttrs(), "room", room)...)
	return nil
}

func (s *Server) handleList(sess *Session, _ protocol.Command) error {
	users, rooms := s.dir.Snapshot()
	s.reply(sess, protocol.EventListResponse, formatList(users, rooms))
	return nil
}

// formatList renders the LIST response body: one line per user and per
// room, the two sections separated by a blank line.
func formatList(users []UserEntry, rooms []RoomEntry) string {
	userLines := make([]string, len(users))
	for i, u := range users {
		room := u.Room
		if room == "" {
			room = "No room"
		}
		userLines[i] = fmt.Sprintf("%s (%s)", u.Nickname, room)
	}

	roomLines := make([]string, len(rooms))
	for i, r := range rooms {
		roomLines[i] = fmt.Sprintf("%s (%d users)", r.Name, r.Members)
	}

	return "Active Users:\n" + strings.Join(userLines, "\n") +
		"\n\nActive Rooms:\n" + strings.Join(roomLines, "\n")
}
