package server

import (
	"fmt"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// Privileged operations. They are exposed over the admin HTTP API and act
// with the same Directory guarantees as client commands.

// adminEvent wraps an operator-written message.
func (s *Server) adminEvent(msg string) protocol.Event {
	return s.event(protocol.EventAdminMsg, "ADMIN: "+msg)
}

// Broadcast sends an administrator message to every registered session and
// returns the number of successful deliveries.
func (s *Server) Broadcast(msg string) int {
	payload, err := s.adminEvent(msg).Encode()
	if err != nil {
		logger.Error("Failed to encode admin message", "error", err)
		return 0
	}

	delivered := 0
	for _, sess := range s.dir.Sessions() {
		if s.deliverPayload(sess, payload, deliveryAdmin) {
			delivered++
		}
	}
	logger.Info("Admin broadcast", "content", msg, "delivered", delivered)
	return delivered
}

// MessageUser sends an administrator message to one user.
func (s *Server) MessageUser(nick, msg string) error {
	sess, ok := s.dir.Lookup(nick)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, nick)
	}
	s.deliver(sess, s.adminEvent(msg), deliveryAdmin)
	logger.Info("Admin message", "nickname", nick, "content", msg)
	return nil
}

// BroadcastRoom sends an administrator message to every member of room.
func (s *Server) BroadcastRoom(room, msg string) (int, error) {
	members := s.dir.Members(room)
	if len(members) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	delivered := s.notifyRoom(room, members, s.adminEvent(msg), nil)
	logger.Info("Admin room broadcast", "room", room, "content", msg, "delivered", delivered)
	return delivered, nil
}

// Kick notifies nick and disconnects it. Its room is told that it left.
func (s *Server) Kick(nick string) error {
	sess, ok := s.dir.Lookup(nick)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, nick)
	}
	s.deliver(sess, s.event(protocol.EventAdminMsg, "You have been kicked by an administrator."), deliveryAdmin)
	s.disconnect(sess)
	logger.Info("Kicked user", sess.logAttrs()...)
	return nil
}

// KickAll notifies and disconnects every registered session. It returns the
// number of sessions removed.
func (s *Server) KickAll() int {
	sessions := s.dir.Sessions()
	payload, err := s.event(protocol.EventAdminMsg, "Server maintenance. All users disconnected.").Encode()
	if err != nil {
		logger.Error("Failed to encode admin message", "error", err)
	}

	for _, sess := range sessions {
		if payload != nil {
			s.deliverPayload(sess, payload, deliveryAdmin)
		}
		s.disconnect(sess)
	}
	logger.Info("Kicked all users", "count", len(sessions))
	return len(sessions)
}

// DeleteRoom removes room and tells its former members. They stay connected
// without a room.
func (s *Server) DeleteRoom(room string) error {
	members := s.dir.DeleteRoom(room)
	if members == nil {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	s.notifyDeleted(room, members)
	logger.Info("Deleted room", "room", room, "members", len(members))
	return nil
}

// ClearRooms deletes every room. It returns the number of rooms removed.
func (s *Server) ClearRooms() int {
	cleared := s.dir.ClearRooms()
	for room, members := range cleared {
		s.notifyDeleted(room, members)
	}
	logger.Info("Cleared all rooms", "count", len(cleared))
	return len(cleared)
}

func (s *Server) notifyDeleted(room string, members []*Session) {
	payload, err := s.event(protocol.EventAdminMsg, fmt.Sprintf("Room '%s' has been deleted by an administrator.", room)).Encode()
	if err != nil {
		logger.Error("Failed to encode admin message", "room", room, "error", err)
		return
	}
	for _, sess := range members {
		s.deliverPayload(sess, payload, deliveryAdmin)
	}
}

// Snapshot returns the registered users and active rooms.
func (s *Server) Snapshot() ([]UserEntry, []RoomEntry) {
	return s.dir.Snapshot()
}
