package server

import (
	"fmt"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// Delivery kinds used in metrics.
const (
	deliveryRoom    = "room"
	deliveryPrivate = "private"
	deliveryReply   = "reply"
	deliveryAdmin   = "admin"
)

// deliverPayload writes an encoded event to one session. Sends are
// synchronous and never retried; a failed send closes the recipient so its
// read loop performs the full cleanup.
func (s *Server) deliverPayload(to *Session, payload []byte, kind string) bool {
	if err := to.sendPayload(payload); err != nil {
		metrics.Delivery(s.metrics, kind, metrics.OutcomeFailed)
		if isExpectedCloseError(err) {
			logger.Debug("Delivery to closed connection", append(to.logAttrs(), "kind", kind)...)
		} else {
			logger.Warn("Delivery failed", append(to.logAttrs(), "kind", kind, "error", err)...)
		}
		to.close()
		return false
	}
	metrics.Delivery(s.metrics, kind, metrics.OutcomeOK)
	return true
}

// deliver encodes ev and sends it to one session.
func (s *Server) deliver(to *Session, ev protocol.Event, kind string) bool {
	payload, err := ev.Encode()
	if err != nil {
		logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return false
	}
	return s.deliverPayload(to, payload, kind)
}

// reply sends an event back to the session that caused it.
func (s *Server) reply(sess *Session, typ protocol.EventType, content string) bool {
	return s.deliver(sess, s.event(typ, content), deliveryReply)
}

// broadcastToRoom delivers ev once to every current member of room except
// exclude. It returns the number of successful deliveries.
func (s *Server) broadcastToRoom(room string, ev protocol.Event, exclude *Session) int {
	return s.notifyRoom(room, s.dir.Members(room), ev, exclude)
}

// notifyRoom delivers ev to a membership snapshot of room. Members whose
// delivery fails are pruned from the room.
func (s *Server) notifyRoom(room string, members []*Session, ev protocol.Event, exclude *Session) int {
	payload, err := ev.Encode()
	if err != nil {
		logger.Error("Failed to encode event", "type", ev.Type, "room", room, "error", err)
		return 0
	}

	delivered := 0
	var failed []*Session
	for _, member := range members {
		if member == exclude {
			continue
		}
		if s.deliverPayload(member, payload, deliveryRoom) {
			delivered++
		} else {
			failed = append(failed, member)
		}
	}

	s.removeFailedMembers(room, failed)
	return delivered
}

func (s *Server) removeFailedMembers(room string, failed []*Session) {
	for _, member := range failed {
		if s.dir.Prune(room, member) {
			logger.Info("Pruned member after failed delivery", append(member.logAttrs(), "room", room)...)
		}
	}
}

// sendPrivate delivers body to the session named target and confirms to the
// sender. An unknown target is reported to the sender only.
func (s *Server) sendPrivate(sender *Session, target, body string) error {
	to, ok := s.dir.Lookup(target)
	if !ok {
		return userError("User %s not found!", target)
	}

	from := sender.Nickname()
	s.deliver(to, s.event(protocol.EventPrivateMsg, fmt.Sprintf("Private from %s: %s", from, body)).WithPrivate(true), deliveryPrivate)
	s.deliver(sender, s.event(protocol.EventPrivateMsg, fmt.Sprintf("Private to %s: %s", target, body)).WithPrivate(true), deliveryReply)

	logger.Info("Private message", "from", from, "to", target, "content", body)
	return nil
}

func userError(format string, args ...any) error {
	return &protocol.ValidationError{Message: fmt.Sprintf(format, args...)}
}
