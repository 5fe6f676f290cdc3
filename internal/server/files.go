package server

import (
	"fmt"
	"strings"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// File transfer modes used in metrics.
const (
	fileModePrivate = "private"
	fileModeRoom    = "room"
)

// fileDestination is the resolved recipient of an attachment: either one
// session or a room.
type fileDestination struct {
	target *Session
	name   string
	room   string
}

func (d fileDestination) mode() string {
	if d.target != nil {
		return fileModePrivate
	}
	return fileModeRoom
}

// handleFile validates, persists and relays an attachment. Nothing is stored
// or relayed unless every check passes.
func (s *Server) handleFile(sess *Session, cmd protocol.Command) error {
	mode := fileModeRoom
	if cmd.IsPrivate {
		mode = fileModePrivate
	}

	data, dest, err := s.prepareFile(sess, cmd)
	if err != nil {
		metrics.FileTransfer(s.metrics, mode, metrics.OutcomeRejected, 0)
		return err
	}

	sender := sess.Nickname()
	filename := cmd.FileData.Filename
	stamp := protocol.FileStamp(s.now())

	stored := protocol.StoredName(stamp, sender, filename)
	if err := s.store.Save(s.ctx, stored, data); err != nil {
		metrics.FileTransfer(s.metrics, mode, metrics.OutcomeError, 0)
		logger.Error("Failed to store file", append(sess.logAttrs(), "file", stored, "store", s.store.String(), "error", err)...)
		return userError("Failed to store file!")
	}

	info := &protocol.FileInfo{
		Filename:  filename,
		Size:      int64(len(data)),
		Sender:    sender,
		FileID:    protocol.FileID(sender, filename, stamp),
		Timestamp: stamp,
	}

	if dest.target != nil {
		s.relayPrivateFile(sess, dest, info, cmd.FileData.Content)
	} else {
		s.relayRoomFile(sess, dest, info, cmd.FileData.Content)
	}

	metrics.FileTransfer(s.metrics, dest.mode(), metrics.OutcomeOK, info.Size)
	logger.Info("File relayed", append(sess.logAttrs(),
		"mode", dest.mode(), "file", stored, "size", info.Size, "target", dest.name, "room", dest.room)...)
	return nil
}

// prepareFile runs every check that can reject an attachment and returns the
// decoded content and its destination.
func (s *Server) prepareFile(sess *Session, cmd protocol.Command) ([]byte, fileDestination, error) {
	fd := cmd.FileData
	if fd == nil {
		return nil, fileDestination{}, userError("Invalid file data!")
	}

	max := s.cfg.MaxFileSize.Int64()
	if err := protocol.ValidateFile(fd.Filename, fd.Size, max); err != nil {
		return nil, fileDestination{}, err
	}

	data, err := protocol.DecodeFileContent(fd.Content)
	if err != nil {
		return nil, fileDestination{}, err
	}
	if int64(len(data)) > max {
		return nil, fileDestination{}, protocol.TooLarge(max)
	}
	if int64(len(data)) != fd.Size {
		return nil, fileDestination{}, userError("File size mismatch!")
	}

	dest, err := s.resolveFileDestination(sess, cmd)
	if err != nil {
		return nil, fileDestination{}, err
	}
	return data, dest, nil
}

func (s *Server) resolveFileDestination(sess *Session, cmd protocol.Command) (fileDestination, error) {
	target := strings.TrimSpace(cmd.Target)

	if cmd.IsPrivate {
		to, ok := s.dir.Lookup(target)
		if !ok {
			return fileDestination{}, userError("User %s not found!", target)
		}
		return fileDestination{target: to, name: target}, nil
	}

	current := s.dir.RoomOf(sess)
	room := target
	if room == "" {
		room = current
	}
	if room == "" {
		return fileDestination{}, userError("You must join a room first!")
	}
	if room != current {
		return fileDestination{}, userError("You must be in room %s to send files there!", room)
	}
	return fileDestination{room: room}, nil
}

func (s *Server) relayPrivateFile(sess *Session, dest fileDestination, info *protocol.FileInfo, content string) {
	received := s.event(protocol.EventFileReceived, fmt.Sprintf("Private file from %s: %s", info.Sender, info.Filename)).WithPrivate(true)
	received.FileInfo = info
	received.FileContent = content
	s.deliver(dest.target, received, deliveryPrivate)

	sent := s.event(protocol.EventFileSent, fmt.Sprintf("File %s sent to %s", info.Filename, dest.name))
	sent.FileInfo = info
	s.deliver(sess, sent, deliveryReply)
}

func (s *Server) relayRoomFile(sess *Session, dest fileDestination, info *protocol.FileInfo, content string) {
	received := s.event(protocol.EventFileReceived, fmt.Sprintf("%s shared a file: %s", info.Sender, info.Filename)).WithPrivate(false)
	received.FileInfo = info
	received.FileContent = content
	s.broadcastToRoom(dest.room, received, sess)

	sent := s.event(protocol.EventFileSent, fmt.Sprintf("File %s sent to room %s", info.Filename, dest.room))
	sent.FileInfo = info
	s.deliver(sess, sent, deliveryReply)
}
