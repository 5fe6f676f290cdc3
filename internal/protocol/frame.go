// Package protocol implements the relay wire format: 4-byte big-endian length
// prefixed frames carrying UTF-8 JSON envelopes, plus the command parsing and
// file validation rules shared by every transport.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame length prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize bounds a single inbound frame. Base64 inflates file
// payloads by 4/3; the limit leaves room for attachments somewhat over the
// file size limit so they are rejected with an error rather than a dropped
// connection.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrDisconnected is returned when the peer closes the connection before
	// or during a frame.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrFrameTooLarge is returned when the announced frame length exceeds
	// the configured limit. The stream cannot be resynchronized afterwards.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ReadFrame reads one length-prefixed frame from r. A max of zero disables
// the size check.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, classifyReadError(err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if max > 0 && n > max {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, max)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, classifyReadError(err)
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func classifyReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrDisconnected
	}
	return fmt.Errorf("read frame: %w", err)
}
