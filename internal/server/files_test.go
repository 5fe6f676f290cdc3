package server

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/storage"
)

type failingStore struct{}

func (failingStore) Save(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingStore) Close() error                                { return nil }
func (failingStore) String() string                              { return "failing" }

func newFileServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(testConfig(), store, WithClock(fixedClock())), store
}

func TestFilePrivateDelivery(t *testing.T) {
	srv, store := newFileServer(t)
	alice, aliceTr := activeSession(t, srv, "alice")
	_, bobTr := activeSession(t, srv, "bob")

	data := []byte("0123456789")
	c := fileCommand("notes.txt", data)
	c.IsPrivate = true
	c.Target = "bob"
	srv.dispatch(alice, c)

	bobEvents := bobTr.events(t)
	require.Len(t, bobEvents, 1)
	got := bobEvents[0]
	assert.Equal(t, protocol.EventFileReceived, got.Type)
	assert.Equal(t, "Private file from alice: notes.txt", got.Content)
	assert.True(t, got.Private())
	require.NotNil(t, got.FileInfo)
	assert.Equal(t, protocol.FileInfo{
		Filename:  "notes.txt",
		Size:      10,
		Sender:    "alice",
		FileID:    "alice_notes.txt_20240305_140709",
		Timestamp: "20240305_140709",
	}, *got.FileInfo)
	decoded, err := protocol.DecodeFileContent(got.FileContent)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)

	aliceEvents := aliceTr.events(t)
	require.Len(t, aliceEvents, 1)
	assert.Equal(t, protocol.EventFileSent, aliceEvents[0].Type)
	assert.Equal(t, "File notes.txt sent to bob", aliceEvents[0].Content)
	assert.NotNil(t, aliceEvents[0].FileInfo)
	assert.Empty(t, aliceEvents[0].FileContent)

	stored, ok := store.Get("20240305_140709_alice_notes.txt")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestFileRoomDelivery(t *testing.T) {
	srv, store := newFileServer(t)
	alice, aliceTr := activeSession(t, srv, "alice")
	bob, bobTr := activeSession(t, srv, "bob")
	_, carolTr := activeSession(t, srv, "carol")
	srv.dir.Join(alice, "general")
	srv.dir.Join(bob, "general")

	srv.dispatch(alice, fileCommand("photo.PNG", []byte{0x89, 'P', 'N', 'G'}))

	bobEvents := bobTr.events(t)
	require.Len(t, bobEvents, 1)
	assert.Equal(t, "alice shared a file: photo.PNG", bobEvents[0].Content)
	require.NotNil(t, bobEvents[0].IsPrivate)
	assert.False(t, *bobEvents[0].IsPrivate)

	assert.Equal(t, []string{"FILE_SENT File photo.PNG sent to room general"}, contents(aliceTr.events(t)))
	assert.Empty(t, carolTr.events(t))
	assert.Equal(t, []string{"20240305_140709_alice_photo.PNG"}, store.Names())
}

func TestFileRejections(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 5*1024*1024+1)

	tests := []struct {
		name   string
		setup  func(srv *Server, alice *Session)
		cmd    func() protocol.Command
		reason string
	}{
		{
			name:   "missing file data",
			cmd:    func() protocol.Command { return protocol.Command{Kind: protocol.CmdFile} },
			reason: "Invalid file data!",
		},
		{
			name:   "empty filename",
			cmd:    func() protocol.Command { return fileCommand("", []byte("x")) },
			reason: "Filename cannot be empty!",
		},
		{
			name:   "path traversal",
			cmd:    func() protocol.Command { return fileCommand("../etc/passwd.txt", []byte("x")) },
			reason: "Invalid filename!",
		},
		{
			name:   "extension not allowed",
			cmd:    func() protocol.Command { return fileCommand("run.exe", []byte("x")) },
			reason: "File type not allowed: .exe",
		},
		{
			name: "declared size too large",
			cmd: func() protocol.Command {
				c := fileCommand("big.txt", []byte("x"))
				c.FileData.Size = 6 * 1024 * 1024
				return c
			},
			reason: "File too large! Maximum size is 5MB",
		},
		{
			name: "decoded size too large",
			cmd: func() protocol.Command {
				c := fileCommand("big.txt", big)
				c.FileData.Size = 10
				return c
			},
			reason: "File too large! Maximum size is 5MB",
		},
		{
			name: "invalid base64",
			cmd: func() protocol.Command {
				c := fileCommand("a.txt", []byte("x"))
				c.FileData.Content = "!!!"
				return c
			},
			reason: "Invalid file data!",
		},
		{
			name: "size mismatch",
			cmd: func() protocol.Command {
				c := fileCommand("a.txt", []byte("abc"))
				c.FileData.Size = 4
				return c
			},
			reason: "File size mismatch!",
		},
		{
			name: "unknown private target",
			cmd: func() protocol.Command {
				c := fileCommand("a.txt", []byte("abc"))
				c.IsPrivate = true
				c.Target = "bob"
				return c
			},
			reason: "User bob not found!",
		},
		{
			name:   "no room",
			cmd:    func() protocol.Command { return fileCommand("a.txt", []byte("abc")) },
			reason: "You must join a room first!",
		},
		{
			name:  "wrong room",
			setup: func(srv *Server, alice *Session) { srv.dir.Join(alice, "general") },
			cmd: func() protocol.Command {
				c := fileCommand("a.txt", []byte("abc"))
				c.Target = "random"
				return c
			},
			reason: "You must be in room random to send files there!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := newFileServer(t)
			alice, aliceTr := activeSession(t, srv, "alice")
			if tt.setup != nil {
				tt.setup(srv, alice)
			}

			srv.dispatch(alice, tt.cmd())

			assert.Equal(t, []string{"ERROR " + tt.reason}, contents(aliceTr.events(t)))
			assert.Empty(t, store.Names())
		})
	}
}

func TestFileStoreFailure(t *testing.T) {
	srv := New(testConfig(), failingStore{}, WithClock(fixedClock()))
	alice, aliceTr := activeSession(t, srv, "alice")
	bob, bobTr := activeSession(t, srv, "bob")
	srv.dir.Join(alice, "general")
	srv.dir.Join(bob, "general")

	srv.dispatch(alice, fileCommand("a.txt", []byte("abc")))

	assert.Equal(t, []string{"ERROR Failed to store file!"}, contents(aliceTr.events(t)))
	assert.Empty(t, bobTr.events(t))
}

func TestFileSenderWithPathSeparator(t *testing.T) {
	srv, store := newFileServer(t)
	sender, senderTr := activeSession(t, srv, "a/b")
	_, bobTr := activeSession(t, srv, "bob")

	c := fileCommand("notes.txt", []byte("0123456789"))
	c.IsPrivate = true
	c.Target = "bob"
	srv.dispatch(sender, c)

	assert.Equal(t, []string{"FILE_SENT File notes.txt sent to bob"}, contents(senderTr.events(t)))
	assert.Equal(t, []string{"FILE_RECEIVED Private file from a/b: notes.txt"}, contents(bobTr.events(t)))
	assert.Equal(t, []string{"20240305_140709_a_b_notes.txt"}, store.Names())
}
