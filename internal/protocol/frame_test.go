package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWriteFrameLayout verifies the 4-byte big-endian prefix followed by the
// payload bytes.
func TestWriteFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("alice")))

	raw := buf.Bytes()
	require.Len(t, raw, HeaderSize+5)
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(raw[:HeaderSize]))
	assert.Equal(t, "alice", string(raw[HeaderSize:]))
}

// countingWriter records how many Write calls were made.
type countingWriter struct {
	bytes.Buffer
	calls int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.calls++
	return w.Buffer.Write(p)
}

func TestWriteFrameSingleWrite(t *testing.T) {
	w := &countingWriter{}
	require.NoError(t, WriteFrame(w, []byte(`{"type":"ERROR"}`)))
	assert.Equal(t, 1, w.calls)
}

func TestReadFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"ascii", []byte(`{"command":"LIST"}`)},
		{"utf8", []byte("héllo wörld")},
		{"large", bytes.Repeat([]byte("x"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tt.payload))

			got, err := ReadFrame(&buf, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

// TestReadFrameShortReads verifies that frames delivered one byte at a time
// are reassembled.
func TestReadFrameShortReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("fragmented payload")))

	got, err := ReadFrame(iotest.OneByteReader(&buf), 0)
	require.NoError(t, err)
	assert.Equal(t, "fragmented payload", string(got))
}

func TestReadFrameDisconnect(t *testing.T) {
	t.Run("before header", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil), 0)
		assert.ErrorIs(t, err, ErrDisconnected)
	})

	t.Run("mid header", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
		assert.ErrorIs(t, err, ErrDisconnected)
	})

	t.Run("mid payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, []byte("truncated")))
		partial := buf.Bytes()[:HeaderSize+3]

		_, err := ReadFrame(bytes.NewReader(partial), 0)
		assert.ErrorIs(t, err, ErrDisconnected)
	})
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte("a"), 100)))

	_, err := ReadFrame(&buf, 99)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameOtherErrors(t *testing.T) {
	boom := io.ErrClosedPipe
	_, err := ReadFrame(iotest.ErrReader(boom), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDisconnected)
}

// TestConnTransportConcurrentWriters verifies that frames written from many
// goroutines arrive intact on the other end.
func TestConnTransportConcurrentWriters(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	server := NewConnTransport(serverConn, 0)
	client := NewConnTransport(clientConn, 0)
	defer server.Close()
	defer client.Close()

	const writers = 8
	const perWriter = 20
	payload := bytes.Repeat([]byte("z"), 300)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, server.WriteFrame(payload))
			}
		}()
	}

	for i := 0; i < writers*perWriter; i++ {
		got, err := client.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
	wg.Wait()
}

func TestConnTransportCloseIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	tr := NewConnTransport(a, 0)
	first := tr.Close()
	assert.Equal(t, first, tr.Close())

	_, err := tr.ReadFrame()
	assert.Error(t, err)
	assert.Equal(t, "pipe", tr.RemoteAddr())
}

// TestConnTransportWriteDeadlineUnblocksWriter verifies that a deadline set
// while a write is stuck on a peer that never reads releases the writer.
func TestConnTransportWriteDeadlineUnblocksWriter(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tr := NewConnTransport(a, 0)
	errCh := make(chan error, 1)
	go func() { errCh <- tr.WriteFrame([]byte("nobody reads this")) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.SetWriteDeadline(time.Now()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("write was not released by the deadline")
	}
}
