package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := resetLogger(t)

	Debug("hidden debug")
	Info("visible info", "nickname", "alice")

	out := buf.String()
	assert.NotContains(t, out, "hidden debug")
	assert.Contains(t, out, "visible info")
	assert.Contains(t, out, "nickname=alice")

	SetLevel("debug")
	Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
	assert.Equal(t, LevelDebug, CurrentLevel())
}

func TestInvalidLevelIgnored(t *testing.T) {
	resetLogger(t)
	SetLevel("WARN")
	SetLevel("chatty")
	assert.Equal(t, LevelWarn, CurrentLevel())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	t.Cleanup(func() { SetFormat("text") })

	Warn("room pruned", "room", "general")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "room pruned", entry["msg"])
	assert.Equal(t, "general", entry["room"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestInitWithFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
	t.Cleanup(func() { resetLogger(t) })

	Error("write failed", "error", "broken pipe")
	assert.FileExists(t, path)
}

func TestWith(t *testing.T) {
	buf := resetLogger(t)
	With("session", "abc").Info("bound")
	assert.Contains(t, buf.String(), "session=abc")
}
