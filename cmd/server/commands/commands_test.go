package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	t.Cleanup(func() {
		root.SetArgs(nil)
		root.SetOut(nil)
		root.SetErr(nil)
		cfgFile = ""
	})

	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	Version, Commit, Date = "1.2.3", "abc123", "2024-03-05"
	t.Cleanup(func() { Version, Commit, Date = "dev", "none", "unknown" })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "relaychat 1.2.3 (commit abc123, built 2024-03-05)\n", out)
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_file_size: 1Mi\nstorage:\n  type: memory\n"), 0o600))

	out, err := execute(t, "config", "show", "--config", path, "--listen", "127.0.0.1:7000")
	require.NoError(t, err)

	assert.Contains(t, out, "127.0.0.1:7000")
	assert.Contains(t, out, "max_file_size: 1Mi")
	assert.Contains(t, out, "type: memory")
}

func TestConfigShowMissingFile(t *testing.T) {
	_, err := execute(t, "config", "show", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
