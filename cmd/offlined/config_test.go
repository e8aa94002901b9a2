package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: v5\nsync:\n  tag: sync-drafts\n"), 0o600))
	t.Setenv("OFFLINE_SERVER_PORT", "9300")

	out, err := run(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "version = v5\n")
	assert.Contains(t, out, "sync.tag = sync-drafts\n")
	assert.Contains(t, out, "server.port = 9300\n")

	out, err = run(t, "config", "sync", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "tag: sync-drafts")

	_, err = run(t, "config", "sync.nope", "--config", path)
	assert.Error(t, err)

	_, err = run(t, "config", "--config", filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
