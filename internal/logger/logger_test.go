package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HORUS_LOG_DIR", dir)
	t.Setenv("HORUS_LOG_LEVEL", "debug")

	require.NoError(t, InitLogger())
	assert.Equal(t, filepath.Join(dir, logFileName), CurrentLogPath())

	Info("session open epoch=%s", "e1")
	Debug("keepalive skipped")
	Close()

	b, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	out := string(b)
	assert.True(t, strings.Contains(out, "session open epoch=e1"), out)
	assert.True(t, strings.Contains(out, "keepalive skipped"), out)

	// Close 之后再写日志不应 panic
	Warn("after close")
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	t.Setenv("HORUS_LOG_DIR", t.TempDir())
	t.Setenv("HORUS_LOG_LEVEL", "loud")
	assert.Error(t, InitLogger())
}

func TestCleanupRotatedLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"client.1.log", "client.2.log", "client.3.log", "client.4.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	cleanupRotatedLogs(dir)
	matches, _ := filepath.Glob(filepath.Join(dir, "client.*.log"))
	assert.Len(t, matches, MaxRotatedFiles)
}
