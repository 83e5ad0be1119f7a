package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONFile(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := New(Config{Level: "info", Dir: tmpDir, Filename: "call.log"})
	require.NoError(t, err)
	defer logger.Close()

	logger.InfoTag("ASR", "connected to %s", "wss://example")

	content, err := os.ReadFile(filepath.Join(tmpDir, "call.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "[ASR] connected to wss://example")
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn")

	logger.Info("hidden")
	logger.Debug("hidden too")
	logger.Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestLogger_StructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug")

	logger.Info("turn stored", map[string]any{"session": "s-1", "role": "user"})

	out := buf.String()
	assert.Contains(t, out, "role=user")
	assert.Contains(t, out, "session=s-1")
}

func TestFormatLog(t *testing.T) {
	tests := []struct {
		tag, msg, want string
	}{
		{"LLM", "stream started", "[LLM] stream started"},
		{"", "plain", "plain"},
		{"TTS", "[TTS] already tagged", "[TTS] already tagged"},
		{" 通话 ", " state changed ", "[通话] state changed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatLog(tt.tag, tt.msg))
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	logger, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestLogger_CleanOld(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := New(Config{Dir: tmpDir, Filename: "server.log"})
	require.NoError(t, err)
	defer logger.Close()

	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	stale := filepath.Join(tmpDir, "server-2026-03-01.log")
	fresh := filepath.Join(tmpDir, "server-2026-03-18.log")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	logger.cleanOld(now)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestNilLogger_DoesNotPanic(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.InfoTag("ASR", "ignored")
		_ = logger.Slog()
	})
}
