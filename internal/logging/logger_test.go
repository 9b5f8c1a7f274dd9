package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production", "")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", handler)
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development", "")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	logger := NewLogger("staging", "")

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "unknown env logger should use TextHandler")
}

func TestNewLogger_Production_InfoLevel(t *testing.T) {
	logger := NewLogger("production", "")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_Development_DebugLevel(t *testing.T) {
	logger := NewLogger("development", "")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_LevelOverride(t *testing.T) {
	tests := []struct {
		env     string
		level   string
		enabled slog.Level
		blocked slog.Level
	}{
		{"production", "debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"development", "warn", slog.LevelWarn, slog.LevelInfo},
		{"development", "ERROR", slog.LevelError, slog.LevelWarn},
	}
	for _, tt := range tests {
		logger := NewLogger(tt.env, tt.level)
		assert.True(t, logger.Handler().Enabled(context.Background(), tt.enabled), "%s/%s", tt.env, tt.level)
		assert.False(t, logger.Handler().Enabled(context.Background(), tt.blocked), "%s/%s", tt.env, tt.level)
	}
}

func TestNewLogger_InvalidLevelKeepsDefault(t *testing.T) {
	logger := NewLogger("production", "verbose")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger(&buf, "production", "")
	logger.Info("hello", slog.String("session_id", "abc"))

	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"session_id":"abc"`)
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	require.NotNil(t, logger)
	logger.Info("dropped")
}
