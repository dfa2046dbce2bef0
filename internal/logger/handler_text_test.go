package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorTextHandlerFormatsLine(t *testing.T) {
	buf := new(bytes.Buffer)
	h := NewColorTextHandler(buf, slog.LevelDebug, false)
	l := slog.New(h)

	l.Info("device online", "device_id", "dev-1", "attempts", int64(3), "ok", true)

	line := buf.String()
	assert.Contains(t, line, "[INFO] device online")
	assert.Contains(t, line, "device_id=dev-1")
	assert.Contains(t, line, "attempts=3")
	assert.Contains(t, line, "ok=true")
	assert.NotContains(t, line, "\033[", "color disabled")
}

func TestColorTextHandlerLevelGate(t *testing.T) {
	buf := new(bytes.Buffer)
	h := NewColorTextHandler(buf, slog.LevelWarn, false)

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))

	// nil level defaults to info
	h = NewColorTextHandler(buf, nil, false)
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}

func TestColorTextHandlerGroupsFlatten(t *testing.T) {
	buf := new(bytes.Buffer)
	l := slog.New(NewColorTextHandler(buf, slog.LevelDebug, false))

	l.WithGroup("gateway").Info("frame handled", "session_id", "s-1")
	require.Contains(t, buf.String(), "gateway.session_id=s-1")

	buf.Reset()
	l.Info("frame handled", slog.Group("limits", slog.Int("cap", 80)))
	require.Contains(t, buf.String(), "limits.cap=80")
}

func TestColorTextHandlerWithAttrsPrepends(t *testing.T) {
	buf := new(bytes.Buffer)
	l := slog.New(NewColorTextHandler(buf, slog.LevelDebug, false))

	l.With("component", "registry").Warn("device connect attempt failed", "attempt", 2)

	line := buf.String()
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "component=registry")
	assert.Contains(t, line, "attempt=2")
}
