package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/forge/bridge/pkg/logging"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "debug", "json").With("component", "test")

	ctx := logging.ContextAttrs(context.Background(), slog.String("session_id", "abc"))
	ctx = logging.ContextAttrs(ctx, slog.String("provider", "unsloth"))
	logger.DebugContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "abc", rec["session_id"])
	require.Equal(t, "unsloth", rec["provider"])
	require.Equal(t, "test", rec["component"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "warn", "text")
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")

	require.Equal(t, slog.LevelInfo, logging.ParseLevel("bogus"))
	require.Equal(t, slog.LevelError, logging.ParseLevel("ERROR"))
}
