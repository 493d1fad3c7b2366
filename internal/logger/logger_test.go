package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
)

func TestContextHandlerAddsSessionAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&contextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx, id := NewSession(context.Background())
	ctx = WithSymbol(ctx, "BTCUSDT")
	ctx = WithInterval(ctx, "1m")

	logger.InfoContext(ctx, "page fetched", "rows", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, id, record["session_id"])
	assert.Equal(t, "BTCUSDT", record["symbol"])
	assert.Equal(t, "1m", record["interval"])
	assert.Equal(t, float64(3), record["rows"])
	assert.NotContains(t, record, "operation")
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetSessionID(ctx))
	assert.Empty(t, GetSymbol(ctx))

	ctx, id := NewSession(ctx)
	assert.Len(t, id, 36)
	assert.Equal(t, id, GetSessionID(ctx))
	assert.Equal(t, "ETHUSDT", GetSymbol(WithSymbol(ctx, "ETHUSDT")))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("unknown"))
}

func TestNewLoggerManagerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fetcher.log")
	lm, err := NewLoggerManager(config.LoggingConfig{
		Level:         "info",
		Format:        "json",
		Output:        "file",
		FilePath:      path,
		MaxSize:       1,
		ContextFields: map[string]string{"service": "test"},
	})
	require.NoError(t, err)

	cl := lm.GetComponentLogger("cache")
	assert.Equal(t, "cache", cl.Component())
	assert.Same(t, cl.Logger, lm.GetComponentLogger("cache").Logger)

	cl.ErrorWithContext(WithSymbol(context.Background(), "BTCUSDT"), "save failed", errors.New("disk full"))
	require.NoError(t, lm.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "cache", record["component"])
	assert.Equal(t, "test", record["service"])
	assert.Equal(t, "BTCUSDT", record["symbol"])
	assert.Equal(t, "disk full", record["error"])
}

func TestNewLoggerManagerRejectsBadOutput(t *testing.T) {
	_, err := NewLoggerManager(config.LoggingConfig{Output: "file"})
	assert.Error(t, err)

	_, err = NewLoggerManager(config.LoggingConfig{Output: "syslog"})
	assert.Error(t, err)
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	cl := &ComponentLogger{Logger: slog.New(&contextHandler{Handler: slog.NewJSONHandler(&buf, nil)}), component: "fetcher"}

	boom := errors.New("boom")
	err := cl.LogOperation(context.Background(), "fetch_candles", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), `"operation":"fetch_candles"`)
	assert.Contains(t, buf.String(), "operation failed")
}
