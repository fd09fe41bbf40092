package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func keepLogger(t *testing.T) {
	t.Helper()
	prev := logger.Load()
	t.Cleanup(func() { logger.Store(prev) })
}

func TestSetLoggerRoutesCalls(t *testing.T) {
	keepLogger(t)
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))

	Debug("d", zap.Int("n", 1))
	Info("i")
	Warn("w")
	Error("e")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(1), entries[0].ContextMap()["n"])
	assert.Equal(t, "e", entries[3].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.True(t, strings.HasSuffix(entries[0].Caller.File, "log_test.go"), entries[0].Caller.File)
}

func TestInitWritesToFile(t *testing.T) {
	keepLogger(t)
	path := filepath.Join(t.TempDir(), "client.log")
	require.NoError(t, Init("warn", false, path))

	Info("not written")
	Warn("relay write failed", zap.String("cause", "test"))
	Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "relay write failed")
	assert.Contains(t, out, `"cause":"test"`)
	assert.NotContains(t, out, "not written")
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	keepLogger(t)
	before := logger.Load()
	assert.Error(t, Init("loud", false))
	assert.Same(t, before, logger.Load())
}
