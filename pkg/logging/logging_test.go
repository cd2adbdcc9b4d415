package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	require.NoError(t, Init(nil))
	require.NoError(t, Init(&Config{Level: "DEBUG", Format: "json"}))
	assert.True(t, Logger().Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, Init(&Config{Level: "loud", Format: "console"}))
	assert.Error(t, Init(&Config{Level: "info", Format: "xml"}))
}

func TestPackageFunctionsUseInstalledLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Debug("hidden")
	Info("attached", zap.String("worker", "/tmp/w.sock"))
	Warn("slow", zap.Int("inflight", 2))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "attached", entries[0].Message)
	assert.Equal(t, "/tmp/w.sock", entries[0].ContextMap()["worker"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}
