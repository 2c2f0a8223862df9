package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New("warn", "json")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.InfoLevel))
	require.True(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = New("nonsense", "text")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zap.InfoLevel))
	require.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestGocronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGocronLogger(zap.New(core))

	l.Info("job ran", "name", "expire-client-tokens", "runs", 3)
	l.Error("job failed", "error", errors.New("boom"), "dangling")
	l.Debug("tick")
	l.Warn("late", 42, "value")

	entries := logs.All()
	require.Len(t, entries, 4)

	require.Equal(t, "job ran", entries[0].Message)
	require.Equal(t, "scheduler", entries[0].LoggerName)
	require.Equal(t, "expire-client-tokens", entries[0].ContextMap()["name"])
	require.EqualValues(t, 3, entries[0].ContextMap()["runs"])

	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
	require.Equal(t, "dangling", entries[1].ContextMap()["extra"])

	require.Equal(t, "value", entries[3].ContextMap()["42"])
}
