//go:build unit

package zap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	logpkg "github.com/veridianlabs/lib-txn/txn/log"
)

func observedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	atomicLevel := zap.NewAtomicLevelAt(level)

	return &Logger{
		logger:      zap.New(core),
		atomicLevel: atomicLevel,
	}, logs
}

func TestNew_LevelParsing(t *testing.T) {
	t.Parallel()

	logger, err := New("debug")
	require.NoError(t, err)
	require.True(t, logger.Enabled(logpkg.LevelDebug))

	logger, err = New("error")
	require.NoError(t, err)
	require.False(t, logger.Enabled(logpkg.LevelWarn))
	require.True(t, logger.Enabled(logpkg.LevelError))

	// Unknown levels fall back to info instead of failing startup.
	logger, err = New("chatty")
	require.NoError(t, err)
	require.True(t, logger.Enabled(logpkg.LevelInfo))
	require.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestLogger_MapsLevelsAndFields(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelWarn, "lease expired",
		logpkg.String("owner", "worker-1"),
		logpkg.Int("attempts", 3),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "lease expired", entries[0].Message)

	fields := entries[0].ContextMap()
	require.Equal(t, "worker-1", fields["owner"])
	require.EqualValues(t, 3, fields["attempts"])
}

func TestLogger_WithAddsPersistentFields(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "outbox"))
	child.Log(context.Background(), logpkg.LevelInfo, "tick")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "outbox", entries[0].ContextMap()["component"])
}

func TestLogger_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	logger.Log(context.Background(), logpkg.LevelError, "dropped")
	require.False(t, logger.Enabled(logpkg.LevelError))
}

func TestLogger_SyncHonorsContext(t *testing.T) {
	t.Parallel()

	logger, _ := observedLogger(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, logger.Sync(ctx), context.Canceled)
	require.NoError(t, logger.Sync(context.Background()))
}
