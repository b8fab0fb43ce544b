package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	t.Run("valid_levels", func(t *testing.T) {
		for _, level := range []string{"none", "debug", "info", "warn", "error", "panic", "fatal"} {
			l, err := NewLogger("json", level)
			require.NoError(t, err, "level %s", level)
			require.NotNil(t, l)
		}
	})

	t.Run("text_format", func(t *testing.T) {
		l, err := NewLogger("text", "info")
		require.NoError(t, err)
		require.NotNil(t, l)
	})

	t.Run("unknown_level", func(t *testing.T) {
		_, err := NewLogger("json", "verbose")
		require.Error(t, err)
	})
}

func TestMustNewLogger(t *testing.T) {
	require.NotPanics(t, func() {
		MustNewLogger("json", "info")
	})
	require.Panics(t, func() {
		MustNewLogger("json", "verbose")
	})
}

func TestNewObserverLogger(t *testing.T) {
	l, logs := NewObserverLogger("debug")

	l.Info("hello", zap.String("k", "v"))
	l.Debug("world")

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	require.Equal(t, "hello", entries[0].Message)
	require.Equal(t, "v", entries[0].ContextMap()["k"])

	t.Run("invalid_level_falls_back_to_debug", func(t *testing.T) {
		l, logs := NewObserverLogger("nope")
		l.Debug("still recorded")
		require.Equal(t, 1, logs.Len())
	})
}

func TestNoopLoggerDiscards(t *testing.T) {
	l := NewNoopLogger()
	require.NotPanics(t, func() {
		l.Debug("a")
		l.Info("b")
		l.Warn("c")
		l.Error("d")
	})
}
