package slogger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
	}{
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"error level", "error", LevelError},
		{"uppercase", "DEBUG", LevelDebug},
		{"invalid level", "nope", DefaultLogLevel},
		{"empty string", "", DefaultLogLevel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, LevelFromString(tc.input))
		})
	}
}

func TestSlogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelDebug)

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	require.Contains(t, out, "debug message")
	require.Contains(t, out, "info message")
	require.Contains(t, out, "warn message")
	require.Contains(t, out, "error message")

	child := logger.With("invocation_id", "inv_123")
	require.NotNil(t, child)
	child.Info("child message")
	require.Contains(t, buf.String(), "inv_123")
}

func TestSloggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("also hidden")
	logger.Warn("visible")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "visible")
}

func TestDevNullLogger(t *testing.T) {
	logger := NewDevNullLogger()
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")

	withLogger := logger.With("context", "value")
	require.NotNil(t, withLogger)
	require.IsType(t, &DevNullLogger{}, withLogger)
}

func TestContextFunctions(t *testing.T) {
	logger := NewDevNullLogger()

	ctx := WithLogger(context.Background(), logger)
	require.Equal(t, Logger(logger), Ctx(ctx))

	// A context without a logger yields a default Slogger.
	require.IsType(t, &Slogger{}, Ctx(context.Background()))
}
