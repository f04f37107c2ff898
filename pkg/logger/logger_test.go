package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithoutContext(t *testing.T) {
	for _, tc := range []struct {
		name          string
		expectedLevel zapcore.Level
	}{
		{name: "Info", expectedLevel: zapcore.InfoLevel},
		{name: "Debug", expectedLevel: zapcore.DebugLevel},
		{name: "Warn", expectedLevel: zapcore.WarnLevel},
		{name: "Error", expectedLevel: zapcore.ErrorLevel},
	} {
		observerLogger, logs := observer.New(zap.DebugLevel)
		dut := ZapLogger{zap.New(observerLogger)}
		const testMessage = "ABC"
		switch tc.name {
		case "Info":
			dut.Info(testMessage)
		case "Debug":
			dut.Debug(testMessage)
		case "Warn":
			dut.Warn(testMessage)
		case "Error":
			dut.Error(testMessage)
		default:
			t.Errorf("%s: Unknown name", tc.name)
		}
		require.Equal(t, 1, logs.Len())

		actualMessage := logs.All()[0]
		require.Equal(t, testMessage, actualMessage.Message)
		require.Equal(t, map[string]interface{}{}, actualMessage.ContextMap())
		require.Equal(t, tc.expectedLevel, actualMessage.Level)
	}
}

func TestWithContext(t *testing.T) {
	for _, tc := range []struct {
		name          string
		expectedLevel zapcore.Level
	}{
		{name: "InfoWithContext", expectedLevel: zapcore.InfoLevel},
		{name: "DebugWithContext", expectedLevel: zapcore.DebugLevel},
		{name: "WarnWithContext", expectedLevel: zapcore.WarnLevel},
		{name: "ErrorWithContext", expectedLevel: zapcore.ErrorLevel},
	} {
		observerLogger, logs := observer.New(zap.DebugLevel)
		dut := ZapLogger{zap.New(observerLogger)}

		ctx := ContextWithFields(context.Background(), zap.String("request_id", "abc"))
		ctx = ContextWithFields(ctx, zap.String("function", "todos:list"))

		const testMessage = "ABC"
		switch tc.name {
		case "InfoWithContext":
			dut.InfoWithContext(ctx, testMessage, zap.Int("n", 1))
		case "DebugWithContext":
			dut.DebugWithContext(ctx, testMessage, zap.Int("n", 1))
		case "WarnWithContext":
			dut.WarnWithContext(ctx, testMessage, zap.Int("n", 1))
		case "ErrorWithContext":
			dut.ErrorWithContext(ctx, testMessage, zap.Int("n", 1))
		default:
			t.Errorf("%s: Unknown name", tc.name)
		}
		require.Equal(t, 1, logs.Len())

		actualMessage := logs.All()[0]
		require.Equal(t, testMessage, actualMessage.Message)
		require.Equal(t, map[string]interface{}{
			"request_id": "abc",
			"function":   "todos:list",
			"n":          int64(1),
		}, actualMessage.ContextMap())
		require.Equal(t, tc.expectedLevel, actualMessage.Level)
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("none_level_is_noop", func(t *testing.T) {
		l, err := NewLogger("json", "none")
		require.NoError(t, err)
		require.NotNil(t, l)
	})

	t.Run("unknown_level", func(t *testing.T) {
		_, err := NewLogger("json", "verbose")
		require.ErrorContains(t, err, "unknown log level")
	})

	t.Run("text_format", func(t *testing.T) {
		l, err := NewLogger("text", "debug")
		require.NoError(t, err)
		require.NotNil(t, l.Logger)
	})
}
