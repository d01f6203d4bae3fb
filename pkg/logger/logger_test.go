package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	log := New(Config{
		Environment: "test",
		LogLevel:    "debug",
		ServiceName: "governance",
	})
	assert.NotNil(t, log)
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(&buf),
		zapcore.InfoLevel,
	)
	log := zap.New(core)

	log.Info("test message",
		zap.String("key1", "value1"),
		zap.Int("key2", 42),
	)

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "test message", logEntry["msg"])
	assert.Equal(t, "info", logEntry["level"])
	assert.Equal(t, "value1", logEntry["key1"])
	assert.Equal(t, float64(42), logEntry["key2"]) // JSON numbers are float64
	assert.Contains(t, logEntry, "ts")
}

func TestComponentContext(t *testing.T) {
	base := zap.NewNop()

	ctx := WithContext(context.Background(), "diversity-monitor")
	withComponent := FromContext(ctx, base)
	assert.NotNil(t, withComponent)

	// Empty component leaves the context untouched.
	unchanged := WithContext(context.Background(), "")
	assert.Equal(t, context.Background(), unchanged)
	assert.Equal(t, base, FromContext(unchanged, base))
}
