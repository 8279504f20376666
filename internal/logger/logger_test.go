package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"msgingest/pkg/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
		{"info", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestNew(t *testing.T) {
	log, err := New("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewFromZap(zap.New(core))
	log.SetServiceName("ingestion-service")

	ctx := logging.WithMessageID(context.Background(), "m1")
	log.InfowCtx(ctx, "Message persisted", "queue", "messages")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "m1", fields["message_id"])
	assert.Equal(t, "ingestion-service", fields["service_name"])
	assert.Equal(t, "messages", fields["queue"])
}

func TestServiceNameFromContextWins(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewFromZap(zap.New(core))
	log.SetServiceName("default")

	ctx := logging.WithServiceName(context.Background(), "override")
	log.WarnwCtx(ctx, "warn")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "override", logs.All()[0].ContextMap()["service_name"])
}
