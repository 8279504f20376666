package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithMessageID(ctx, "m1")
	ctx = WithDeliveryTag(ctx, 42)
	ctx = WithServiceName(ctx, "ingestion-service")

	assert.Equal(t, []interface{}{
		"trace_id", "trace-1",
		"message_id", "m1",
		"delivery_tag", uint64(42),
		"service_name", "ingestion-service",
	}, GetLogFields(ctx))
}

func TestContextKeysDoNotCollideWithStrings(t *testing.T) {
	ctx := context.WithValue(context.Background(), MessageIDKey, "plain-string-key") //nolint:staticcheck
	assert.Equal(t, "", GetMessageID(ctx))
}

func TestEarlyLog(t *testing.T) {
	var out, errOut bytes.Buffer
	l := &EarlyLog{out: &out, err: &errOut}

	l.Info("loading %s", "config.yaml")
	l.Error("failed: %v", "boom")

	assert.Equal(t, "INFO: loading config.yaml\n", out.String())
	assert.Equal(t, "ERROR: failed: boom\n", errOut.String())
}
