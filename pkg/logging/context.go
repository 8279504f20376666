package logging

import (
	"context"
)

const (
	TraceIDKey     = "trace_id"
	MessageIDKey   = "message_id"
	ServiceNameKey = "service_name"
	DeliveryTagKey = "delivery_tag"
)

type ctxKey string

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey(TraceIDKey), traceID)
}

// WithMessageID stores the producer-assigned logical id of the message.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, ctxKey(MessageIDKey), messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ctxKey(ServiceNameKey), serviceName)
}

func WithDeliveryTag(ctx context.Context, tag uint64) context.Context {
	return context.WithValue(ctx, ctxKey(DeliveryTagKey), tag)
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey(TraceIDKey)).(string); ok {
		return traceID
	}
	return ""
}

func GetMessageID(ctx context.Context) string {
	if messageID, ok := ctx.Value(ctxKey(MessageIDKey)).(string); ok {
		return messageID
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ctxKey(ServiceNameKey)).(string); ok {
		return serviceName
	}
	return ""
}

func GetDeliveryTag(ctx context.Context) (uint64, bool) {
	tag, ok := ctx.Value(ctxKey(DeliveryTagKey)).(uint64)
	return tag, ok
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	if traceID := GetTraceID(ctx); traceID != "" {
		fields = append(fields, TraceIDKey, traceID)
	}

	if messageID := GetMessageID(ctx); messageID != "" {
		fields = append(fields, MessageIDKey, messageID)
	}

	if tag, ok := GetDeliveryTag(ctx); ok {
		fields = append(fields, DeliveryTagKey, tag)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, ServiceNameKey, serviceName)
	}

	return fields
}
