package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	orchestrationCtxKey struct{}
	sessionCtxKey       struct{}
	debateCtxKey        struct{}
	requestCtxKey       struct{}
	loggerCtxKey        struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := OrchestrationIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("orchestration.id", id))
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id := DebateIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("debate.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

func stringValue(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithOrchestrationID adds the orchestration id to ctx.
func WithOrchestrationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, orchestrationCtxKey{}, id)
}

// OrchestrationIDFromContext returns the orchestration id, or "".
func OrchestrationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, orchestrationCtxKey{})
}

// WithSessionID adds the agent session id to ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext returns the session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	return stringValue(ctx, sessionCtxKey{})
}

// WithDebateID adds the debate room id to ctx.
func WithDebateID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, debateCtxKey{}, id)
}

// DebateIDFromContext returns the debate id, or "".
func DebateIDFromContext(ctx context.Context) string {
	return stringValue(ctx, debateCtxKey{})
}

// WithRequestID adds a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
