package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runCtxKey struct{}
type callerCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := CallerIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("caller.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithRunID tags ctx with a pipeline run ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run ID or "".
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithCallerID tags ctx with the authenticated caller.
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, callerID)
}

// CallerIDFromContext returns the caller ID or "".
func CallerIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(callerCtxKey{}).(string)
	return s
}

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
