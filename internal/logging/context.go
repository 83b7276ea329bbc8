package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent names the subsystem emitting a record.
	FieldComponent = "component"
	// FieldScope carries the scope id a record concerns.
	FieldScope = "scope"
	// FieldQuery carries the text of the query being served.
	FieldQuery = "query"
	// FieldCorrelationID ties together records of one request.
	FieldCorrelationID = "correlation_id"
	// FieldSessionID identifies one daemon run.
	FieldSessionID = "session_id"
	// FieldEventType is a stable machine-readable name for the event.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the operator's next step.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags anomalies that should stand out.
	FieldAlert = "alert"
)

type contextKey int

const (
	scopeKey contextKey = iota
	correlationKey
)

// ContextWithScope records the scope id served under ctx.
func ContextWithScope(ctx context.Context, scopeID string) context.Context {
	return context.WithValue(ctx, scopeKey, scopeID)
}

// ContextWithCorrelationID records a request correlation id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// ContextFields extracts the standard attributes stored in ctx.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var fields []slog.Attr
	if id, ok := ctx.Value(scopeKey).(string); ok && id != "" {
		fields = append(fields, slog.String(FieldScope, id))
	}
	if id, ok := ctx.Value(correlationKey).(string); ok && id != "" {
		fields = append(fields, slog.String(FieldCorrelationID, id))
	}
	return fields
}

// WithContext returns logger augmented with the fields stored in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
