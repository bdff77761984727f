// Package audit records every mutating action with actor and resource
// context. Entries are structured zap events so they can be shipped alongside
// regular service logs.
package audit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"equiduty.org/internal/auth"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder writes audit events through a zap logger.
type Recorder struct {
	log *zap.Logger
}

// NewRecorder wraps the given logger. A nil logger yields a no-op recorder.
func NewRecorder(log *zap.Logger) *Recorder {
	return &Recorder{log: log}
}

// Record emits one audit event enriched with request and actor context.
func (r *Recorder) Record(ctx context.Context, action, resourceType, resourceID string, extra ...zap.Field) {
	if r == nil || r.log == nil {
		return
	}
	fields := make([]zap.Field, 0, 5+len(extra))
	fields = append(fields,
		zap.String("audit_action", action),
		zap.String("resource_type", resourceType),
		zap.String("resource_id", resourceID),
	)
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		fields = append(fields, zap.String("actor_id", principal.UserID))
	}
	fields = append(fields, extra...)
	r.log.Info("audit", fields...)
}
