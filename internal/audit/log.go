package audit

import (
	"context"
	"errors"
	"strings"

	"tokengate.org/internal/auth"
	"tokengate.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names emitted by the HTTP layer.
const (
	EventRegistered      = "account.registered"
	EventRegisterFailed  = "account.register_failed"
	EventLogin           = "session.login"
	EventLoginFailed     = "session.login_failed"
	EventTokenRevoked    = "session.token_revoked"
	EventAccountsListed  = "accounts.listed"
	EventAccessForbidden = "access.forbidden"
	EventStreamOpened    = "revocations.stream_opened"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
// Callers must not put secrets, hashes or raw tokens in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	l := obs.Logger()
	ev := l.Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		ev = ev.Str("user_id", userID)
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	ev.Interface("fields", copyFields).Msg("audit")
	return nil
}
