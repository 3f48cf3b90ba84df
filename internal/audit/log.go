package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/obs"
)

// Audit event names.
const (
	EventAccountRegistered = "identity.account_registered"
	EventLogin             = "identity.login"
	EventLoginFailed       = "identity.login_failed"
	EventSessionRefreshed  = "identity.session_refreshed"
	EventRefreshRejected   = "identity.refresh_rejected"
	EventRoleGranted       = "identity.role_granted"
	EventPolicyDenied      = "identity.policy_denied"
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

// RequestID returns the request identifier attached by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and caller context.
// Secrets such as passwords and token values must never be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestID(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		entry["account_id"] = claims.Subject
	}
	copyFields := make(map[string]any, len(fields))
	maps.Copy(copyFields, fields)
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
