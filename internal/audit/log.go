// Package audit records security-relevant events on the shared logger.
package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"tessera.org/internal/auth"
	"tessera.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names emitted by the HTTP and gRPC layers.
const (
	EventLogin        = "auth.login"
	EventConfirmRole  = "auth.role.confirm"
	EventSwitchRole   = "auth.role.switch"
	EventRefresh      = "auth.refresh"
	EventLogout       = "auth.logout"
	EventDefaultRole  = "auth.role.default"
	EventGrantAbility = "ability.grant"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the
// authenticated actor, if any.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	log := obs.Logger()
	entry := log.Info().Str("type", "audit").Str("event", event)
	if rid := requestIDFromContext(ctx); rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		entry = entry.Str("user_id", actor.ID)
		if actor.ActiveRoleID != "" {
			entry = entry.Str("active_role_id", actor.ActiveRoleID)
		}
	}
	payload := make(map[string]any, len(fields))
	maps.Copy(payload, fields)
	entry.Interface("fields", payload).Msg("audit")
	return nil
}
