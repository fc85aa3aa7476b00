package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"certeon.org/internal/obs"
)

type ctxKey string

const actorKey ctxKey = "audit_actor"

// WithActor attaches the acting identity name to the context for audit logging.
func WithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actor)
}

// actorFromContext extracts the acting identity from context if present.
func actorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

// Sink receives audit events. The engine writes every decision and sweep
// result through a Sink so hosts can redirect events to durable storage.
type Sink interface {
	Log(ctx context.Context, action string, fields map[string]any) error
}

// LogSink writes audit events as JSON lines through the shared logger.
type LogSink struct{}

var _ Sink = LogSink{}

// Log writes an audit entry enriched with the acting identity from context.
func (LogSink) Log(ctx context.Context, action string, fields map[string]any) error {
	return LogEvent(ctx, action, fields)
}

// LogEvent writes an audit log entry enriched with actor context.
func LogEvent(ctx context.Context, action string, fields map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("action name is required")
	}
	entry := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"action": action,
	}
	if actor := actorFromContext(ctx); actor != "" {
		entry["actor"] = actor
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
