// Package logging provides structured, correlation-aware debug logging for
// the cache facade's enableDebugLogging option.
//
// Design Notes:
//   - Uses standard log package for compatibility
//   - Correlation IDs (request IDs) propagate through context.Context
//   - JSON structured logging for downstream parsing
//
// Production extensions:
//   - Integrate with zerolog/zap for higher performance
//   - Send logs to centralized logging (e.g., DataDog, ELK)
package logging

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// WithRequestID attaches a correlation ID to ctx, generating one if id is
// empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromCtx retrieves the correlation ID from ctx, or "" if none was
// ever attached.
func RequestIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Logger emits structured debug entries, gated on Enabled so callers can
// leave the calls in place and flip enableDebugLogging without touching
// call sites.
type Logger struct {
	Enabled bool
}

// Event logs a structured entry with message and fields, prefixed with the
// context's correlation ID if one is set. A no-op when the logger is
// disabled, so hot paths never pay for json.Marshal.
func (l *Logger) Event(ctx context.Context, message string, fields map[string]any) {
	if l == nil || !l.Enabled {
		return
	}
	entry := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": RequestIDFromCtx(ctx),
		"message":    message,
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] failed to marshal log entry: %v", err)
		return
	}
	log.Printf("[DEBUG] %s", string(data))
}
