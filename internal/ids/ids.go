// Package ids generates run/task/request identifiers and propagates them
// through contexts.
package ids

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type contextKey string

const (
	runKey     contextKey = "okami_run_id"
	requestKey contextKey = "okami_request_id"
)

// NewRunID returns a unique identifier for one crew run.
func NewRunID() string { return newID("run") }

// NewTaskID returns a unique identifier for one submitted task.
func NewTaskID() string { return newID("task") }

// NewRequestID returns a unique identifier for one completer request.
func NewRequestID() string { return newID("req") }

// NewMemoryID returns a unique identifier for one memory record.
func NewMemoryID() string { return newID("mem") }

// NewKnowledgeID returns a unique identifier for one knowledge record.
func NewKnowledgeID() string { return newID("kn") }

func newID(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// RunIDFromContext returns the run identifier, or "" when absent.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestID stores the request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// RequestIDFromContext returns the request identifier, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestKey).(string); ok {
		return v
	}
	return ""
}
