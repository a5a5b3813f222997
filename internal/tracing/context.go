package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey correlates one inbound request with everything it causes.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies a single agent run.
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey carries the session a run or store call belongs to.
	SessionKeyKey ContextKey = "session_key"
	// TaskIDKey carries the multi-thread task a thread run belongs to.
	TaskIDKey ContextKey = "task_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
	TaskID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return stringValue(ctx, RunIDKey) }

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string { return stringValue(ctx, SessionKeyKey) }

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string { return stringValue(ctx, TaskIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		SessionKey: GetSessionKey(ctx),
		TaskID:     GetTaskID(ctx),
	}
}

// NewContext copies the non-empty fields of tc into ctx.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.SessionKey != "" {
		ctx = WithSessionKey(ctx, tc.SessionKey)
	}
	if tc.TaskID != "" {
		ctx = WithTaskID(ctx, tc.TaskID)
	}
	return ctx
}

// EnsureTraceID keeps an inbound trace ID and mints one otherwise.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext starts an agent run for sessionID under the current trace.
func NewRunContext(ctx context.Context, sessionID string) context.Context {
	ctx = EnsureTraceID(ctx)
	ctx = WithRunID(ctx, NewRunID())
	return WithSessionKey(ctx, sessionID)
}
