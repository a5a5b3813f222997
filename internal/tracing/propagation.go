package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext tags baseLogger with whatever tracing fields ctx carries.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.RunID == "" && tc.SessionKey == "" && tc.TaskID == "" {
		return baseLogger
	}

	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("session_id", tc.SessionKey)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}
	return lc.Logger()
}

// MergeContext copies tracing fields from source into target where target
// has none. Used when work outlives the request that started it.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.SessionKey != "" && GetSessionKey(target) == "" {
		target = WithSessionKey(target, tc.SessionKey)
	}
	if tc.TaskID != "" && GetTaskID(target) == "" {
		target = WithTaskID(target, tc.TaskID)
	}
	return target
}

// Detach returns a background context carrying only ctx's tracing fields.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
