package toolexecutor

import (
	"context"
	"path/filepath"
	"time"
)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID  string
	WorkingDir string
	Timeout    time.Duration
	Policy     *ToolPolicy
	WebCache   *WebCache
}

// ResolvePath resolves p against the working directory.
func (e *ExecutionContext) ResolvePath(p string) string {
	if e == nil || e.WorkingDir == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(e.WorkingDir, p)
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context to a context.Context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext); ok {
		return execCtx
	}
	return nil
}
