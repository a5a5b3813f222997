package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	t.Run("should register and list a tool", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))

		assert.NotNil(t, te.GetTool("echo"))
		assert.Equal(t, []string{"echo"}, te.ListTools())
	})

	t.Run("should reject duplicates", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))
		assert.Error(t, te.RegisterTool(echoTool()))
	})

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{
			name: "empty name",
			def: ToolDefinition{
				Description: "Test",
				Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
			},
		},
		{
			name: "nil handler",
			def:  ToolDefinition{Name: "test", Description: "Test"},
		},
		{
			name: "bad parameter type",
			def: ToolDefinition{
				Name:        "test",
				Description: "Test",
				Parameters:  []ToolParameter{{Name: "x", Type: "float", Description: "x"}},
				Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
			},
		},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			assert.Error(t, New().RegisterTool(tt.def))
		})
	}
}

func TestToolExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("should return output on success", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))

		result := te.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, nil)
		assert.True(t, result.Success)
		assert.Equal(t, "hi", result.Output)
		assert.Equal(t, "hi", result.Text())
	})

	t.Run("should fail for unknown tools", func(t *testing.T) {
		result := New().Execute(ctx, "nope", nil, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "tool not found")
	})

	t.Run("should fail on missing required parameters", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))

		result := te.Execute(ctx, "echo", map[string]interface{}{}, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "parameter validation failed")
	})

	t.Run("should tolerate extra parameters", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))

		result := te.Execute(ctx, "echo", map[string]interface{}{"text": "hi", "explanation": "why"}, nil)
		assert.True(t, result.Success)
	})

	t.Run("should fold handler errors into the result", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        "boom",
			Description: "Fails",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, errors.New("disk on fire")
			},
		}))

		result := te.Execute(ctx, "boom", nil, nil)
		assert.False(t, result.Success)
		assert.Equal(t, "disk on fire", result.Error)
	})

	t.Run("should recover from panics", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        "panic",
			Description: "Panics",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				panic("nil map")
			},
		}))

		result := te.Execute(ctx, "panic", nil, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "panicked")
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		te := New(WithTimeout(20 * time.Millisecond))
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        "slow",
			Description: "Sleeps",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}))

		result := te.Execute(ctx, "slow", nil, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "timeout")
	})

	t.Run("should report cancellation distinctly from timeout", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        "slow",
			Description: "Sleeps",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}))

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		result := te.Execute(cctx, "slow", nil, nil)
		assert.False(t, result.Success)
		assert.Equal(t, "tool execution cancelled", result.Error)
	})

	t.Run("should truncate large output", func(t *testing.T) {
		te := New(WithMaxOutput(8))
		require.NoError(t, te.RegisterTool(echoTool()))

		result := te.Execute(ctx, "echo", map[string]interface{}{"text": strings.Repeat("x", 20)}, nil)
		assert.True(t, result.Success)
		assert.True(t, result.Truncated)
		assert.True(t, strings.HasPrefix(result.Output, "xxxxxxxx\n"))
	})

	t.Run("should marshal structured output as JSON", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        "struct",
			Description: "Returns a map",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return map[string]int{"n": 1}, nil
			},
		}))

		result := te.Execute(ctx, "struct", nil, nil)
		assert.JSONEq(t, `{"n":1}`, result.Output)
	})

	t.Run("should block tools denied by policy", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))

		result := te.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, &ExecutionContext{Policy: DenyPolicy([]string{"echo"})})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "not allowed")
	})

	t.Run("should report effect and record metrics", func(t *testing.T) {
		var calls int32
		te := New(WithRecorder(func(tool string, d time.Duration, success bool) {
			atomic.AddInt32(&calls, 1)
		}))
		def := echoTool()
		def.Effect = EffectMemory
		require.NoError(t, te.RegisterTool(def))

		result := te.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, nil)
		assert.Equal(t, EffectMemory, result.Effect)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestScope(t *testing.T) {
	t.Run("should expose the execution context to handlers", func(t *testing.T) {
		te := New()
		cache := NewWebCache()
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        "whoami",
			Description: "Reports the context",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				execCtx := ExecContextFromContext(ctx)
				if execCtx.WebCache != cache {
					return nil, errors.New("cache not propagated")
				}
				return execCtx.SessionID + "@" + execCtx.ResolvePath("a.txt"), nil
			},
		}))

		scope := te.Scope(ExecutionContext{SessionID: "s1", WorkingDir: "/work", WebCache: cache})
		result := scope.Execute(context.Background(), "whoami", nil)
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "s1@/work/a.txt", result.Output)
		assert.Same(t, cache, scope.WebCache())
	})

	t.Run("should hide denied tools from schemas", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))
		other := echoTool()
		other.Name = "other"
		require.NoError(t, te.RegisterTool(other))

		schemas := te.Scope(ExecutionContext{Policy: DenyPolicy([]string{"other"})}).Schemas()
		require.Len(t, schemas, 1)
		assert.Equal(t, "echo", schemas[0].Name)
		assert.Equal(t, "object", schemas[0].Parameters["type"])
		assert.Equal(t, []string{"text"}, schemas[0].Parameters["required"])
	})
}
