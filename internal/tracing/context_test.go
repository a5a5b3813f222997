package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}

func TestContextValues(t *testing.T) {
	t.Run("should round trip every field", func(t *testing.T) {
		ctx := context.Background()
		ctx = WithTraceID(ctx, "trace-1")
		ctx = WithRunID(ctx, "run-1")
		ctx = WithSessionKey(ctx, "session-1")
		ctx = WithTaskID(ctx, "task-1")

		tc := FromContext(ctx)
		assert.Equal(t, &TraceContext{TraceID: "trace-1", RunID: "run-1", SessionKey: "session-1", TaskID: "task-1"}, tc)
	})

	t.Run("should return empty values for a bare context", func(t *testing.T) {
		assert.Equal(t, &TraceContext{}, FromContext(context.Background()))
	})

	t.Run("should copy only non-empty fields", func(t *testing.T) {
		ctx := WithRunID(context.Background(), "keep")
		ctx = NewContext(ctx, &TraceContext{TraceID: "trace-2"})

		assert.Equal(t, "trace-2", GetTraceID(ctx))
		assert.Equal(t, "keep", GetRunID(ctx))
	})
}

func TestEnsureTraceID(t *testing.T) {
	t.Run("should keep an inbound trace", func(t *testing.T) {
		ctx := EnsureTraceID(WithTraceID(context.Background(), "inbound"))
		assert.Equal(t, "inbound", GetTraceID(ctx))
	})

	t.Run("should mint a trace when missing", func(t *testing.T) {
		assert.NotEmpty(t, GetTraceID(EnsureTraceID(context.Background())))
	})
}

func TestNewRunContext(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-x")

	first := NewRunContext(parent, "s1")
	second := NewRunContext(parent, "s1")

	assert.Equal(t, "trace-x", GetTraceID(first))
	assert.Equal(t, "s1", GetSessionKey(first))
	assert.NotEmpty(t, GetRunID(first))
	assert.NotEqual(t, GetRunID(first), GetRunID(second))
}
