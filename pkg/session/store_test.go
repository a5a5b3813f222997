package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Sessions(t *testing.T) {
	ctx := context.Background()

	t.Run("should create and load a session", func(t *testing.T) {
		store := setupTestStore(t)
		temp := 0.3
		created, err := store.CreateSession(ctx, CreateParams{Title: "Refactor", Cwd: "/work", Model: "gpt-4o", Temperature: &temp})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, agent.StatusIdle, created.Status)

		loaded, err := store.GetSession(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "/work", loaded.Cwd)
		require.NotNil(t, loaded.Temperature)
		assert.InDelta(t, 0.3, *loaded.Temperature, 1e-9)
	})

	t.Run("should reject unsafe ids", func(t *testing.T) {
		store := setupTestStore(t)
		_, err := store.CreateSession(ctx, CreateParams{ID: "../etc"})
		assert.Error(t, err)
	})

	t.Run("should report missing sessions", func(t *testing.T) {
		store := setupTestStore(t)
		_, err := store.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		status := agent.StatusRunning
		assert.ErrorIs(t, store.UpdateSession(ctx, "nope", agent.SessionPatch{Status: &status}), ErrNotFound)
	})

	t.Run("should list pinned first then most recent", func(t *testing.T) {
		store := setupTestStore(t)
		a, _ := store.CreateSession(ctx, CreateParams{ID: "a"})
		time.Sleep(5 * time.Millisecond)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "b"})
		time.Sleep(5 * time.Millisecond)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "c"})
		require.NoError(t, store.SetPinned(ctx, a.ID, true))

		sessions, err := store.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.Equal(t, []string{"a", "c", "b"}, []string{sessions[0].ID, sessions[1].ID, sessions[2].ID})
		assert.True(t, sessions[0].IsPinned)
	})

	t.Run("should apply partial updates", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "s", Title: "old", Model: "m1"})
		title := "new"
		status := agent.StatusCompleted
		require.NoError(t, store.UpdateSession(ctx, "s", agent.SessionPatch{Title: &title, Status: &status}))

		sess, err := store.GetSession(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, "new", sess.Title)
		assert.Equal(t, agent.StatusCompleted, sess.Status)
		assert.Equal(t, "m1", sess.Model)
	})

	t.Run("should accumulate tokens", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "s"})
		require.NoError(t, store.AddTokens(ctx, "s", agent.TokenUsage{InputTokens: 10, OutputTokens: 5}))
		require.NoError(t, store.AddTokens(ctx, "s", agent.TokenUsage{InputTokens: 20, OutputTokens: 8}))

		sess, _ := store.GetSession(ctx, "s")
		assert.Equal(t, int64(30), sess.InputTokens)
		assert.Equal(t, int64(13), sess.OutputTokens)
	})

	t.Run("should reset sessions left running", func(t *testing.T) {
		store := setupTestStore(t)
		running := agent.StatusRunning
		for _, id := range []string{"a", "b", "c"} {
			_, _ = store.CreateSession(ctx, CreateParams{ID: id})
		}
		require.NoError(t, store.UpdateSession(ctx, "a", agent.SessionPatch{Status: &running}))
		require.NoError(t, store.UpdateSession(ctx, "b", agent.SessionPatch{Status: &running}))

		n, err := store.ResetRunningSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		sess, _ := store.GetSession(ctx, "a")
		assert.Equal(t, agent.StatusIdle, sess.Status)
	})

	t.Run("should delete a session with its transcript", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "s"})
		require.NoError(t, store.Append(ctx, "s", agent.Message{Type: agent.MessageUserPrompt, Prompt: "hi"}))
		require.NoError(t, store.DeleteSession(ctx, "s"))

		_, err := store.GetSession(ctx, "s")
		assert.ErrorIs(t, err, ErrNotFound)
		msgs, err := store.Messages(ctx, "s")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("should list recent working directories", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "a", Cwd: "/one"})
		time.Sleep(5 * time.Millisecond)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "b", Cwd: "/two"})
		time.Sleep(5 * time.Millisecond)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "c", Cwd: "/one"})
		_, _ = store.CreateSession(ctx, CreateParams{ID: "d"})

		cwds, err := store.RecentCwds(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"/one", "/two"}, cwds)
	})
}

func TestStore_Transcript(t *testing.T) {
	ctx := context.Background()

	t.Run("should ignore duplicate appends", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "s"})
		msg := agent.Message{Type: agent.MessageText, UUID: "m1", Text: "hello"}
		require.NoError(t, store.Append(ctx, "s", msg))
		require.NoError(t, store.Append(ctx, "s", msg))

		history, err := store.ReadHistory(ctx, "s")
		require.NoError(t, err)
		require.Len(t, history.Messages, 1)
		assert.Equal(t, "hello", history.Messages[0].Text)
	})

	t.Run("should keep append order and fill uuids", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "s"})
		require.NoError(t, store.Append(ctx, "s", agent.Message{Type: agent.MessageUserPrompt, Prompt: "list"}))
		require.NoError(t, store.Append(ctx, "s", agent.Message{Type: agent.MessageToolUse, ID: "t1", Name: "list_directory",
			Input: map[string]interface{}{"path": "."}}))
		require.NoError(t, store.Append(ctx, "s", agent.Message{Type: agent.MessageToolResult, ToolUseID: "t1", Output: "a.txt"}))

		msgs, err := store.Messages(ctx, "s")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, agent.MessageUserPrompt, msgs[0].Type)
		assert.Equal(t, "list_directory", msgs[1].Name)
		assert.Equal(t, ".", msgs[1].Input["path"])
		assert.Equal(t, "t1", msgs[2].ToolUseID)
		for _, m := range msgs {
			assert.NotEmpty(t, m.UUID)
		}
	})

	t.Run("should refuse appends to unknown sessions", func(t *testing.T) {
		store := setupTestStore(t)
		err := store.Append(ctx, "ghost", agent.Message{Type: agent.MessageText, Text: "x"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should truncate after a message", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "s"})
		for _, id := range []string{"m1", "m2", "m3", "m4"} {
			require.NoError(t, store.Append(ctx, "s", agent.Message{Type: agent.MessageText, UUID: id, Text: id}))
		}

		require.NoError(t, store.TruncateHistoryAfter(ctx, "s", "m2"))
		msgs, _ := store.Messages(ctx, "s")
		require.Len(t, msgs, 2)
		assert.Equal(t, "m2", msgs[1].UUID)

		assert.ErrorIs(t, store.TruncateHistoryAfter(ctx, "s", "m4"), ErrNotFound)

		require.NoError(t, store.TruncateHistoryAfter(ctx, "s", ""))
		msgs, _ = store.Messages(ctx, "s")
		assert.Empty(t, msgs)
	})

	t.Run("should round-trip todos", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "s"})

		todos, err := store.Todos(ctx, "s")
		require.NoError(t, err)
		assert.Empty(t, todos)

		require.NoError(t, store.SaveTodos(ctx, "s", []agent.TodoItem{{ID: "todo_1", Content: "ship", Status: "pending"}}))
		history, err := store.ReadHistory(ctx, "s")
		require.NoError(t, err)
		require.Len(t, history.Todos, 1)
		assert.Equal(t, "ship", history.Todos[0].Content)
	})
}

func TestStore_ScheduledTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("should return only enabled due tasks", func(t *testing.T) {
		store := setupTestStore(t)
		now := time.Now().UnixMilli()
		due := &ScheduledTask{Title: "due", Prompt: "check mail", Schedule: "every 5m", NextRun: now - 1000, IsRecurring: true, Enabled: true}
		later := &ScheduledTask{Title: "later", Schedule: "1h", NextRun: now + 3600_000, Enabled: true}
		off := &ScheduledTask{Title: "off", Schedule: "5m", NextRun: now - 1000, Enabled: false}
		for _, task := range []*ScheduledTask{due, later, off} {
			require.NoError(t, store.CreateScheduledTask(ctx, task))
		}
		assert.Contains(t, due.ID, "sched_")

		tasks, err := store.DueScheduledTasks(ctx, now)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, due.ID, tasks[0].ID)
		assert.True(t, tasks[0].IsRecurring)

		all, err := store.ListScheduledTasks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("should update and delete tasks", func(t *testing.T) {
		store := setupTestStore(t)
		task := &ScheduledTask{Title: "once", Schedule: "10m", NextRun: 1, Enabled: true}
		require.NoError(t, store.CreateScheduledTask(ctx, task))

		disabled := false
		next := int64(42)
		require.NoError(t, store.UpdateScheduledTask(ctx, task.ID, ScheduledTaskPatch{Enabled: &disabled, NextRun: &next}))
		loaded, err := store.GetScheduledTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, loaded.Enabled)
		assert.Equal(t, int64(42), loaded.NextRun)

		require.NoError(t, store.DeleteScheduledTask(ctx, task.ID))
		assert.ErrorIs(t, store.DeleteScheduledTask(ctx, task.ID), ErrNotFound)
	})

	t.Run("should require a schedule", func(t *testing.T) {
		store := setupTestStore(t)
		assert.Error(t, store.CreateScheduledTask(ctx, &ScheduledTask{Title: "x"}))
	})
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("should prune idle unpinned sessions only", func(t *testing.T) {
		store := setupTestStore(t)
		running := agent.StatusRunning
		for _, id := range []string{"old", "pinned", "busy"} {
			_, _ = store.CreateSession(ctx, CreateParams{ID: id})
		}
		require.NoError(t, store.SetPinned(ctx, "pinned", true))
		require.NoError(t, store.UpdateSession(ctx, "busy", agent.SessionPatch{Status: &running}))
		require.NoError(t, store.Append(ctx, "old", agent.Message{Type: agent.MessageText, Text: "x"}))

		n, err := store.PruneSessions(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		sessions, _ := store.ListSessions(ctx)
		assert.Len(t, sessions, 2)
	})

	t.Run("should start and stop once", func(t *testing.T) {
		store := setupTestStore(t)
		cleanup := NewCleanup(store, 0, time.Hour, zerolog.Nop())

		require.NoError(t, cleanup.Start())
		assert.True(t, cleanup.IsRunning())
		assert.Error(t, cleanup.Start())

		require.NoError(t, cleanup.Stop())
		assert.False(t, cleanup.IsRunning())
		assert.Error(t, cleanup.Stop())
	})

	t.Run("should keep sessions within retention", func(t *testing.T) {
		store := setupTestStore(t)
		_, _ = store.CreateSession(ctx, CreateParams{ID: "fresh"})
		cleanup := NewCleanup(store, time.Hour, 0, zerolog.Nop())

		n, err := cleanup.CleanupNow(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
