package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)

	t.Run("should add one-shot delays", func(t *testing.T) {
		next, err := NextRun("5m", from)
		require.NoError(t, err)
		assert.Equal(t, from.Add(5*time.Minute), next)

		next, err = NextRun("2d", from)
		require.NoError(t, err)
		assert.Equal(t, from.Add(48*time.Hour), next)
		assert.False(t, IsRecurring("2d"))
	})

	t.Run("should repeat intervals", func(t *testing.T) {
		next, err := NextRun("every 1h", from)
		require.NoError(t, err)
		assert.Equal(t, from.Add(time.Hour), next)
		assert.True(t, IsRecurring("every 1h"))
	})

	t.Run("should roll daily times to tomorrow once passed", func(t *testing.T) {
		next, err := NextRun("daily 09:00", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.Local), next)

		next, err = NextRun("daily 18:30", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 10, 18, 30, 0, 0, time.Local), next)
		assert.True(t, IsRecurring("daily 18:30"))
	})

	t.Run("should parse absolute local datetimes", func(t *testing.T) {
		next, err := NextRun("2026-04-01 08:15", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 4, 1, 8, 15, 0, 0, time.Local), next)
		assert.False(t, IsRecurring("2026-04-01 08:15"))
	})

	t.Run("should accept standard cron expressions", func(t *testing.T) {
		next, err := NextRun("30 9 * * *", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 9, 30, 0, 0, time.Local), next)
		assert.True(t, IsRecurring("30 9 * * *"))
	})

	t.Run("should reject unknown forms", func(t *testing.T) {
		for _, bad := range []string{"", "soon", "every 5s", "daily 25:00", "0m", "61 * * * *"} {
			assert.Error(t, Validate(bad), bad)
		}
	})
}

func setupTestScheduler(t *testing.T, exec Executor) (*Scheduler, *session.Store, *events.Recorder) {
	t.Helper()
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &events.Recorder{}
	s, err := New(Config{Store: store, Execute: exec, Emit: rec.Emit, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return s, store, rec
}

func TestScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("should fire and disable one-shot tasks", func(t *testing.T) {
		var mu sync.Mutex
		var ran []string
		s, store, rec := setupTestScheduler(t, func(ctx context.Context, task session.ScheduledTask) error {
			mu.Lock()
			ran = append(ran, task.Prompt)
			mu.Unlock()
			return nil
		})

		task, err := s.Add(ctx, AddParams{Title: "standup", Prompt: "summarize my inbox", Schedule: "5m"})
		require.NoError(t, err)
		assert.False(t, task.IsRecurring)

		s.CheckNow(ctx, time.Now())
		assert.Empty(t, rec.OfType(events.SchedulerExecute))

		s.CheckNow(ctx, time.Now().Add(6*time.Minute))
		s.Stop()

		fired := rec.OfType(events.SchedulerExecute)
		require.Len(t, fired, 1)
		assert.Equal(t, task.ID, fired[0].Payload.(ExecutePayload).TaskID)
		assert.Equal(t, []string{"summarize my inbox"}, ran)

		stored, err := store.GetScheduledTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, stored.Enabled)
	})

	t.Run("should reschedule recurring tasks", func(t *testing.T) {
		s, store, rec := setupTestScheduler(t, nil)
		task, err := s.Add(ctx, AddParams{Title: "ping", Schedule: "every 10m"})
		require.NoError(t, err)

		fireAt := time.Now().Add(11 * time.Minute)
		s.CheckNow(ctx, fireAt)

		stored, err := store.GetScheduledTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, stored.Enabled)
		assert.Equal(t, fireAt.Add(10*time.Minute).UnixMilli(), stored.NextRun)
		assert.Len(t, rec.OfType(events.SchedulerExecute), 1)
	})

	t.Run("should remind once before running", func(t *testing.T) {
		s, _, rec := setupTestScheduler(t, nil)
		notify := int64(5)
		_, err := s.Add(ctx, AddParams{Title: "review", Schedule: "1h", NotifyBefore: &notify})
		require.NoError(t, err)

		s.CheckNow(ctx, time.Now())
		assert.Empty(t, rec.OfType(events.SchedulerUpcoming))

		s.CheckNow(ctx, time.Now().Add(57*time.Minute))
		s.CheckNow(ctx, time.Now().Add(58*time.Minute))
		assert.Len(t, rec.OfType(events.SchedulerUpcoming), 1)
	})

	t.Run("should validate new tasks", func(t *testing.T) {
		s, _, _ := setupTestScheduler(t, nil)
		_, err := s.Add(ctx, AddParams{Title: "x", Schedule: "whenever"})
		assert.Error(t, err)
		_, err = s.Add(ctx, AddParams{Schedule: "5m"})
		assert.Error(t, err)
	})

	t.Run("should start once and remove tasks", func(t *testing.T) {
		s, _, _ := setupTestScheduler(t, nil)
		require.NoError(t, s.Start())
		assert.Error(t, s.Start())

		task, err := s.Add(ctx, AddParams{Title: "x", Schedule: "1d"})
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, task.ID))
		tasks, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, tasks)
		s.Stop()
	})
}
