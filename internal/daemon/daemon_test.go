package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vakovalskii/ValeDesk-sub000/internal/config"
	"github.com/vakovalskii/ValeDesk-sub000/internal/logger"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/scheduler"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

// replyClient answers every completion with "reply N", counting calls.
type replyClient struct {
	mu    sync.Mutex
	calls int
}

func (c *replyClient) Provider() string { return "fake" }

func (c *replyClient) StreamCompletion(ctx context.Context, req agent.CompletionRequest) (<-chan agent.ChunkEvent, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	ch := make(chan agent.ChunkEvent, 3)
	ch <- agent.ChunkEvent{TextDelta: fmt.Sprintf("reply %d", n)}
	ch <- agent.ChunkEvent{Usage: &agent.Usage{PromptTokens: 10, CompletionTokens: 5}}
	ch <- agent.ChunkEvent{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// blockingClient streams nothing until the run is cancelled.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingClient) Provider() string { return "fake" }

func (c *blockingClient) StreamCompletion(ctx context.Context, req agent.CompletionRequest) (<-chan agent.ChunkEvent, error) {
	c.once.Do(func() { close(c.started) })
	ch := make(chan agent.ChunkEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func setupTestDaemon(t *testing.T, client agent.ModelClient, mutate ...func(*config.Config)) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.LLM.APIKey = "sk-test"
	cfg.Gateway.Enabled = false
	for _, m := range mutate {
		m(cfg)
	}

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)

	var opts []Option
	if client != nil {
		opts = append(opts, WithModelClient(client))
	}
	d, err := New(cfg, log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
		_ = log.Close()
	})
	return d
}

// waitStatus waits for a session.status event with the wanted status.
func waitStatus(t *testing.T, ch <-chan events.Event, sessionID string, want agent.SessionStatus) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != events.SessionStatus || ev.SessionID != sessionID {
				continue
			}
			if p, ok := ev.Payload.(agent.StatusPayload); ok && p.Status == want {
				return
			}
		case <-timeout:
			t.Fatalf("session %s never reached %s", sessionID, want)
		}
	}
}

func TestDaemon_RunSession(t *testing.T) {
	t.Run("should run a session to completion", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		ctx := context.Background()

		res, err := d.RunSession(ctx, session.CreateParams{Prompt: "hello there"})
		require.NoError(t, err)
		assert.Equal(t, agent.StatusCompleted, res.Status)
		assert.Equal(t, "reply 1", res.Text)

		hist, err := d.History(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, agent.StatusCompleted, hist.Session.Status)
		assert.Equal(t, d.Config().LLM.Model, hist.Session.Model)
		require.NotEmpty(t, hist.Messages)
		assert.Equal(t, agent.MessageUserPrompt, hist.Messages[0].Type)
		assert.Equal(t, "hello there", hist.Messages[0].Prompt)
	})

	t.Run("should reject an empty prompt", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		_, err := d.RunSession(context.Background(), session.CreateParams{Prompt: "  "})
		assert.ErrorIs(t, err, agent.ErrEmptyPrompt)
	})

	t.Run("should report a missing model configuration as the run error", func(t *testing.T) {
		d := setupTestDaemon(t, nil, func(c *config.Config) {
			c.LLM.APIKey = ""
			c.LLM.BaseURL = ""
		})

		res, err := d.RunSession(context.Background(), session.CreateParams{Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, agent.StatusError, res.Status)
		assert.Contains(t, res.Error, "configuration error")
	})
}

func TestDaemon_SessionOperations(t *testing.T) {
	t.Run("should start in the background and continue afterwards", func(t *testing.T) {
		client := &replyClient{}
		d := setupTestDaemon(t, client)
		ctx := context.Background()
		ch, cancel := d.Bus().Subscribe()
		defer cancel()

		s, err := d.StartSession(ctx, session.CreateParams{Prompt: "first", Title: "Chat"})
		require.NoError(t, err)
		assert.Equal(t, "Chat", s.Title)
		waitStatus(t, ch, s.ID, agent.StatusCompleted)

		require.Eventually(t, func() bool { return d.Status().ActiveRuns == 0 }, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, d.ContinueSession(ctx, s.ID, "second"))
		waitStatus(t, ch, s.ID, agent.StatusCompleted)

		hist, err := d.History(ctx, s.ID)
		require.NoError(t, err)
		var prompts []string
		for _, m := range hist.Messages {
			if m.Type == agent.MessageUserPrompt {
				prompts = append(prompts, m.Prompt)
			}
		}
		assert.Equal(t, []string{"first", "second"}, prompts)
	})

	t.Run("should reject a second run and stop the first", func(t *testing.T) {
		client := &blockingClient{started: make(chan struct{})}
		d := setupTestDaemon(t, client)
		ctx := context.Background()
		ch, cancel := d.Bus().Subscribe()
		defer cancel()

		s, err := d.StartSession(ctx, session.CreateParams{Prompt: "wait"})
		require.NoError(t, err)
		<-client.started

		assert.ErrorIs(t, d.ContinueSession(ctx, s.ID, "again"), agent.ErrSessionBusy)
		assert.ErrorIs(t, d.EditMessage(ctx, s.ID, "any", "again"), agent.ErrSessionBusy)

		assert.True(t, d.StopSession(s.ID))
		waitStatus(t, ch, s.ID, agent.StatusIdle)
	})

	t.Run("should stop a run that was only just started", func(t *testing.T) {
		client := &blockingClient{started: make(chan struct{})}
		d := setupTestDaemon(t, client)
		ctx := context.Background()
		ch, cancel := d.Bus().Subscribe()
		defer cancel()

		for i := 0; i < 20; i++ {
			s, err := d.StartSession(ctx, session.CreateParams{Prompt: fmt.Sprintf("wait %d", i)})
			require.NoError(t, err)

			assert.True(t, d.StopSession(s.ID))
			waitStatus(t, ch, s.ID, agent.StatusIdle)
		}
		require.Eventually(t, func() bool { return d.Status().ActiveRuns == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should report nothing to stop for an idle session", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		res, err := d.RunSession(context.Background(), session.CreateParams{Prompt: "hi"})
		require.NoError(t, err)
		assert.False(t, d.StopSession(res.SessionID))
	})

	t.Run("should fail to continue an unknown session", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		err := d.ContinueSession(context.Background(), "missing", "hi")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("should pin, list and delete", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		ctx := context.Background()

		a, err := d.RunSession(ctx, session.CreateParams{Prompt: "a"})
		require.NoError(t, err)
		b, err := d.RunSession(ctx, session.CreateParams{Prompt: "b"})
		require.NoError(t, err)

		require.NoError(t, d.PinSession(ctx, a.SessionID, true))
		list, err := d.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, a.SessionID, list[0].ID)

		require.NoError(t, d.DeleteSession(ctx, b.SessionID))
		list, err = d.ListSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestDaemon_EditMessage(t *testing.T) {
	setup := func(t *testing.T) (*Daemon, string, []agent.Message) {
		d := setupTestDaemon(t, &replyClient{})
		res, err := d.RunSession(context.Background(), session.CreateParams{Prompt: "original"})
		require.NoError(t, err)
		msgs, err := d.Store().Messages(context.Background(), res.SessionID)
		require.NoError(t, err)
		return d, res.SessionID, msgs
	}

	t.Run("should replace the prompt and rerun", func(t *testing.T) {
		d, id, msgs := setup(t)
		ch, cancel := d.Bus().Subscribe()
		defer cancel()

		require.Equal(t, agent.MessageUserPrompt, msgs[0].Type)
		require.NoError(t, d.EditMessage(context.Background(), id, msgs[0].UUID, "edited"))
		waitStatus(t, ch, id, agent.StatusCompleted)

		after, err := d.Store().Messages(context.Background(), id)
		require.NoError(t, err)
		require.NotEmpty(t, after)
		assert.Equal(t, "edited", after[0].Prompt)
		for _, m := range after {
			assert.NotEqual(t, "original", m.Prompt)
			assert.NotEqual(t, "reply 1", m.Text)
		}
	})

	t.Run("should refuse to edit a reply", func(t *testing.T) {
		d, id, msgs := setup(t)
		var textUUID string
		for _, m := range msgs {
			if m.Type == agent.MessageText {
				textUUID = m.UUID
			}
		}
		require.NotEmpty(t, textUUID)
		assert.ErrorIs(t, d.EditMessage(context.Background(), id, textUUID, "x"), agent.ErrNotEditable)
	})

	t.Run("should report an unknown message", func(t *testing.T) {
		d, id, _ := setup(t)
		assert.ErrorIs(t, d.EditMessage(context.Background(), id, "nope", "x"), session.ErrNotFound)
	})
}

func TestDaemon_Tasks(t *testing.T) {
	t.Run("should run a consensus task through sessions", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		ctx := context.Background()

		task, err := d.CreateTask(ctx, multithread.TaskRequest{
			Mode:     multithread.ModeConsensus,
			Prompt:   "compare approaches",
			Quantity: 2,
		})
		require.NoError(t, err)
		require.Len(t, task.ThreadIDs, 2)

		require.NoError(t, d.StartTask(ctx, task.ID))
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		done, err := d.WaitTask(waitCtx, task.ID)
		require.NoError(t, err)

		assert.Equal(t, multithread.StatusCompleted, done.Status)
		assert.Equal(t, 0, done.ErrorCount)
		for _, id := range done.ThreadIDs {
			s, err := d.Store().GetSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, agent.StatusCompleted, s.Status)
		}

		assert.Len(t, d.ListTasks(), 1)
		require.NoError(t, d.DeleteTask(task.ID))
		_, err = d.GetTask(task.ID)
		assert.ErrorIs(t, err, multithread.ErrTaskNotFound)
	})
}

func TestDaemon_Schedules(t *testing.T) {
	t.Run("should manage scheduled prompts", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		ctx := context.Background()

		task, err := d.CreateSchedule(ctx, scheduler.AddParams{Title: "digest", Prompt: "summarize", Schedule: "every 1h"})
		require.NoError(t, err)

		list, err := d.ListSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, task.ID, list[0].ID)

		require.NoError(t, d.DeleteSchedule(ctx, task.ID))
		list, err = d.ListSchedules(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("should start a session when a task fires", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{})
		ch, cancel := d.Bus().Subscribe()
		defer cancel()

		require.NoError(t, d.executeScheduled(context.Background(), session.ScheduledTask{Title: "digest", Prompt: "summarize"}))

		timeout := time.After(5 * time.Second)
		for {
			select {
			case ev := <-ch:
				if p, ok := ev.Payload.(agent.StatusPayload); ok && ev.Type == events.SessionStatus && p.Status == agent.StatusCompleted {
					s, err := d.Store().GetSession(context.Background(), ev.SessionID)
					require.NoError(t, err)
					assert.Equal(t, "digest", s.Title)
					return
				}
			case <-timeout:
				t.Fatal("scheduled run never completed")
			}
		}
	})

	t.Run("should refuse schedules when the scheduler is off", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{}, func(c *config.Config) { c.Scheduler.Enabled = false })
		_, err := d.CreateSchedule(context.Background(), scheduler.AddParams{Title: "x", Prompt: "y", Schedule: "5m"})
		assert.Error(t, err)
	})
}

func TestDaemon_StartStop(t *testing.T) {
	t.Run("should start services and clean up", func(t *testing.T) {
		d := setupTestDaemon(t, &replyClient{}, func(c *config.Config) {
			c.Gateway.Enabled = true
			c.Gateway.Port = 0
			c.Gateway.TickInterval = -1
		})
		require.NotNil(t, d.Gateway())

		require.NoError(t, d.Start())
		assert.True(t, d.Status().Running)
		assert.Error(t, d.Start())

		_, err := os.Stat(PIDFile(d.Config().DataDir))
		assert.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, d.Stop(ctx))
		assert.False(t, d.Status().Running)

		_, err = os.Stat(PIDFile(d.Config().DataDir))
		assert.True(t, os.IsNotExist(err))
		assert.NoError(t, d.Stop(ctx))
	})
}
