package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
	"github.com/vakovalskii/ValeDesk-sub000/internal/tracing"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/gateway"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/scheduler"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

var _ gateway.Service = (*Daemon)(nil)

// StartSession creates a session and starts its first run in the
// background. Progress is published on the bus.
func (d *Daemon) StartSession(ctx context.Context, params session.CreateParams) (*agent.Session, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, agent.ErrEmptyPrompt
	}
	s, err := d.createSession(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := d.launch(ctx, agent.RunParams{
		SessionID:   s.ID,
		Prompt:      params.Prompt,
		Temperature: params.Temperature,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// RunSession creates a session and runs it to a terminal state.
func (d *Daemon) RunSession(ctx context.Context, params session.CreateParams) (*agent.RunResult, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, agent.ErrEmptyPrompt
	}
	s, err := d.createSession(ctx, params)
	if err != nil {
		return nil, err
	}
	return d.runSync(ctx, agent.RunParams{
		SessionID:   s.ID,
		Prompt:      params.Prompt,
		Temperature: params.Temperature,
	})
}

// ContinueSession resumes a session with a follow-up prompt.
func (d *Daemon) ContinueSession(ctx context.Context, sessionID, prompt string) error {
	if _, err := d.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return d.launch(ctx, agent.RunParams{SessionID: sessionID, Prompt: prompt, Resume: true})
}

// StopSession aborts the session's run. A run that was accepted but has not
// reached the runner yet sees the stop as a cancelled context and ends idle.
func (d *Daemon) StopSession(sessionID string) bool {
	d.runsMu.Lock()
	cancel, reserved := d.runs[sessionID]
	d.runsMu.Unlock()

	aborted := d.runner.Abort(sessionID)
	if reserved {
		cancel()
		return true
	}
	return aborted
}

// ResolvePermission answers a pending permission request.
func (d *Daemon) ResolvePermission(sessionID, toolUseID string, approved bool) bool {
	return d.runner.ResolvePermission(sessionID, toolUseID, approved)
}

// EditMessage replaces a user prompt: everything from that prompt on is
// dropped and the session reruns with the new text.
func (d *Daemon) EditMessage(ctx context.Context, sessionID, messageUUID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return agent.ErrEmptyPrompt
	}
	if d.isReserved(sessionID) {
		return agent.ErrSessionBusy
	}

	msgs, err := d.store.Messages(ctx, sessionID)
	if err != nil {
		return err
	}
	idx := -1
	for i, m := range msgs {
		if m.UUID == messageUUID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("message %s: %w", messageUUID, session.ErrNotFound)
	}
	if msgs[idx].Type != agent.MessageUserPrompt {
		return agent.ErrNotEditable
	}

	// An empty uuid clears the transcript, which is right for the first prompt.
	keep := ""
	if idx > 0 {
		keep = msgs[idx-1].UUID
	}
	if err := d.store.TruncateHistoryAfter(ctx, sessionID, keep); err != nil {
		return err
	}
	observability.RecordSessionAudit(ctx, "edit", sessionID, map[string]interface{}{"messageUuid": messageUUID})

	return d.launch(ctx, agent.RunParams{SessionID: sessionID, Prompt: prompt, Resume: true})
}

// ListSessions lists sessions, pinned first.
func (d *Daemon) ListSessions(ctx context.Context) ([]agent.Session, error) {
	return d.store.ListSessions(ctx)
}

// History returns a session with its transcript and todos.
func (d *Daemon) History(ctx context.Context, sessionID string) (*agent.History, error) {
	return d.store.ReadHistory(ctx, sessionID)
}

// DeleteSession aborts any active run and removes the session.
func (d *Daemon) DeleteSession(ctx context.Context, sessionID string) error {
	d.runner.Abort(sessionID)
	if err := d.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	observability.RecordSessionAudit(ctx, "delete", sessionID, nil)
	return nil
}

// PinSession pins or unpins a session.
func (d *Daemon) PinSession(ctx context.Context, sessionID string, pinned bool) error {
	return d.store.SetPinned(ctx, sessionID, pinned)
}

// CreateTask creates a multi-thread task without starting it.
func (d *Daemon) CreateTask(ctx context.Context, req multithread.TaskRequest) (*multithread.Task, error) {
	if req.Model == "" {
		req.Model = d.config.LLM.Model
	}
	return d.coordinator.CreateTask(ctx, req)
}

// StartTask starts a created task.
func (d *Daemon) StartTask(ctx context.Context, taskID string) error {
	return d.coordinator.StartTask(ctx, taskID)
}

// GetTask returns a snapshot of a task.
func (d *Daemon) GetTask(taskID string) (*multithread.Task, error) {
	return d.coordinator.GetTask(taskID)
}

// ListTasks returns every task, newest first.
func (d *Daemon) ListTasks() []*multithread.Task {
	return d.coordinator.ListTasks()
}

// DeleteTask forgets a task.
func (d *Daemon) DeleteTask(taskID string) error {
	return d.coordinator.DeleteTask(taskID)
}

// WaitTask blocks until the task is terminal.
func (d *Daemon) WaitTask(ctx context.Context, taskID string) (*multithread.Task, error) {
	return d.coordinator.Wait(ctx, taskID)
}

// CreateSchedule adds a scheduled prompt.
func (d *Daemon) CreateSchedule(ctx context.Context, params scheduler.AddParams) (*session.ScheduledTask, error) {
	if d.scheduler == nil {
		return nil, fmt.Errorf("scheduler is disabled")
	}
	return d.scheduler.Add(ctx, params)
}

// ListSchedules lists scheduled prompts.
func (d *Daemon) ListSchedules(ctx context.Context) ([]session.ScheduledTask, error) {
	return d.store.ListScheduledTasks(ctx)
}

// DeleteSchedule removes a scheduled prompt.
func (d *Daemon) DeleteSchedule(ctx context.Context, id string) error {
	return d.store.DeleteScheduledTask(ctx, id)
}

// executeScheduled starts a fresh session for a due scheduled task.
func (d *Daemon) executeScheduled(ctx context.Context, task session.ScheduledTask) error {
	_, err := d.StartSession(ctx, session.CreateParams{
		Title:  task.Title,
		Prompt: task.Prompt,
	})
	return err
}

func (d *Daemon) createSession(ctx context.Context, params session.CreateParams) (*agent.Session, error) {
	if params.Model == "" {
		params.Model = d.config.LLM.Model
	}
	if params.Temperature == nil {
		params.Temperature = d.config.LLM.Temperature
	}
	if params.Cwd == "" {
		params.Cwd = d.config.Agent.WorkspaceRoot
	}
	s, err := d.store.CreateSession(ctx, params)
	if err != nil {
		return nil, err
	}
	observability.RecordSessionAudit(ctx, "create", s.ID, map[string]interface{}{"model": s.Model})
	return s, nil
}

// reserve claims the session and returns the context its run must use.
// Cancelling it is how StopSession reaches a run the runner has not
// registered yet.
func (d *Daemon) reserve(ctx context.Context, sessionID string) (context.Context, error) {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	if _, busy := d.runs[sessionID]; busy {
		return nil, agent.ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.runs[sessionID] = cancel
	d.runsWG.Add(1)
	return runCtx, nil
}

func (d *Daemon) release(sessionID string) {
	d.runsMu.Lock()
	if cancel, ok := d.runs[sessionID]; ok {
		cancel()
		delete(d.runs, sessionID)
	}
	d.runsMu.Unlock()
	d.runsWG.Done()
}

// abortAll stops every reserved run, registered with the runner or not.
func (d *Daemon) abortAll() {
	d.runsMu.Lock()
	ids := make([]string, 0, len(d.runs))
	for id, cancel := range d.runs {
		cancel()
		ids = append(ids, id)
	}
	d.runsMu.Unlock()
	for _, id := range ids {
		d.runner.Abort(id)
	}
}

func (d *Daemon) isReserved(sessionID string) bool {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	_, ok := d.runs[sessionID]
	return ok
}

// launch runs in the background, detached from the request context but
// keeping its trace.
func (d *Daemon) launch(ctx context.Context, params agent.RunParams) error {
	runCtx, err := d.reserve(tracing.MergeContext(d.ctx, ctx), params.SessionID)
	if err != nil {
		return err
	}
	go func() {
		defer d.release(params.SessionID)
		d.run(runCtx, params)
	}()
	return nil
}

func (d *Daemon) runSync(ctx context.Context, params agent.RunParams) (*agent.RunResult, error) {
	runCtx, err := d.reserve(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	defer d.release(params.SessionID)
	return d.run(runCtx, params)
}

func (d *Daemon) run(ctx context.Context, params agent.RunParams) (*agent.RunResult, error) {
	res, err := d.runner.Run(ctx, params)
	logger := tracing.LoggerFromContext(ctx, d.log)
	if err != nil {
		logger.Error().Err(err).Str("session_id", params.SessionID).Msg("Run failed to start")
		return nil, err
	}
	logger.Debug().
		Str("session_id", res.SessionID).
		Str("status", string(res.Status)).
		Int("iterations", res.Iterations).
		Msg("Run finished")
	return res, nil
}
