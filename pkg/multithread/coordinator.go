package multithread

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
	"github.com/vakovalskii/ValeDesk-sub000/internal/tracing"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

const (
	DefaultMinThreads = 2
	DefaultMaxThreads = 10
	DefaultThreads    = 3
)

// Handler receives coordinator events.
type Handler func(events.Event)

// Config holds coordinator configuration.
type Config struct {
	Launcher     ThreadLauncher
	RegistryPath string
	AutoSave     bool
	Policy       AggregatePolicy
	MinThreads   int
	MaxThreads   int
	// DefaultThreads is the consensus thread count when a request sets none.
	DefaultThreads int
	Emit           events.Emitter
	Logger         zerolog.Logger
}

type entry struct {
	task *Task
	done chan struct{}
	once sync.Once
}

func (e *entry) finish() {
	e.once.Do(func() { close(e.done) })
}

// Coordinator fans one request out into concurrent runner threads and
// aggregates their outcomes.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	tasks  map[string]*entry
	saveMu sync.Mutex

	handlers map[events.Type][]Handler
	eventMu  sync.RWMutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call Initialize to load the registry.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("thread launcher is required")
	}
	if cfg.RegistryPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.RegistryPath = filepath.Join(homeDir, ".valedesk", "multithread.json")
	}
	if cfg.Policy == nil {
		cfg.Policy = MajorityPolicy
	}
	if cfg.MinThreads <= 0 {
		cfg.MinThreads = DefaultMinThreads
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	if cfg.DefaultThreads <= 0 {
		cfg.DefaultThreads = DefaultThreads
	}
	if cfg.MaxThreads < cfg.MinThreads {
		return nil, fmt.Errorf("max threads %d is below min threads %d", cfg.MaxThreads, cfg.MinThreads)
	}
	if cfg.Emit == nil {
		cfg.Emit = events.Discard
	}
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger,
		tasks:    make(map[string]*entry),
		handlers: make(map[events.Type][]Handler),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Initialize loads the registry from disk. Tasks that were running when
// the previous process stopped are marked as failed.
func (c *Coordinator) Initialize() error {
	data, err := os.ReadFile(c.cfg.RegistryPath)
	if os.IsNotExist(err) {
		c.logger.Info().Msg("Task registry does not exist, starting empty")
		return nil
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read task registry")
		return nil
	}

	var registry Registry
	if err := json.Unmarshal(data, &registry); err != nil {
		c.logger.Error().Err(err).Msg("Failed to parse task registry, starting empty")
		return nil
	}

	interrupted := 0
	c.mu.Lock()
	for _, task := range registry.Tasks {
		if task == nil || task.ID == "" {
			continue
		}
		e := &entry{task: task, done: make(chan struct{})}
		if task.Status == StatusRunning {
			task.Status = StatusError
			task.Error = "interrupted"
			task.UpdatedAt = nowMillis()
			interrupted++
		}
		if task.Status.IsTerminal() {
			e.finish()
		}
		c.tasks[task.ID] = e
	}
	loaded := len(c.tasks)
	c.mu.Unlock()

	if interrupted > 0 {
		c.save()
	}
	c.logger.Info().Int("tasks", loaded).Int("interrupted", interrupted).Msg("Task registry loaded")
	return nil
}

// Close cancels running tasks, waits for them and saves the registry.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.save()
}

// CreateTask validates the request, creates one session per thread and
// records the task in the created state.
func (c *Coordinator) CreateTask(ctx context.Context, req TaskRequest) (*Task, error) {
	specs, err := c.planThreads(req)
	if err != nil {
		return nil, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}

	now := nowMillis()
	task := &Task{
		ID:            id,
		Title:         taskTitle(req),
		Mode:          req.Mode,
		Prompt:        req.Prompt,
		SummaryModel:  req.SummaryModel,
		Status:        StatusCreated,
		ShareWebCache: req.ShareWebCache,
		AutoSummary:   req.AutoSummary,
		Cwd:           req.Cwd,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if task.SummaryModel == "" {
		task.SummaryModel = req.Model
	}

	for _, spec := range specs {
		sessionID, err := c.cfg.Launcher.CreateThread(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to create thread %q: %w", spec.Title, err)
		}
		task.ThreadIDs = append(task.ThreadIDs, sessionID)
		task.Threads = append(task.Threads, Thread{SessionID: sessionID, Spec: spec, Status: ThreadPending})
	}

	c.mu.Lock()
	c.tasks[id] = &entry{task: task, done: make(chan struct{})}
	snapshot := task.clone()
	c.mu.Unlock()

	c.autoSave()
	c.logger.Info().
		Str("taskId", id).
		Str("mode", string(req.Mode)).
		Int("threads", len(specs)).
		Msg("Task created")
	c.emit(events.TaskCreated, id, snapshot)

	return snapshot, nil
}

// StartTask launches every thread of a created task. It returns once the
// threads are scheduled; use Wait to block until the task finishes.
func (c *Coordinator) StartTask(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status != StatusCreated {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, id, e.task.Status)
	}
	e.task.Status = StatusRunning
	e.task.UpdatedAt = nowMillis()
	snapshot := e.task.clone()
	c.mu.Unlock()

	c.autoSave()
	c.emitStatus(snapshot)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTask(tracing.MergeContext(c.baseCtx, ctx), snapshot)
	}()
	return nil
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (*Task, error) {
	c.mu.RLock()
	e, ok := c.tasks[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-e.done:
		return c.GetTask(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetTask returns a snapshot of one task.
func (c *Coordinator) GetTask(id string) (*Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.task.clone(), nil
}

// ListTasks returns snapshots of all tasks, newest first.
func (c *Coordinator) ListTasks() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tasks := make([]*Task, 0, len(c.tasks))
	for _, e := range c.tasks {
		tasks = append(tasks, e.task.clone())
	}
	sortNewestFirst(tasks)
	return tasks
}

// DeleteTask forgets a task. Its sessions are left in place and running
// threads are not aborted.
func (c *Coordinator) DeleteTask(id string) error {
	c.mu.Lock()
	e, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(c.tasks, id)
	threadIDs := append([]string(nil), e.task.ThreadIDs...)
	if e.task.SummaryThreadID != "" {
		threadIDs = append(threadIDs, e.task.SummaryThreadID)
	}
	c.mu.Unlock()

	e.finish()
	c.autoSave()
	c.logger.Info().Str("taskId", id).Msg("Task deleted")
	c.emit(events.TaskDeleted, id, map[string]interface{}{"taskId": id, "threadIds": threadIDs})
	return nil
}

// Stats returns counts by status.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{TotalTasks: len(c.tasks)}
	for _, e := range c.tasks {
		stats.TotalThreads += len(e.task.Threads)
		switch e.task.Status {
		case StatusCreated:
			stats.CreatedTasks++
		case StatusRunning:
			stats.RunningTasks++
		case StatusCompleted:
			stats.CompletedTasks++
		case StatusError:
			stats.FailedTasks++
		}
	}
	return stats
}

// On registers an event handler.
func (c *Coordinator) On(eventType events.Type, handler Handler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// Off removes all handlers for an event type.
func (c *Coordinator) Off(eventType events.Type) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	delete(c.handlers, eventType)
}

func (c *Coordinator) runTask(ctx context.Context, task *Task) {
	ctx, span := tracing.StartSpan(ctx, "valedesk.multithread", "multithread.task",
		attribute.String("task_id", task.ID),
		attribute.String("mode", string(task.Mode)),
		attribute.Int("threads", len(task.Threads)),
	)
	defer span.End()

	ctx = tracing.WithTaskID(ctx, task.ID)
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().Int("threads", len(task.Threads)).Msg("Task started")

	var cache *toolexecutor.WebCache
	if task.ShareWebCache {
		cache = toolexecutor.NewWebCache()
	}

	// Threads never fail the group: one thread's error must not cancel its siblings.
	var g errgroup.Group
	for i, th := range task.Threads {
		i, th := i, th
		g.Go(func() error {
			c.runThread(ctx, task.ID, i, th, cache)
			return nil
		})
	}
	_ = g.Wait()

	if task.AutoSummary && ctx.Err() == nil {
		c.runSummary(ctx, task.ID, cache)
	}

	c.mu.Lock()
	e, ok := c.tasks[task.ID]
	if !ok {
		c.mu.Unlock()
		logger.Info().Msg("Task deleted while running")
		return
	}
	t := e.task
	t.ErrorCount = 0
	for _, th := range t.Threads {
		if th.Status == ThreadError {
			t.ErrorCount++
		}
	}
	t.Status = c.cfg.Policy(t.Threads)
	if ctx.Err() != nil && t.Error == "" {
		t.Error = "interrupted"
	}
	t.UpdatedAt = nowMillis()
	snapshot := t.clone()
	c.mu.Unlock()

	span.SetAttributes(attribute.String("status", string(snapshot.Status)), attribute.Int("errors", snapshot.ErrorCount))
	observability.RecordTaskOutcome(string(snapshot.Mode), string(snapshot.Status))
	c.autoSave()
	c.emitStatus(snapshot)
	e.finish()

	logger.Info().
		Str("status", string(snapshot.Status)).
		Int("errorCount", snapshot.ErrorCount).
		Int64("inputTokens", snapshot.Usage.InputTokens).
		Int64("outputTokens", snapshot.Usage.OutputTokens).
		Msg("Task finished")
}

func (c *Coordinator) runThread(ctx context.Context, taskID string, idx int, th Thread, cache *toolexecutor.WebCache) {
	c.updateThread(taskID, func(t *Task) {
		t.Threads[idx].Status = ThreadRunning
	})

	result, err := c.cfg.Launcher.RunThread(ctx, th.SessionID, th.Spec, cache)
	status, text, errMsg, usage := threadOutcome(result, err)
	observability.RecordTaskThread(string(status))

	c.updateThread(taskID, func(t *Task) {
		out := &t.Threads[idx]
		out.Status = status
		out.Text = text
		out.Error = errMsg
		out.Usage = usage
		t.Usage.Add(usage)
	})

	if status == ThreadError {
		c.logger.Warn().Str("taskId", taskID).Str("sessionId", th.SessionID).Str("error", errMsg).Msg("Thread failed")
		c.emitTo(events.TaskError, taskID, th.SessionID, ErrorPayload{Error: errMsg})
	}
}

func (c *Coordinator) runSummary(ctx context.Context, taskID string, cache *toolexecutor.WebCache) {
	task, err := c.GetTask(taskID)
	if err != nil {
		return
	}

	transcripts := make([][]agent.Message, len(task.Threads))
	for i, th := range task.Threads {
		msgs, err := c.cfg.Launcher.Transcript(ctx, th.SessionID)
		if err != nil {
			c.logger.Warn().Err(err).Str("sessionId", th.SessionID).Msg("Failed to read thread transcript")
			continue
		}
		transcripts[i] = msgs
	}

	spec := ThreadSpec{
		Title:  task.Title + " (summary)",
		Model:  task.SummaryModel,
		Prompt: buildSummaryPrompt(task, transcripts),
		Cwd:    task.Cwd,
	}
	sessionID, err := c.cfg.Launcher.CreateThread(ctx, spec)
	if err != nil {
		c.updateThread(taskID, func(t *Task) { t.Error = "summary failed: " + err.Error() })
		c.emitTo(events.TaskError, taskID, "", ErrorPayload{Error: "summary failed: " + err.Error()})
		return
	}

	c.updateThread(taskID, func(t *Task) {
		t.SummaryThreadID = sessionID
		t.Summary = &Thread{SessionID: sessionID, Spec: spec, Status: ThreadRunning}
	})

	result, runErr := c.cfg.Launcher.RunThread(ctx, sessionID, spec, cache)
	status, text, errMsg, usage := threadOutcome(result, runErr)

	c.updateThread(taskID, func(t *Task) {
		t.Summary.Status = status
		t.Summary.Text = text
		t.Summary.Error = errMsg
		t.Summary.Usage = usage
		t.Usage.Add(usage)
		if status == ThreadError {
			t.Error = "summary failed: " + errMsg
		}
	})
	if status == ThreadError {
		c.emitTo(events.TaskError, taskID, sessionID, ErrorPayload{Error: "summary failed: " + errMsg})
	}
}

func threadOutcome(result *agent.RunResult, err error) (ThreadStatus, string, string, agent.TokenUsage) {
	if err != nil {
		return ThreadError, "", err.Error(), agent.TokenUsage{}
	}
	if result == nil {
		return ThreadError, "", "thread returned no result", agent.TokenUsage{}
	}
	switch result.Status {
	case agent.StatusCompleted:
		return ThreadCompleted, result.Text, "", result.Usage
	case agent.StatusIdle:
		return ThreadError, result.Text, "aborted", result.Usage
	default:
		msg := result.Error
		if msg == "" {
			msg = "thread failed"
		}
		return ThreadError, result.Text, msg, result.Usage
	}
}

// updateThread mutates a task in place; it is a no-op once the task is deleted.
func (c *Coordinator) updateThread(taskID string, fn func(*Task)) {
	c.mu.Lock()
	e, ok := c.tasks[taskID]
	if ok {
		fn(e.task)
		e.task.UpdatedAt = nowMillis()
	}
	c.mu.Unlock()
	if ok {
		c.autoSave()
	}
}

func (c *Coordinator) planThreads(req TaskRequest) ([]ThreadSpec, error) {
	title := taskTitle(req)
	withDefaults := func(spec ThreadSpec) ThreadSpec {
		if spec.Model == "" {
			spec.Model = req.Model
		}
		if spec.Cwd == "" {
			spec.Cwd = req.Cwd
		}
		if spec.Temperature == nil {
			spec.Temperature = req.Temperature
		}
		return spec
	}

	switch req.Mode {
	case ModeConsensus:
		if req.Prompt == "" {
			return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
		}
		n := req.Quantity
		if n == 0 {
			n = c.cfg.DefaultThreads
		}
		if n < c.cfg.MinThreads || n > c.cfg.MaxThreads {
			return nil, fmt.Errorf("%w: quantity %d outside [%d, %d]", ErrInvalidRequest, n, c.cfg.MinThreads, c.cfg.MaxThreads)
		}
		specs := make([]ThreadSpec, n)
		for i := range specs {
			specs[i] = withDefaults(ThreadSpec{Title: fmt.Sprintf("%s #%d", title, i+1), Prompt: req.Prompt})
		}
		return specs, nil

	case ModeRoleGroup:
		if req.Prompt == "" {
			return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
		}
		roles := req.Roles
		if len(roles) == 0 {
			roles = DefaultRoles()
		}
		var specs []ThreadSpec
		for _, role := range roles {
			if !role.Enabled {
				continue
			}
			specs = append(specs, withDefaults(ThreadSpec{
				Title:  fmt.Sprintf("%s (%s)", title, role.Name),
				Model:  role.Model,
				Prompt: rolePrompt(role, req.Prompt),
				Role:   role.Name,
			}))
		}
		if len(specs) == 0 {
			return nil, fmt.Errorf("%w: no enabled roles", ErrInvalidRequest)
		}
		if len(specs) > c.cfg.MaxThreads {
			return nil, fmt.Errorf("%w: %d roles exceed the limit of %d", ErrInvalidRequest, len(specs), c.cfg.MaxThreads)
		}
		return specs, nil

	case ModeDifferentTasks:
		if len(req.Tasks) == 0 {
			return nil, fmt.Errorf("%w: at least one task is required", ErrInvalidRequest)
		}
		if len(req.Tasks) > c.cfg.MaxThreads {
			return nil, fmt.Errorf("%w: %d tasks exceed the limit of %d", ErrInvalidRequest, len(req.Tasks), c.cfg.MaxThreads)
		}
		specs := make([]ThreadSpec, len(req.Tasks))
		for i, spec := range req.Tasks {
			if spec.Prompt == "" {
				return nil, fmt.Errorf("%w: task %d has no prompt", ErrInvalidRequest, i+1)
			}
			if spec.Title == "" {
				spec.Title = fmt.Sprintf("%s #%d", title, i+1)
			}
			specs[i] = withDefaults(spec)
		}
		return specs, nil

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
}

func (c *Coordinator) emitStatus(task *Task) {
	c.emit(events.TaskStatus, task.ID, StatusPayload{
		Status:     task.Status,
		ErrorCount: task.ErrorCount,
		Usage:      task.Usage,
		Task:       task,
	})
}

func (c *Coordinator) emit(t events.Type, taskID string, payload interface{}) {
	c.emitTo(t, taskID, "", payload)
}

func (c *Coordinator) emitTo(t events.Type, taskID, sessionID string, payload interface{}) {
	ev := events.Event{Type: t, TaskID: taskID, SessionID: sessionID, Payload: payload, Timestamp: nowMillis()}
	c.cfg.Emit(ev)

	c.eventMu.RLock()
	handlers := append([]Handler(nil), c.handlers[t]...)
	c.eventMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Coordinator) autoSave() {
	if !c.cfg.AutoSave {
		return
	}
	if err := c.save(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to save task registry")
	}
}

// save persists the registry with an atomic rename.
func (c *Coordinator) save() error {
	c.mu.RLock()
	tasks := make([]*Task, 0, len(c.tasks))
	for _, e := range c.tasks {
		tasks = append(tasks, e.task.clone())
	}
	c.mu.RUnlock()
	sortNewestFirst(tasks)

	data, err := json.MarshalIndent(Registry{Version: 1, Tasks: tasks, LastUpdated: nowMillis()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.cfg.RegistryPath), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tempPath := c.cfg.RegistryPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tempPath, c.cfg.RegistryPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

func taskTitle(req TaskRequest) string {
	if req.Title != "" {
		return req.Title
	}
	if req.Prompt != "" {
		runes := []rune(req.Prompt)
		if len(runes) > 60 {
			runes = runes[:60]
		}
		return string(runes)
	}
	return "Multi-thread task"
}
