package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

// DefaultInterval is how often due tasks are polled.
const DefaultInterval = 30 * time.Second

// Store is the scheduled-task persistence the scheduler needs.
type Store interface {
	CreateScheduledTask(ctx context.Context, task *session.ScheduledTask) error
	ListScheduledTasks(ctx context.Context) ([]session.ScheduledTask, error)
	DueScheduledTasks(ctx context.Context, now int64) ([]session.ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, id string, patch session.ScheduledTaskPatch) error
	DeleteScheduledTask(ctx context.Context, id string) error
}

// Executor starts a run for a due task's prompt.
type Executor func(ctx context.Context, task session.ScheduledTask) error

// Config configures a Scheduler.
type Config struct {
	Store    Store
	Execute  Executor
	Emit     events.Emitter
	Interval time.Duration
	Logger   zerolog.Logger
}

// AddParams describes a new scheduled task.
type AddParams struct {
	Title        string `json:"title"`
	Prompt       string `json:"prompt,omitempty"`
	Schedule     string `json:"schedule"`
	NotifyBefore *int64 `json:"notifyBefore,omitempty"`
}

// ExecutePayload accompanies scheduler.task_execute events.
type ExecutePayload struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
	Prompt string `json:"prompt,omitempty"`
}

// UpcomingPayload accompanies scheduler.task_upcoming events.
type UpcomingPayload struct {
	TaskID        string `json:"taskId"`
	Title         string `json:"title"`
	MinutesBefore int64  `json:"minutesBefore"`
	NextRun       int64  `json:"nextRun"`
}

// Scheduler polls the store for due tasks on a cron job and runs them.
type Scheduler struct {
	cfg  Config
	cron *cron.Cron

	mu       sync.Mutex
	running  bool
	notified map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start to begin polling.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Emit == nil {
		cfg.Emit = events.Discard
	}
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	clog := cronLogger{logger: cfg.Logger}
	return &Scheduler{
		cfg:      cfg,
		cron:     cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		notified: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start registers the poll job and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	spec := "@every " + s.cfg.Interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.CheckNow(s.ctx, time.Now()) }); err != nil {
		return fmt.Errorf("failed to register poll job: %w", err)
	}
	s.cron.Start()
	s.running = true

	s.cfg.Logger.Info().Dur("interval", s.cfg.Interval).Msg("Scheduler started")
	return nil
}

// Stop halts polling and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	s.cfg.Logger.Info().Msg("Scheduler stopped")
}

// Add validates the schedule and stores an enabled task.
func (s *Scheduler) Add(ctx context.Context, params AddParams) (*session.ScheduledTask, error) {
	if strings.TrimSpace(params.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	next, err := NextRun(params.Schedule, time.Now())
	if err != nil {
		return nil, err
	}

	task := &session.ScheduledTask{
		Title:        params.Title,
		Prompt:       params.Prompt,
		Schedule:     strings.TrimSpace(params.Schedule),
		NextRun:      next.UnixMilli(),
		IsRecurring:  IsRecurring(params.Schedule),
		NotifyBefore: params.NotifyBefore,
		Enabled:      true,
	}
	if err := s.cfg.Store.CreateScheduledTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// List returns every stored task.
func (s *Scheduler) List(ctx context.Context) ([]session.ScheduledTask, error) {
	return s.cfg.Store.ListScheduledTasks(ctx)
}

// Remove deletes a task.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.notified, id)
	s.mu.Unlock()
	return s.cfg.Store.DeleteScheduledTask(ctx, id)
}

// CheckNow runs one poll as of now: upcoming reminders first, then due tasks.
func (s *Scheduler) CheckNow(ctx context.Context, now time.Time) {
	nowMs := now.UnixMilli()
	s.checkUpcoming(ctx, nowMs)

	due, err := s.cfg.Store.DueScheduledTasks(ctx, nowMs)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("Failed to load due tasks")
		return
	}
	for _, task := range due {
		s.fire(ctx, task, now)
	}
}

func (s *Scheduler) checkUpcoming(ctx context.Context, nowMs int64) {
	tasks, err := s.cfg.Store.ListScheduledTasks(ctx)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("Failed to list tasks for reminders")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		if !task.Enabled || task.NotifyBefore == nil || s.notified[task.ID] {
			continue
		}
		notifyAt := task.NextRun - *task.NotifyBefore*int64(time.Minute/time.Millisecond)
		if nowMs >= notifyAt && nowMs < task.NextRun {
			s.notified[task.ID] = true
			s.cfg.Emit(events.Event{Type: events.SchedulerUpcoming, Payload: UpcomingPayload{
				TaskID:        task.ID,
				Title:         task.Title,
				MinutesBefore: *task.NotifyBefore,
				NextRun:       task.NextRun,
			}})
		}
	}
}

// fire reschedules or disables the task before running it so a slow run
// cannot be picked up by the next poll.
func (s *Scheduler) fire(ctx context.Context, task session.ScheduledTask, now time.Time) {
	logger := s.cfg.Logger.With().Str("taskId", task.ID).Str("title", task.Title).Logger()

	var patch session.ScheduledTaskPatch
	if task.IsRecurring {
		next, err := NextRun(task.Schedule, now)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reschedule recurring task, disabling")
			disabled := false
			patch.Enabled = &disabled
		} else {
			nextMs := next.UnixMilli()
			patch.NextRun = &nextMs
		}
	} else {
		disabled := false
		patch.Enabled = &disabled
	}
	if err := s.cfg.Store.UpdateScheduledTask(ctx, task.ID, patch); err != nil {
		logger.Error().Err(err).Msg("Failed to update fired task")
		observability.RecordSchedulerRun(false)
		return
	}

	s.mu.Lock()
	delete(s.notified, task.ID)
	s.mu.Unlock()

	logger.Info().Bool("recurring", task.IsRecurring).Msg("Scheduled task fired")
	s.cfg.Emit(events.Event{Type: events.SchedulerExecute, Payload: ExecutePayload{
		TaskID: task.ID,
		Title:  task.Title,
		Prompt: task.Prompt,
	}})

	if task.Prompt == "" || s.cfg.Execute == nil {
		observability.RecordSchedulerRun(true)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.cfg.Execute(s.ctx, task)
		observability.RecordSchedulerRun(err == nil)
		if err != nil {
			logger.Error().Err(err).Msg("Scheduled prompt failed")
		}
	}()
}

// cronLogger routes robfig/cron logs through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
