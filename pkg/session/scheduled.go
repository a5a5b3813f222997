package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ScheduledTask is a prompt the scheduler runs at NextRun.
type ScheduledTask struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Prompt       string `json:"prompt,omitempty"`
	Schedule     string `json:"schedule"`
	NextRun      int64  `json:"nextRun"`
	IsRecurring  bool   `json:"isRecurring"`
	NotifyBefore *int64 `json:"notifyBefore,omitempty"`
	Enabled      bool   `json:"enabled"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// ScheduledTaskPatch is a partial update; nil fields are left unchanged.
type ScheduledTaskPatch struct {
	Title        *string
	Prompt       *string
	Schedule     *string
	NextRun      *int64
	IsRecurring  *bool
	NotifyBefore *int64
	Enabled      *bool
}

const taskColumns = `id, title, prompt, schedule, next_run, is_recurring, notify_before, enabled, created_at, updated_at`

// CreateScheduledTask stores a new task, filling in id and timestamps.
func (s *Store) CreateScheduledTask(ctx context.Context, task *ScheduledTask) error {
	if strings.TrimSpace(task.Schedule) == "" {
		return fmt.Errorf("schedule is required")
	}
	if task.ID == "" {
		id, err := gonanoid.New(12)
		if err != nil {
			return fmt.Errorf("failed to generate task id: %w", err)
		}
		task.ID = "sched_" + id
	}
	now := time.Now().UnixMilli()
	task.CreatedAt = now
	task.UpdatedAt = now

	var notify sql.NullInt64
	if task.NotifyBefore != nil {
		notify = sql.NullInt64{Int64: *task.NotifyBefore, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, nullString(task.Prompt), task.Schedule, task.NextRun, boolInt(task.IsRecurring),
		notify, boolInt(task.Enabled), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scheduled task: %w", err)
	}

	s.logger.Info().Str("task_id", task.ID).Str("schedule", task.Schedule).Msg("Scheduled task created")
	return nil
}

// GetScheduledTask returns one task or ErrNotFound.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduled task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled task: %w", err)
	}
	return task, nil
}

// ListScheduledTasks returns all tasks ordered by next run.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY next_run ASC`)
}

// DueScheduledTasks returns enabled tasks whose next run is at or before now
// (unix millis).
func (s *Store) DueScheduledTasks(ctx context.Context, now int64) ([]ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC`, now)
}

// UpdateScheduledTask applies a partial update.
func (s *Store) UpdateScheduledTask(ctx context.Context, id string, patch ScheduledTaskPatch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UnixMilli()}

	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Prompt != nil {
		add("prompt", *patch.Prompt)
	}
	if patch.Schedule != nil {
		add("schedule", *patch.Schedule)
	}
	if patch.NextRun != nil {
		add("next_run", *patch.NextRun)
	}
	if patch.IsRecurring != nil {
		add("is_recurring", boolInt(*patch.IsRecurring))
	}
	if patch.NotifyBefore != nil {
		add("notify_before", *patch.NotifyBefore)
	}
	if patch.Enabled != nil {
		add("enabled", boolInt(*patch.Enabled))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update scheduled task: %w", err)
	}
	return expectRow(res, "scheduled task", id)
}

// DeleteScheduledTask removes a task.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled task: %w", err)
	}
	return expectRow(res, "scheduled task", id)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var (
		task               ScheduledTask
		prompt             sql.NullString
		notify             sql.NullInt64
		recurring, enabled int
	)
	if err := row.Scan(&task.ID, &task.Title, &prompt, &task.Schedule, &task.NextRun, &recurring,
		&notify, &enabled, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Prompt = prompt.String
	task.IsRecurring = recurring != 0
	task.Enabled = enabled != 0
	if notify.Valid {
		n := notify.Int64
		task.NotifyBefore = &n
	}
	return &task, nil
}
