package multithread

import (
	"context"
	"errors"
	"time"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// Mode selects how a task fans out into threads.
type Mode string

const (
	ModeConsensus      Mode = "consensus"
	ModeRoleGroup      Mode = "role_group"
	ModeDifferentTasks Mode = "different_tasks"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ThreadStatus is the outcome of one thread.
type ThreadStatus string

const (
	ThreadPending   ThreadStatus = "pending"
	ThreadRunning   ThreadStatus = "running"
	ThreadCompleted ThreadStatus = "completed"
	ThreadError     ThreadStatus = "error"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidRequest = errors.New("invalid task request")
	ErrAlreadyStarted = errors.New("task already started")
)

// Role is one perspective in a role group.
type Role struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	Model        string `json:"model,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// ThreadSpec is what one thread runs.
type ThreadSpec struct {
	Title       string   `json:"title"`
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	Role        string   `json:"role,omitempty"`
	Cwd         string   `json:"cwd,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// TaskRequest describes a new task.
type TaskRequest struct {
	Title         string       `json:"title"`
	Mode          Mode         `json:"mode"`
	Prompt        string       `json:"prompt"`
	Model         string       `json:"model,omitempty"`
	Quantity      int          `json:"quantity,omitempty"`
	Roles         []Role       `json:"roles,omitempty"`
	Tasks         []ThreadSpec `json:"tasks,omitempty"`
	AutoSummary   bool         `json:"autoSummary"`
	SummaryModel  string       `json:"summaryModel,omitempty"`
	ShareWebCache bool         `json:"shareWebCache"`
	Cwd           string       `json:"cwd,omitempty"`
	Temperature   *float64     `json:"temperature,omitempty"`
}

// Thread is one runner instance belonging to a task.
type Thread struct {
	SessionID string           `json:"sessionId"`
	Spec      ThreadSpec       `json:"spec"`
	Status    ThreadStatus     `json:"status"`
	Error     string           `json:"error,omitempty"`
	Text      string           `json:"text,omitempty"`
	Usage     agent.TokenUsage `json:"usage"`
}

// Task is the coordinator's record of one fan-out.
type Task struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Mode            Mode             `json:"mode"`
	Prompt          string           `json:"prompt"`
	ThreadIDs       []string         `json:"threadIds"`
	Threads         []Thread         `json:"threads"`
	SummaryThreadID string           `json:"summaryThreadId,omitempty"`
	Summary         *Thread          `json:"summary,omitempty"`
	SummaryModel    string           `json:"summaryModel,omitempty"`
	Status          Status           `json:"status"`
	ShareWebCache   bool             `json:"shareWebCache"`
	AutoSummary     bool             `json:"autoSummary"`
	ErrorCount      int              `json:"errorCount"`
	Usage           agent.TokenUsage `json:"usage"`
	Error           string           `json:"error,omitempty"`
	Cwd             string           `json:"cwd,omitempty"`
	CreatedAt       int64            `json:"createdAt"`
	UpdatedAt       int64            `json:"updatedAt"`
}

func (t *Task) clone() *Task {
	cp := *t
	cp.ThreadIDs = append([]string(nil), t.ThreadIDs...)
	cp.Threads = append([]Thread(nil), t.Threads...)
	if t.Summary != nil {
		s := *t.Summary
		cp.Summary = &s
	}
	return &cp
}

// ThreadLauncher creates and drives the sessions behind threads.
type ThreadLauncher interface {
	// CreateThread creates an idle session for spec and returns its id.
	CreateThread(ctx context.Context, spec ThreadSpec) (string, error)
	// RunThread runs one session to a terminal state. cache is nil unless
	// the task shares one web cache across its threads.
	RunThread(ctx context.Context, sessionID string, spec ThreadSpec, cache *toolexecutor.WebCache) (*agent.RunResult, error)
	// Transcript returns a thread's persisted messages.
	Transcript(ctx context.Context, sessionID string) ([]agent.Message, error)
}

// AggregatePolicy derives a task status from its thread outcomes.
type AggregatePolicy func(threads []Thread) Status

// MajorityPolicy marks a task as failed only when more than half of its
// threads failed.
func MajorityPolicy(threads []Thread) Status {
	errored := 0
	for _, th := range threads {
		if th.Status == ThreadError {
			errored++
		}
	}
	if errored*2 > len(threads) {
		return StatusError
	}
	return StatusCompleted
}

// AllSucceededPolicy marks a task as failed when any thread failed.
func AllSucceededPolicy(threads []Thread) Status {
	for _, th := range threads {
		if th.Status == ThreadError {
			return StatusError
		}
	}
	return StatusCompleted
}

// Stats summarizes the tasks the coordinator tracks.
type Stats struct {
	TotalTasks     int `json:"totalTasks"`
	CreatedTasks   int `json:"createdTasks"`
	RunningTasks   int `json:"runningTasks"`
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
	TotalThreads   int `json:"totalThreads"`
}

// Registry is the persisted form.
type Registry struct {
	Version     int     `json:"version"`
	Tasks       []*Task `json:"tasks"`
	LastUpdated int64   `json:"lastUpdated"`
}

// StatusPayload accompanies task.status events.
type StatusPayload struct {
	Status     Status           `json:"status"`
	ErrorCount int              `json:"errorCount"`
	Usage      agent.TokenUsage `json:"usage"`
	Task       *Task            `json:"task"`
}

// ErrorPayload accompanies task.error events.
type ErrorPayload struct {
	Error string `json:"error"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
