package gateway

import (
	"context"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/scheduler"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

// Service is the engine surface the gateway exposes. Run-starting calls
// return as soon as the run is accepted; progress arrives as events.
type Service interface {
	StartSession(ctx context.Context, params session.CreateParams) (*agent.Session, error)
	ContinueSession(ctx context.Context, sessionID, prompt string) error
	StopSession(sessionID string) bool
	ResolvePermission(sessionID, toolUseID string, approved bool) bool
	EditMessage(ctx context.Context, sessionID, messageUUID, prompt string) error
	ListSessions(ctx context.Context) ([]agent.Session, error)
	History(ctx context.Context, sessionID string) (*agent.History, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PinSession(ctx context.Context, sessionID string, pinned bool) error

	CreateTask(ctx context.Context, req multithread.TaskRequest) (*multithread.Task, error)
	StartTask(ctx context.Context, taskID string) error
	GetTask(taskID string) (*multithread.Task, error)
	ListTasks() []*multithread.Task
	DeleteTask(taskID string) error

	CreateSchedule(ctx context.Context, params scheduler.AddParams) (*session.ScheduledTask, error)
	ListSchedules(ctx context.Context) ([]session.ScheduledTask, error)
	DeleteSchedule(ctx context.Context, id string) error
}
