package agent

import (
	"context"
	"time"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// MessageType discriminates transcript entries.
type MessageType string

const (
	MessageUserPrompt MessageType = "user_prompt"
	MessageText       MessageType = "text"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageResult     MessageType = "result"
)

// Message is one transcript entry. Which fields are set depends on Type.
type Message struct {
	Type MessageType `json:"type"`
	UUID string      `json:"uuid"`

	// user_prompt
	Prompt    string `json:"prompt,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"toolUseId,omitempty"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"isError,omitempty"`

	// result
	Summary    string      `json:"summary,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

// StreamFragment is a raw text fragment forwarded while the model streams.
type StreamFragment struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Delta string `json:"delta,omitempty"`
}

const (
	FragmentBlockStart = "content_block_start"
	FragmentBlockDelta = "content_block_delta"
	FragmentBlockStop  = "content_block_stop"
)

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// SessionStatus is the coarse state of a session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Session is the metadata of one conversation.
type Session struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Cwd          string        `json:"cwd,omitempty"`
	Model        string        `json:"model,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
	Status       SessionStatus `json:"status"`
	AllowedTools string        `json:"allowedTools,omitempty"`
	LastPrompt   string        `json:"lastPrompt,omitempty"`
	IsPinned     bool          `json:"isPinned"`
	InputTokens  int64         `json:"inputTokens"`
	OutputTokens int64         `json:"outputTokens"`
	CreatedAt    int64         `json:"createdAt"`
	UpdatedAt    int64         `json:"updatedAt"`
}

// SessionPatch is a partial update. Nil fields are left untouched.
type SessionPatch struct {
	Title        *string
	Status       *SessionStatus
	Cwd          *string
	Model        *string
	Temperature  *float64
	AllowedTools *string
	LastPrompt   *string
}

// TodoItem is one entry of a session's task list.
type TodoItem struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// History is everything stored for a session.
type History struct {
	Session  *Session   `json:"session"`
	Messages []Message  `json:"messages"`
	Todos    []TodoItem `json:"todos"`
}

// SessionStore is the persistence port the runner writes through.
type SessionStore interface {
	Append(ctx context.Context, sessionID string, msg Message) error
	ReadHistory(ctx context.Context, sessionID string) (*History, error)
	UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error
	AddTokens(ctx context.Context, sessionID string, usage TokenUsage) error
	SaveTodos(ctx context.Context, sessionID string, todos []TodoItem) error
}

// ToolExecutor is the tool port bound to one run.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) toolexecutor.ToolResult
	Schemas() []toolexecutor.Schema
}

// ToolsFactory binds tools to a run's execution context.
type ToolsFactory func(execCtx toolexecutor.ExecutionContext) ToolExecutor

// MemorySource supplies long-term memory text.
type MemorySource interface {
	Content() string
	Reload() error
}

// PermissionMode selects whether tool calls need approval.
type PermissionMode string

const (
	PermissionAsk     PermissionMode = "ask"
	PermissionDefault PermissionMode = "default"
)

// RunParams contains input parameters for one run.
type RunParams struct {
	SessionID   string
	Prompt      string
	Model       string
	Temperature *float64
	Cwd         string
	// Resume replays the stored transcript before the prompt.
	Resume bool
	// Retry marks a caller-initiated retry of a failed run.
	Retry bool
	// AllowedTools skip the permission gate in ask mode.
	AllowedTools string
	// WebCache overrides the per-run cache, e.g. to share one across threads.
	WebCache *toolexecutor.WebCache
}

// RunResult describes how a run ended.
type RunResult struct {
	SessionID  string        `json:"sessionId"`
	Status     SessionStatus `json:"status"`
	Text       string        `json:"text,omitempty"`
	Error      string        `json:"error,omitempty"`
	Usage      TokenUsage    `json:"usage"`
	DurationMs int64         `json:"durationMs"`
	Iterations int           `json:"iterations"`
	Hints      int           `json:"hints"`
}

// StatusPayload is carried by session.status events.
type StatusPayload struct {
	Status     SessionStatus `json:"status"`
	Title      string        `json:"title,omitempty"`
	DurationMs int64         `json:"durationMs,omitempty"`
	Usage      *TokenUsage   `json:"usage,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// TodosPayload is carried by todos.updated events.
type TodosPayload struct {
	Todos []TodoItem `json:"todos"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
