package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
)

// StreamType groups pushed events so clients can route them without
// knowing every event name.
type StreamType string

const (
	StreamTypeAssistant StreamType = "assistant"
	StreamTypeTool      StreamType = "tool"
	StreamTypeLifecycle StreamType = "lifecycle"
	StreamTypeTask      StreamType = "task"
	StreamTypeScheduler StreamType = "scheduler"
)

// streamFor maps an engine event type to its stream.
func streamFor(t events.Type) StreamType {
	switch t {
	case events.StreamMessage:
		return StreamTypeAssistant
	case events.PermissionRequest, events.TodosUpdated:
		return StreamTypeTool
	case events.TaskCreated, events.TaskStatus, events.TaskError, events.TaskDeleted:
		return StreamTypeTask
	case events.SchedulerExecute, events.SchedulerUpcoming:
		return StreamTypeScheduler
	default:
		return StreamTypeLifecycle
	}
}

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is what a websocket client receives for every bus event.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge is sent on connect when a shared secret is configured.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse carries the client's HMAC of the challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	NotFound               = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	Conflict               = -32009
)

// Client is a connected websocket client. Writes are serialized because
// responses and pushed events come from different goroutines.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu sync.Mutex
}

// WriteMessage writes one frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// WriteJSON writes v as one text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
