// Package permission arbitrates human approval of tool calls.
//
// A Gate holds the pending requests of one run. Each request waits on a
// single select over its resolution and the run context, so aborting the
// run denies every outstanding request without polling.
package permission

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Request describes one tool invocation awaiting approval.
type Request struct {
	ToolUseID   string      `json:"toolUseId"`
	ToolName    string      `json:"toolName"`
	Input       interface{} `json:"input"`
	Explanation string      `json:"explanation,omitempty"`
}

// Decision records how a request ended.
type Decision string

const (
	Approved  Decision = "approved"
	Denied    Decision = "denied"
	Cancelled Decision = "cancelled"
)

// Gate is the pending-request map for one run.
type Gate struct {
	mu      sync.Mutex
	pending map[string]chan bool
	notify  func(Request)
	observe func(Request, Decision)
	logger  zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotify sets the callback invoked once a request is registered and can
// be resolved. The runner uses it to emit permission.request.
func WithNotify(fn func(Request)) Option {
	return func(g *Gate) { g.notify = fn }
}

// WithObserver sets a callback invoked with every final decision.
func WithObserver(fn func(Request, Decision)) Option {
	return func(g *Gate) { g.observe = fn }
}

// WithLogger sets the gate's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates an empty gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending: make(map[string]chan bool),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request blocks until the request is resolved or ctx is done. Cancellation
// and a duplicate id both count as denial.
func (g *Gate) Request(ctx context.Context, req Request) bool {
	ch := make(chan bool, 1)

	g.mu.Lock()
	if _, exists := g.pending[req.ToolUseID]; exists {
		g.mu.Unlock()
		g.logger.Warn().Str("toolUseId", req.ToolUseID).Msg("Duplicate permission request denied")
		g.finish(req, Denied)
		return false
	}
	g.pending[req.ToolUseID] = ch
	g.mu.Unlock()

	g.logger.Debug().
		Str("toolUseId", req.ToolUseID).
		Str("tool", req.ToolName).
		Msg("Awaiting permission")

	if g.notify != nil {
		g.notify(req)
	}

	select {
	case approved := <-ch:
		if approved {
			g.finish(req, Approved)
		} else {
			g.finish(req, Denied)
		}
		return approved
	case <-ctx.Done():
		g.remove(req.ToolUseID)
		g.finish(req, Cancelled)
		return false
	}
}

// Resolve delivers a decision. Unknown or already resolved ids are ignored.
func (g *Gate) Resolve(toolUseID string, approved bool) bool {
	g.mu.Lock()
	ch, ok := g.pending[toolUseID]
	if ok {
		delete(g.pending, toolUseID)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	ch <- approved
	return true
}

// CancelAll denies every outstanding request.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	pending := g.pending
	g.pending = make(map[string]chan bool)
	g.mu.Unlock()

	for _, ch := range pending {
		ch <- false
	}
}

// Pending returns the number of outstanding requests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *Gate) finish(req Request, d Decision) {
	g.logger.Info().
		Str("toolUseId", req.ToolUseID).
		Str("tool", req.ToolName).
		Str("decision", string(d)).
		Msg("Permission resolved")
	if g.observe != nil {
		g.observe(req, d)
	}
}
