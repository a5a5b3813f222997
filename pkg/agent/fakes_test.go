package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// memStore is an in-memory SessionStore.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	messages map[string][]Message
	todos    map[string][]TodoItem
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
		todos:    make(map[string][]TodoItem),
	}
}

func (s *memStore) create(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &Session{ID: id, Status: StatusIdle}
}

func (s *memStore) Append(ctx context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

func (s *memStore) ReadHistory(ctx context.Context, sessionID string) (*History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	cp := *sess
	return &History{
		Session:  &cp,
		Messages: append([]Message(nil), s.messages[sessionID]...),
		Todos:    append([]TodoItem(nil), s.todos[sessionID]...),
	}, nil
}

func (s *memStore) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.LastPrompt != nil {
		sess.LastPrompt = *patch.LastPrompt
	}
	return nil
}

func (s *memStore) AddTokens(ctx context.Context, sessionID string, usage TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.InputTokens += usage.InputTokens
		sess.OutputTokens += usage.OutputTokens
	}
	return nil
}

func (s *memStore) SaveTodos(ctx context.Context, sessionID string, todos []TodoItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos[sessionID] = todos
	return nil
}

func (s *memStore) transcript(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[sessionID]...)
}

func (s *memStore) session(sessionID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[sessionID]
}

func (s *memStore) types(sessionID string) []MessageType {
	var out []MessageType
	for _, m := range s.transcript(sessionID) {
		out = append(out, m.Type)
	}
	return out
}

// scriptedClient answers each completion with the next script entry. The
// last entry repeats once the script is exhausted.
type scriptedClient struct {
	mu       sync.Mutex
	script   [][]ChunkEvent
	requests []CompletionRequest
}

func (c *scriptedClient) Provider() string { return "fake" }

func (c *scriptedClient) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan ChunkEvent, error) {
	c.mu.Lock()
	idx := len(c.requests)
	c.requests = append(c.requests, req)
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	chunks := c.script[idx]
	c.mu.Unlock()

	ch := make(chan ChunkEvent, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) calls() []CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletionRequest(nil), c.requests...)
}

// blockingClient streams nothing until the context is cancelled.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingClient) Provider() string { return "fake" }

func (c *blockingClient) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan ChunkEvent, error) {
	c.once.Do(func() { close(c.started) })
	ch := make(chan ChunkEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func textReply(text string) []ChunkEvent {
	return []ChunkEvent{
		{TextDelta: text},
		{Usage: &Usage{PromptTokens: 10, CompletionTokens: 5}},
		{FinishReason: "stop"},
	}
}

func toolReply(calls ...ToolCall) []ChunkEvent {
	var out []ChunkEvent
	for i, c := range calls {
		out = append(out,
			ChunkEvent{ToolCall: &ToolCallDelta{Index: i, ID: c.ID, Name: c.Name}},
			ChunkEvent{ToolCall: &ToolCallDelta{Index: i, ArgumentsFragment: c.Arguments}},
		)
	}
	out = append(out,
		ChunkEvent{Usage: &Usage{PromptTokens: 20, CompletionTokens: 8}},
		ChunkEvent{FinishReason: "tool_calls"},
	)
	return out
}

type fakeMemory struct {
	mu      sync.Mutex
	content string
	next    string
	reloads int
}

func (m *fakeMemory) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content
}

func (m *fakeMemory) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	if m.next != "" {
		m.content = m.next
	}
	return nil
}

func scopeFactory(te *toolexecutor.ToolExecutor) ToolsFactory {
	return func(execCtx toolexecutor.ExecutionContext) ToolExecutor {
		return te.Scope(execCtx)
	}
}
