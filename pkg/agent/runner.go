package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
	"github.com/vakovalskii/ValeDesk-sub000/internal/tracing"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/loopdetect"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/permission"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

const (
	DefaultMaxIterations = 50

	permissionDeniedOutput = "Permission denied by user"
	cancelledOutput        = "Tool execution cancelled"
)

// Config wires a Runner to its ports.
type Config struct {
	Client ModelClient
	// ClientError is reported as the run's only error when Client is nil.
	ClientError error
	Tools       ToolsFactory
	Store       SessionStore
	Memory      MemorySource
	Emit        events.Emitter
	Logger      zerolog.Logger

	PermissionMode PermissionMode
	// AutoApprove lists tools that never wait for permission.
	AutoApprove *toolexecutor.ToolPolicy
	// ToolPolicy hides tools from the model entirely.
	ToolPolicy *toolexecutor.ToolPolicy

	MaxIterations   int
	Loop            loopdetect.Config
	SystemPrompt    string
	SendTemperature bool
	MaxTokens       int
}

// Runner drives conversations. One Runner serves many sessions, but each
// session has at most one active run, and every run owns its permission
// gate and loop window.
type Runner struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*run
}

// NewRunner creates a runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tools factory is required")
	}
	if cfg.Emit == nil {
		cfg.Emit = events.Discard
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = PermissionDefault
	}
	if cfg.Loop == (loopdetect.Config{}) {
		cfg.Loop = loopdetect.DefaultConfig()
	}

	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger,
		active: make(map[string]*run),
	}, nil
}

// run is the private state of one execution.
type run struct {
	runner    *Runner
	params    RunParams
	sessionID string
	title     string
	model     string
	start     time.Time

	ctx        context.Context
	persistCtx context.Context
	cancel     context.CancelFunc
	aborted    atomic.Bool
	finished   atomic.Bool

	gate        *permission.Gate
	detector    *loopdetect.Detector
	tools       ToolExecutor
	autoApprove *toolexecutor.ToolPolicy
	conv        *conversation
	todos       []TodoItem

	usage      TokenUsage
	iterations int
	hint       string
	hints      int
	result     *RunResult

	logger zerolog.Logger
}

// Run executes one run to a terminal status and returns its outcome. A
// non-nil error means the run never started.
func (r *Runner) Run(ctx context.Context, params RunParams) (*RunResult, error) {
	if strings.TrimSpace(params.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}

	ctx = tracing.NewRunContext(ctx, params.SessionID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ru := &run{
		runner:     r,
		params:     params,
		sessionID:  params.SessionID,
		start:      time.Now(),
		ctx:        runCtx,
		persistCtx: context.WithoutCancel(runCtx),
		cancel:     cancel,
		detector:   loopdetect.New(r.cfg.Loop),
		logger:     tracing.LoggerFromContext(ctx, r.logger),
	}
	ru.gate = permission.NewGate(
		permission.WithLogger(ru.logger),
		permission.WithNotify(func(req permission.Request) {
			r.emit(ru.sessionID, events.PermissionRequest, req)
		}),
		permission.WithObserver(func(req permission.Request, d permission.Decision) {
			observability.RecordPermissionDecision(string(d))
			observability.RecordPermissionAudit(ru.persistCtx, req.ToolName, ru.sessionID, string(d), map[string]interface{}{
				"toolUseId": req.ToolUseID,
			})
		}),
	)

	r.mu.Lock()
	if _, busy := r.active[params.SessionID]; busy {
		r.mu.Unlock()
		return nil, ErrSessionBusy
	}
	r.active[params.SessionID] = ru
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.active, params.SessionID)
		r.mu.Unlock()
	}()

	// Callers may cancel before the run is registered, where Abort cannot
	// see it. Cancellation of ctx is an abort either way.
	stopWatch := context.AfterFunc(ctx, func() {
		ru.aborted.Store(true)
		ru.gate.CancelAll()
	})
	defer stopWatch()
	if ctx.Err() != nil {
		ru.aborted.Store(true)
	}

	observability.IncActiveRuns()
	defer observability.DecActiveRuns()

	provider := "none"
	if r.cfg.Client != nil {
		provider = r.cfg.Client.Provider()
	}
	spanCtx, span := tracing.StartSpan(runCtx, "valedesk.agent", "agent.run",
		attribute.String("session_id", params.SessionID),
		attribute.String("provider", provider),
	)
	defer span.End()
	ru.ctx = spanCtx

	ru.execute()

	res := ru.result
	if res == nil {
		res = &RunResult{SessionID: params.SessionID, Status: StatusIdle}
	}
	observability.RecordAgentRun(provider, string(res.Status), time.Since(ru.start))
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("iterations", res.Iterations),
		attribute.Int64("input_tokens", res.Usage.InputTokens),
		attribute.Int64("output_tokens", res.Usage.OutputTokens),
	)
	if res.Status == StatusError {
		span.RecordError(errors.New(res.Error))
		span.SetStatus(codes.Error, res.Error)
	}
	return res, nil
}

// Abort cancels the session's active run. The run ends idle.
func (r *Runner) Abort(sessionID string) bool {
	r.mu.Lock()
	ru, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ru.aborted.Store(true)
	ru.cancel()
	ru.gate.CancelAll()
	return true
}

// ResolvePermission answers a pending permission request of the session's run.
func (r *Runner) ResolvePermission(sessionID, toolUseID string, approved bool) bool {
	r.mu.Lock()
	ru, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return ru.gate.Resolve(toolUseID, approved)
}

// IsRunning reports whether the session has an active run.
func (r *Runner) IsRunning(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// ActiveSessions returns the ids of sessions with an active run.
func (r *Runner) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) emit(sessionID string, t events.Type, payload interface{}) {
	r.cfg.Emit(events.Event{
		Type:      t,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: nowMillis(),
	})
}

func (ru *run) execute() {
	cfg := ru.runner.cfg

	if cfg.Client == nil {
		err := cfg.ClientError
		if err == nil {
			err = ErrNoModelClient
		}
		ru.fail(err)
		return
	}

	history, err := cfg.Store.ReadHistory(ru.persistCtx, ru.sessionID)
	if err != nil {
		ru.fail(fmt.Errorf("failed to read session history: %w", err))
		return
	}

	session := history.Session
	if session != nil {
		ru.title = session.Title
		ru.model = session.Model
	}
	if ru.params.Model != "" {
		ru.model = ru.params.Model
	}
	if ru.params.Temperature == nil && session != nil {
		ru.params.Temperature = session.Temperature
	}
	ru.todos = history.Todos

	cwd := ru.params.Cwd
	if cwd == "" && session != nil {
		cwd = session.Cwd
	}
	allowed := ru.params.AllowedTools
	if allowed == "" && session != nil {
		allowed = session.AllowedTools
	}
	ru.autoApprove = toolexecutor.ParseAllowedTools(allowed)

	cache := ru.params.WebCache
	if cache == nil {
		cache = toolexecutor.NewWebCache()
	}
	ru.tools = cfg.Tools(toolexecutor.ExecutionContext{
		SessionID:  ru.sessionID,
		WorkingDir: cwd,
		Policy:     cfg.ToolPolicy,
		WebCache:   cache,
	})

	running := StatusRunning
	patch := SessionPatch{Status: &running}
	if ru.params.Prompt != "" {
		patch.LastPrompt = &ru.params.Prompt
	}
	if ru.params.Model != "" {
		patch.Model = &ru.params.Model
	}
	if ru.title == "" && ru.params.Prompt != "" {
		ru.title = titleFromPrompt(ru.params.Prompt)
		patch.Title = &ru.title
	}
	if err := cfg.Store.UpdateSession(ru.persistCtx, ru.sessionID, patch); err != nil {
		ru.logger.Warn().Err(err).Msg("Failed to mark session running")
	}
	ru.runner.emit(ru.sessionID, events.SessionStatus, StatusPayload{Status: StatusRunning, Title: ru.title})

	var transcript []Message
	if ru.params.Resume || ru.params.Retry {
		transcript = history.Messages
	}
	memory := ""
	if cfg.Memory != nil {
		memory = cfg.Memory.Content()
	}
	conv, appended := buildConversation(transcript, ru.params.Prompt, memory)
	ru.conv = conv

	if appended && !ru.params.Retry {
		ru.record(Message{Type: MessageUserPrompt, Prompt: ru.params.Prompt})
	}
	if conv.memoryIdx < 0 {
		ru.fail(ErrEmptyPrompt)
		return
	}

	ru.logger.Info().
		Str("model", ru.model).
		Bool("resume", ru.params.Resume).
		Int("history", len(transcript)).
		Msg("Starting agent run")

	ru.loop()
}

func (ru *run) loop() {
	cfg := ru.runner.cfg

	for ru.iterations < cfg.MaxIterations {
		if ru.interrupted() {
			ru.finishAborted()
			return
		}
		ru.iterations++

		text, calls, err := ru.streamCompletion()
		if err != nil {
			if ru.interrupted() {
				ru.finishAborted()
				return
			}
			ru.fail(err)
			return
		}

		if len(calls) == 0 {
			if ru.interrupted() {
				ru.finishAborted()
				return
			}
			ru.finishCompleted(text)
			return
		}

		if text != "" {
			ru.record(Message{Type: MessageText, Text: text})
		}

		for _, call := range calls {
			v := ru.detector.Observe(call.Name, call.Arguments)
			if v.Fatal {
				observability.RecordLoopEpisode(call.Name, true)
				ru.fail(&LoopError{Message: loopdetect.FatalMessage(v)})
				return
			}
			if v.Looping {
				observability.RecordLoopEpisode(call.Name, false)
				ru.logger.Warn().Str("tool", call.Name).Int("episode", v.Episodes).Msg("Tool call loop detected")
				ru.hint = loopdetect.HintMessage(v)
			}
		}

		ru.conv.append(ChatMessage{Role: RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			input, err := parseArguments(call.Arguments)
			if err != nil {
				input = map[string]interface{}{"raw": call.Arguments}
			}
			ru.record(Message{Type: MessageToolUse, ID: call.ID, Name: call.Name, Input: input})
		}

		for i, call := range calls {
			if ru.interrupted() {
				ru.cancelRemaining(calls[i:])
				ru.finishAborted()
				return
			}
			if stop := ru.handleCall(call); stop {
				ru.cancelRemaining(calls[i+1:])
				ru.finishAborted()
				return
			}
		}

		if ru.hint != "" {
			ru.hints++
			ru.conv.append(ChatMessage{Role: RoleUser, Content: ru.hint})
			ru.runner.emit(ru.sessionID, events.StreamMessage, Message{
				Type:      MessageUserPrompt,
				UUID:      uuid.NewString(),
				Prompt:    ru.hint,
				Synthetic: true,
				CreatedAt: nowMillis(),
			})
			ru.hint = ""
		}
	}

	ru.fail(ErrMaxIterations)
}

// handleCall runs one tool call through the gate and the executor. It
// reports true when the run was aborted while waiting for permission.
func (ru *run) handleCall(call ToolCall) bool {
	cfg := ru.runner.cfg

	args, err := parseArguments(call.Arguments)
	if err != nil {
		ru.toolResult(call, err.Error(), true)
		return false
	}

	if cfg.PermissionMode == PermissionAsk && !ru.preApproved(call.Name) {
		explanation, _ := args["explanation"].(string)
		approved := ru.gate.Request(ru.ctx, permission.Request{
			ToolUseID:   call.ID,
			ToolName:    call.Name,
			Input:       args,
			Explanation: explanation,
		})
		if ru.interrupted() {
			ru.toolResult(call, cancelledOutput, true)
			return true
		}
		if !approved {
			ru.toolResult(call, permissionDeniedOutput, true)
			return false
		}
	}

	res := ru.tools.Execute(ru.ctx, call.Name, args)
	observability.RecordToolAudit(ru.persistCtx, call.Name, ru.sessionID, statusWord(res.Success), map[string]interface{}{
		"toolUseId":  call.ID,
		"durationMs": res.DurationMs,
	})

	if res.Success {
		switch res.Effect {
		case toolexecutor.EffectMemory:
			ru.reloadMemory()
		case toolexecutor.EffectTodos:
			ru.saveTodos(args)
		}
	}

	ru.toolResult(call, res.Text(), !res.Success)
	return false
}

func (ru *run) preApproved(toolName string) bool {
	if ru.autoApprove != nil && ru.autoApprove.IsToolAllowed(toolName) {
		return true
	}
	policy := ru.runner.cfg.AutoApprove
	return policy != nil && policy.IsToolAllowed(toolName)
}

func (ru *run) reloadMemory() {
	mem := ru.runner.cfg.Memory
	if mem == nil {
		return
	}
	if err := mem.Reload(); err != nil {
		ru.logger.Warn().Err(err).Msg("Failed to reload memory")
		return
	}
	ru.conv.refreshMemory(mem.Content())
}

func (ru *run) saveTodos(args map[string]interface{}) {
	todos, err := parseTodos(args, ru.todos)
	if err != nil {
		ru.logger.Warn().Err(err).Msg("Ignoring malformed todo list")
		return
	}
	ru.todos = todos
	if err := ru.runner.cfg.Store.SaveTodos(ru.persistCtx, ru.sessionID, todos); err != nil {
		ru.logger.Error().Err(err).Msg("Failed to save todos")
	}
	ru.runner.emit(ru.sessionID, events.TodosUpdated, TodosPayload{Todos: todos})
}

func (ru *run) toolResult(call ToolCall, output string, isError bool) {
	ru.conv.append(ChatMessage{Role: RoleTool, ToolCallID: call.ID, Content: output, IsError: isError})
	ru.record(Message{Type: MessageToolResult, ToolUseID: call.ID, Output: output, IsError: isError})
}

func (ru *run) cancelRemaining(calls []ToolCall) {
	for _, call := range calls {
		ru.toolResult(call, cancelledOutput, true)
	}
}

// streamCompletion performs one model call, forwarding text fragments as
// they arrive, and returns the full text and the assembled tool calls.
func (ru *run) streamCompletion() (string, []ToolCall, error) {
	cfg := ru.runner.cfg
	provider := cfg.Client.Provider()

	req := CompletionRequest{
		Model:             ru.model,
		SystemPrompt:      cfg.SystemPrompt,
		Messages:          append([]ChatMessage(nil), ru.conv.messages...),
		Tools:             ru.tools.Schemas(),
		MaxTokens:         cfg.MaxTokens,
		ParallelToolCalls: true,
	}
	if cfg.SendTemperature {
		req.Temperature = ru.params.Temperature
	}

	callStart := time.Now()
	ch, err := cfg.Client.StreamCompletion(ru.ctx, req)
	if err != nil {
		observability.RecordModelCall(provider, time.Since(callStart), false)
		return "", nil, err
	}

	var (
		text    strings.Builder
		started bool
		usage   TokenUsage
		builder = newToolCallBuilder(ru.iterations)
	)

	finish := func(success bool) {
		if started {
			ru.fragment(FragmentBlockStop, "")
		}
		observability.RecordModelCall(provider, time.Since(callStart), success)
		if usage != (TokenUsage{}) {
			ru.usage.Add(usage)
			observability.RecordTokens(provider, usage.InputTokens, usage.OutputTokens)
			if err := cfg.Store.AddTokens(ru.persistCtx, ru.sessionID, usage); err != nil {
				ru.logger.Warn().Err(err).Msg("Failed to record token usage")
			}
		}
	}

	for {
		select {
		case <-ru.ctx.Done():
			finish(false)
			return "", nil, ru.ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				finish(true)
				return text.String(), builder.Calls(), nil
			}
			switch {
			case ev.Err != nil:
				finish(false)
				return "", nil, ev.Err
			case ev.TextDelta != "":
				if !started {
					started = true
					ru.fragment(FragmentBlockStart, "")
				}
				text.WriteString(ev.TextDelta)
				ru.fragment(FragmentBlockDelta, ev.TextDelta)
			case ev.ToolCall != nil:
				builder.Add(*ev.ToolCall)
			case ev.Usage != nil:
				usage.InputTokens += ev.Usage.PromptTokens
				usage.OutputTokens += ev.Usage.CompletionTokens
			}
		}
	}
}

func (ru *run) fragment(event, delta string) {
	ru.runner.emit(ru.sessionID, events.StreamMessage, StreamFragment{Type: "stream_event", Event: event, Delta: delta})
}

// record persists a transcript entry and emits it.
func (ru *run) record(msg Message) {
	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowMillis()
	}
	if err := ru.runner.cfg.Store.Append(ru.persistCtx, ru.sessionID, msg); err != nil {
		ru.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to persist message")
	}
	ru.runner.emit(ru.sessionID, events.StreamMessage, msg)
}

func (ru *run) interrupted() bool {
	return ru.aborted.Load() || ru.ctx.Err() != nil
}

func (ru *run) duration() int64 {
	return time.Since(ru.start).Milliseconds()
}

func (ru *run) finishCompleted(text string) {
	if !ru.finished.CompareAndSwap(false, true) {
		return
	}
	if text != "" {
		ru.record(Message{Type: MessageText, Text: text})
	}
	usage := ru.usage
	ru.record(Message{Type: MessageResult, Summary: text, Usage: &usage, DurationMs: ru.duration()})
	ru.terminate(StatusCompleted, text, "")
}

func (ru *run) fail(err error) {
	if !ru.finished.CompareAndSwap(false, true) {
		return
	}
	msg := errorText(err)
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		ru.logger.Error().Err(err).Int("status", provErr.StatusCode).Str("detail", provErr.Detail()).Msg("Provider request failed")
	} else {
		ru.logger.Error().Err(err).Msg("Agent run failed")
	}
	ru.record(Message{Type: MessageText, Text: "Error: " + msg})
	ru.terminate(StatusError, "", msg)
}

func (ru *run) finishAborted() {
	if !ru.finished.CompareAndSwap(false, true) {
		return
	}
	ru.gate.CancelAll()
	ru.logger.Info().Msg("Agent run aborted")
	ru.terminate(StatusIdle, "", "")
}

func (ru *run) terminate(status SessionStatus, text, errMsg string) {
	usage := ru.usage
	durationMs := ru.duration()

	if err := ru.runner.cfg.Store.UpdateSession(ru.persistCtx, ru.sessionID, SessionPatch{Status: &status}); err != nil {
		ru.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to update session status")
	}
	ru.runner.emit(ru.sessionID, events.SessionStatus, StatusPayload{
		Status:     status,
		Title:      ru.title,
		DurationMs: durationMs,
		Usage:      &usage,
		Error:      errMsg,
	})

	ru.result = &RunResult{
		SessionID:  ru.sessionID,
		Status:     status,
		Text:       text,
		Error:      errMsg,
		Usage:      usage,
		DurationMs: durationMs,
		Iterations: ru.iterations,
		Hints:      ru.hints,
	}
}

func statusWord(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

const maxTitleRunes = 60

func titleFromPrompt(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes]) + "..."
	}
	return title
}
