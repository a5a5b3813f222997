package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultMaxOutput = 64 * 1024
)

// Effect marks a tool whose success changes state the runner tracks.
type Effect string

const (
	EffectNone   Effect = ""
	EffectMemory Effect = "memory"
	EffectTodos  Effect = "todos"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Required    bool                   `json:"required"`
	Default     interface{}            `json:"default,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Items       map[string]interface{} `json:"items,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Effect      Effect          `json:"effect,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Schema is a tool description in the shape model providers expect.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolResult is the outcome of one execution. Failures are values.
type ToolResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Effect     Effect `json:"effect,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Text returns the output on success and the error otherwise.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	return r.Error
}

// Recorder observes executions, e.g. for metrics.
type Recorder func(tool string, duration time.Duration, success bool)

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools     map[string]*ToolDefinition
	schemas   map[string]*gojsonschema.Schema
	timeout   time.Duration
	maxOutput int
	recorder  Recorder
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// Option configures a ToolExecutor.
type Option func(*ToolExecutor)

// WithTimeout sets the per-call timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(te *ToolExecutor) { te.timeout = d }
}

// WithMaxOutput sets the output truncation limit in bytes.
func WithMaxOutput(n int) Option {
	return func(te *ToolExecutor) {
		if n > 0 {
			te.maxOutput = n
		}
	}
}

// WithRecorder sets an execution observer.
func WithRecorder(r Recorder) Option {
	return func(te *ToolExecutor) { te.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(te *ToolExecutor) { te.logger = logger }
}

// New creates a new ToolExecutor
func New(opts ...Option) *ToolExecutor {
	te := &ToolExecutor{
		tools:     make(map[string]*ToolDefinition),
		schemas:   make(map[string]*gojsonschema.Schema),
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(te)
	}
	return te
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(parameterSchema(def)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.tools[name]
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Schemas exports every tool, sorted by name.
func (te *ToolExecutor) Schemas() []Schema {
	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]Schema, 0, len(te.tools))
	for _, def := range te.tools {
		out = append(out, Schema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  parameterSchema(*def),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a tool. It never panics and never returns a Go error: unknown
// tools, invalid parameters, timeouts and handler failures all come back as
// unsuccessful results.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) (result ToolResult) {
	startTime := time.Now()
	defer func() {
		result.DurationMs = time.Since(startTime).Milliseconds()
		if te.recorder != nil {
			te.recorder(toolName, time.Since(startTime), result.Success)
		}
	}()

	if execCtx != nil && execCtx.Policy != nil && !execCtx.Policy.IsToolAllowed(toolName) {
		te.logger.Warn().Str("tool", toolName).Str("sessionId", execCtx.SessionID).Msg("Tool execution blocked by policy")
		return ToolResult{Error: fmt.Sprintf("tool '%s' is not allowed by policy", toolName)}
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		te.logger.Warn().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{Error: fmt.Sprintf("tool not found: %s", toolName)}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(schema, params); err != nil {
		te.logger.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{Error: fmt.Sprintf("parameter validation failed: %v", err)}
	}

	timeout := te.timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	runCtx := ContextWithExecContext(ctx, execCtx)
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := tool.Handler(runCtx, params)
		done <- outcome{value: value, err: err}
	}()

	interrupted := func() ToolResult {
		if ctx.Err() != nil {
			return ToolResult{Error: "tool execution cancelled"}
		}
		te.logger.Warn().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool execution timeout")
		return ToolResult{Error: fmt.Sprintf("tool execution timeout after %v", timeout)}
	}

	select {
	case out := <-done:
		if out.err != nil {
			if runCtx.Err() != nil {
				return interrupted()
			}
			te.logger.Debug().Str("tool", toolName).Err(out.err).Msg("Tool execution failed")
			return ToolResult{Error: out.err.Error()}
		}
		text, truncated := te.truncateOutput(stringify(out.value))
		return ToolResult{
			Success:   true,
			Output:    text,
			Truncated: truncated,
			Effect:    tool.Effect,
		}

	case <-runCtx.Done():
		return interrupted()
	}
}

// Scope binds the executor to one run's execution context.
func (te *ToolExecutor) Scope(execCtx ExecutionContext) *Scope {
	return &Scope{executor: te, execCtx: execCtx}
}

// Scope is an executor bound to a session's working directory, policy and
// web cache.
type Scope struct {
	executor *ToolExecutor
	execCtx  ExecutionContext
}

// Execute runs a tool within the scope.
func (s *Scope) Execute(ctx context.Context, toolName string, params map[string]interface{}) ToolResult {
	execCtx := s.execCtx
	return s.executor.Execute(ctx, toolName, params, &execCtx)
}

// Schemas exports the tools visible in the scope.
func (s *Scope) Schemas() []Schema {
	all := s.executor.Schemas()
	if s.execCtx.Policy == nil {
		return all
	}
	out := all[:0]
	for _, schema := range all {
		if s.execCtx.Policy.IsToolAllowed(schema.Name) {
			out = append(out, schema)
		}
	}
	return out
}

// WebCache returns the cache bound to the scope.
func (s *Scope) WebCache() *WebCache {
	return s.execCtx.WebCache
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

// parameterSchema builds the JSON Schema object for a tool's parameters.
// Unknown properties are tolerated: models often add an "explanation".
func parameterSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		p := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			p["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			p["enum"] = param.Enum
		}
		if param.Type == "array" {
			items := param.Items
			if items == nil {
				items = map[string]interface{}{}
			}
			p["items"] = items
		}
		properties[param.Name] = p
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func (te *ToolExecutor) truncateOutput(s string) (string, bool) {
	if len(s) <= te.maxOutput {
		return s, false
	}
	te.logger.Debug().Int("original", len(s)).Int("truncated", te.maxOutput).Msg("Output truncated")
	return s[:te.maxOutput] + "\n... [output truncated]", true
}
