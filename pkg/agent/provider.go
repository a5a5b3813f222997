package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// ModelClient opens streaming chat completions.
type ModelClient interface {
	// StreamCompletion starts one completion. The channel is closed when the
	// stream ends; a terminal failure arrives as a ChunkEvent with Err set.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan ChunkEvent, error)

	// Provider returns the provider name
	Provider() string
}

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one finalized tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatMessage is a provider-neutral conversation message.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

// CompletionRequest contains the request parameters for one model call.
type CompletionRequest struct {
	Model             string
	SystemPrompt      string
	Messages          []ChatMessage
	Tools             []toolexecutor.Schema
	Temperature       *float64
	MaxTokens         int
	ParallelToolCalls bool
}

// ToolCallDelta is one streamed fragment of a tool call.
type ToolCallDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// Usage as reported by the provider.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// ChunkEvent is one streamed event. Exactly one field is set.
type ChunkEvent struct {
	TextDelta    string
	ToolCall     *ToolCallDelta
	FinishReason string
	Usage        *Usage
	Err          error
}

// ProviderConfig selects and configures a model client.
type ProviderConfig struct {
	Provider  string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// ConfigError reports missing or invalid model configuration.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Msg)
}

// NewModelClient creates a model client based on provider configuration
func NewModelClient(cfg ProviderConfig) (ModelClient, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, &ConfigError{Field: "model", Msg: "is not configured"}
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, &ConfigError{Field: "api key", Msg: "is required when no base URL is set"}
		}
		return NewOpenAIProvider(cfg), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, &ConfigError{Field: "api key", Msg: "is required"}
		}
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, &ConfigError{Field: "provider", Msg: fmt.Sprintf("%q is not supported", cfg.Provider)}
	}
}
