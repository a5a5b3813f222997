package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

const defaultAnthropicMaxTokens = 8192

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// StreamCompletion opens a streaming message and translates block events
// into indexed tool call deltas.
func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan ChunkEvent, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  buildAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if tools := buildAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	ch := make(chan ChunkEvent, 16)
	go p.processStream(ctx, stream, ch)
	return ch, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], ch chan<- ChunkEvent) {
	defer close(ch)
	defer stream.Close()

	send := func(ev ChunkEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Block indexes count text blocks too; tool calls are renumbered densely.
	toolIndex := make(map[int64]int)

	for stream.Next() {
		event := stream.Current()

		var ev *ChunkEvent
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			ev = &ChunkEvent{Usage: &Usage{PromptTokens: variant.Message.Usage.InputTokens}}

		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type == "tool_use" {
				toolUse := variant.ContentBlock.AsToolUse()
				idx := len(toolIndex)
				toolIndex[variant.Index] = idx
				ev = &ChunkEvent{ToolCall: &ToolCallDelta{Index: idx, ID: toolUse.ID, Name: toolUse.Name}}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch d := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				ev = &ChunkEvent{TextDelta: d.Text}
			case anthropic.InputJSONDelta:
				if idx, ok := toolIndex[variant.Index]; ok {
					ev = &ChunkEvent{ToolCall: &ToolCallDelta{Index: idx, ArgumentsFragment: d.PartialJSON}}
				}
			}

		case anthropic.MessageDeltaEvent:
			if !send(ChunkEvent{Usage: &Usage{CompletionTokens: variant.Usage.OutputTokens}}) {
				return
			}
			if variant.Delta.StopReason != "" {
				ev = &ChunkEvent{FinishReason: string(variant.Delta.StopReason)}
			}
		}

		if ev != nil && !send(*ev) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ChunkEvent{Err: wrapAnthropicError(err)})
	}
}

// buildAnthropicMessages folds consecutive tool results into one user turn,
// which the Messages API requires after a multi-call assistant turn.
func buildAnthropicMessages(messages []ChatMessage) []anthropic.MessageParam {
	var params []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			params = append(params, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case RoleUser, RoleSystem:
			flush()
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]interface{}
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil || input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(" "))
			}
			params = append(params, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return params
}

func buildAnthropicTools(schemas []toolexecutor.Schema) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		inputSchema := anthropic.ToolInputSchemaParam{Properties: s.Parameters["properties"]}
		if required, ok := s.Parameters["required"].([]string); ok {
			inputSchema.Required = required
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: inputSchema,
		}})
	}
	return tools
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			RawBody:    apiErr.RawJSON(),
			Err:        err,
		}
	}
	return &ProviderError{Provider: "anthropic", Message: err.Error(), Err: err}
}
