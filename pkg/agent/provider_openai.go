package agent

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/vakovalskii/ValeDesk-sub000/pkg/toolexecutor"
)

// OpenAIProvider streams from any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return "openai"
}

// StreamCompletion opens a streaming completion and forwards raw deltas.
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan ChunkEvent, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: p.buildMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if tools := p.buildTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
		params.ParallelToolCalls = openai.Bool(req.ParallelToolCalls)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan ChunkEvent, 16)
	go p.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream forwards deltas without assembling tool calls; the runner
// owns assembly so that providers omitting ids still produce stable calls.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- ChunkEvent) {
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

	for stream.Next() {
		chunk := stream.Current()

		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			if !send(ChunkEvent{Usage: &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}}) {
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ChunkEvent{TextDelta: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if !send(ChunkEvent{ToolCall: &ToolCallDelta{
				Index:             int(tc.Index),
				ID:                tc.ID,
				Name:              tc.Function.Name,
				ArgumentsFragment: tc.Function.Arguments,
			}}) {
				return
			}
		}
		if choice.FinishReason != "" {
			if !send(ChunkEvent{FinishReason: string(choice.FinishReason)}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(ChunkEvent{Err: wrapOpenAIError(err)})
	}
}

func (p *OpenAIProvider) buildMessages(req CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return messages
}

func (p *OpenAIProvider) buildTools(schemas []toolexecutor.Schema) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        s.Name,
				Description: openai.String(s.Description),
				Parameters:  shared.FunctionParameters(s.Parameters),
			},
		})
	}
	return tools
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   "openai",
			StatusCode: apiErr.StatusCode,
			RawBody:    apiErr.RawJSON(),
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return &ProviderError{Provider: "openai", Message: err.Error(), Err: err}
}
