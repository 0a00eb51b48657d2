package unifiedllm

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIAdapter calls the OpenAI Chat Completions API. It also serves any
// endpoint speaking the same protocol via WithBaseURL.
type OpenAIAdapter struct {
	client openai.Client
	cfg    *adapterConfig
}

// NewOpenAIAdapter creates an adapter. The SDK falls back to OPENAI_API_KEY
// and OPENAI_BASE_URL when the options leave them empty.
func NewOpenAIAdapter(opts ...AdapterOption) *OpenAIAdapter {
	cfg := newAdapterConfig(opts)
	if cfg.model == "" {
		cfg.model = defaultModelFor("openai")
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	// Retries go through Retry.
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	return &OpenAIAdapter{client: openai.NewClient(clientOpts...), cfg: cfg}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Complete sends a blocking request and returns the full response.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.cfg.model
	}

	params := openai.ChatCompletionNewParams{Model: model}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(msg.TextContent()))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.TextContent()))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.TextContent()))
		}
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	} else if a.cfg.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(a.cfg.maxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	} else {
		params.Temperature = openai.Float(a.cfg.temperature)
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	var text, finish string
	if len(completion.Choices) > 0 {
		text = completion.Choices[0].Message.Content
		finish = completion.Choices[0].FinishReason
	}
	return &Response{
		ID:           completion.ID,
		Model:        completion.Model,
		Provider:     a.Name(),
		Message:      AssistantMessage(text),
		FinishReason: normalizeFinish(finish),
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.StatusCode, apiErr.Message, a.Name(), apiErr.Code, err)
	}
	return ClassifyError(a.Name(), err)
}

// normalizeFinish maps provider stop reasons onto the unified vocabulary.
func normalizeFinish(raw string) FinishReason {
	switch raw {
	case "stop", "end_turn", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: raw}
	case "length", "max_tokens":
		return FinishReason{Reason: "length", Raw: raw}
	case "content_filter", "refusal":
		return FinishReason{Reason: "content_filter", Raw: raw}
	case "":
		return FinishReason{Reason: "stop"}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}
