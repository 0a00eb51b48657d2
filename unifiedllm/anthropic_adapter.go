package unifiedllm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter calls the Anthropic Messages API.
type AnthropicAdapter struct {
	client anthropic.Client
	cfg    *adapterConfig
}

// NewAnthropicAdapter creates an adapter. The SDK falls back to
// ANTHROPIC_API_KEY when no key is given.
func NewAnthropicAdapter(opts ...AdapterOption) *AnthropicAdapter {
	cfg := newAdapterConfig(opts)
	if cfg.model == "" {
		cfg.model = defaultModelFor("anthropic")
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	return &AnthropicAdapter{client: anthropic.NewClient(clientOpts...), cfg: cfg}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Complete sends a blocking request and returns the full response.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.cfg.model
	}
	maxTokens := a.cfg.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	system, rest := SplitSystem(req.Messages)
	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(model),
		MaxTokens:     int64(maxTokens),
		StopSequences: req.StopSequences,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, msg := range rest {
		block := anthropic.NewTextBlock(msg.TextContent())
		if msg.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	} else {
		params.Temperature = anthropic.Float(a.cfg.temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	var parts []ContentPart
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			parts = append(parts, TextPart(block.Text))
		case "thinking":
			parts = append(parts, ThinkingPart(block.Thinking))
		}
	}
	in := int(msg.Usage.InputTokens + msg.Usage.CacheReadInputTokens + msg.Usage.CacheCreationInputTokens)
	out := int(msg.Usage.OutputTokens)
	return &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: normalizeFinish(string(msg.StopReason)),
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}, nil
}

func (a *AnthropicAdapter) translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		msg := err.Error()
		if strings.Contains(strings.ToLower(msg), "prompt is too long") {
			return &ContextLengthError{ProviderError: ProviderError{
				SDKError:   SDKError{Message: msg, Cause: err},
				Provider:   a.Name(),
				StatusCode: apiErr.StatusCode,
			}}
		}
		return ErrorFromStatusCode(apiErr.StatusCode, msg, a.Name(), "", err)
	}
	return ClassifyError(a.Name(), err)
}
