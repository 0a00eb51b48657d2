package unifiedllm

import (
	"context"
)

// GenerateOptions configures a high-level Generate call.
type GenerateOptions struct {
	Model       string
	Prompt      string    // simple text prompt (mutually exclusive with Messages)
	Messages    []Message // full conversation (mutually exclusive with Prompt)
	System      string
	Temperature *float64
	MaxTokens   *int
	Provider    string
	MaxRetries  *int // nil means the default policy; 0 disables retries
	Client      *Client
}

// GenerateResult is the outcome of Generate.
type GenerateResult struct {
	Text      string
	Reasoning string
	Usage     Usage
	Response  Response
}

// Generate is the high-level blocking text generation function: prompt
// standardization plus retries around Client.Complete.
func Generate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Prompt != "" && len(opts.Messages) > 0 {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "cannot specify both prompt and messages",
		}}
	}

	client := opts.Client
	if client == nil {
		client = GetDefaultClient()
	}

	policy := DefaultRetryPolicy()
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		policy.MaxRetries = *opts.MaxRetries
	}

	messages := opts.Messages
	if opts.Prompt != "" {
		messages = []Message{UserMessage(opts.Prompt)}
	}
	if opts.System != "" {
		messages = append([]Message{SystemMessage(opts.System)}, messages...)
	}

	req := Request{
		Model:       opts.Model,
		Messages:    messages,
		Provider:    opts.Provider,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	resp, err := Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return client.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &GenerateResult{
		Text:      resp.Text(),
		Reasoning: resp.Reasoning(),
		Usage:     resp.Usage,
		Response:  *resp,
	}, nil
}
