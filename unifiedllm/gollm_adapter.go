package unifiedllm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// AdapterOption configures any of the provider adapters.
type AdapterOption func(*adapterConfig)

type adapterConfig struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
}

func newAdapterConfig(opts []AdapterOption) *adapterConfig {
	cfg := &adapterConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) AdapterOption {
	return func(c *adapterConfig) {
		c.apiKey = key
	}
}

// WithBaseURL points the adapter at a compatible endpoint.
func WithBaseURL(url string) AdapterOption {
	return func(c *adapterConfig) {
		c.baseURL = url
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) AdapterOption {
	return func(c *adapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) AdapterOption {
	return func(c *adapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) AdapterOption {
	return func(c *adapterConfig) {
		c.temperature = t
	}
}

// defaultModelFor picks the catalog's first model for provider.
func defaultModelFor(provider string) string {
	if info := GetLatestModel(provider); info != nil {
		return info.ID
	}
	return "gpt-4o-mini"
}

// envKeyFor is the conventional API key variable of provider.
func envKeyFor(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm reports no token usage, so responses carry estimated counts.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...AdapterOption) (*GollmAdapter, error) {
	cfg := newAdapterConfig(opts)
	if apiKey != "" {
		cfg.apiKey = apiKey
	}

	model := cfg.model
	if model == "" {
		model = defaultModelFor(provider)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Retries go through Retry.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, ClassifyError(a.provider, err)
	}
	return a.buildResponse(req, text), nil
}

// translateRequest folds the conversation into one gollm prompt. System
// messages become the system prompt; assistant turns are inlined.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	system, rest := SplitSystem(req.Messages)

	var parts []string
	for _, msg := range rest {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		if msg.Role == RoleAssistant {
			text = "[Assistant]: " + text
		}
		parts = append(parts, text)
	}
	promptText := strings.Join(parts, "\n")

	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(system), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	return gollm.NewPrompt(promptText, promptOpts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	in := estimateRequestTokens(req)
	out := EstimateTokens(text)
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(text),
		FinishReason: FinishReason{Reason: "stop", Raw: "stop"},
		Usage: Usage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
			Estimated:    true,
		},
	}
}
