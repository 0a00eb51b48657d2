// Package unifiedllm is the model-calling layer used by the agent loop.
//
// It presents one provider-agnostic Client over several backends:
//
//   - GollmAdapter wraps github.com/teilomillet/gollm for any provider gollm
//     supports.
//   - OpenAIAdapter calls the OpenAI Chat Completions API directly and reports
//     real token usage.
//   - AnthropicAdapter calls the Anthropic Messages API directly.
//
// # Errors
//
// Adapter errors are translated into a small taxonomy (AuthenticationError,
// RateLimitError, ContextLengthError, ...). ContextLengthError is the
// distinguished "context budget exceeded" condition the agent loop recovers
// from by truncating its trajectory; IsContextLength reports it through any
// amount of wrapping.
//
// # Usage accounting
//
// There is no process-wide call history. A run attaches its own Ledger to the
// context it passes down, and Client.Complete appends one CallRecord per
// successful call:
//
//	ledger := unifiedllm.NewLedger()
//	ctx = unifiedllm.WithLedger(ctx, ledger)
//	resp, err := client.Complete(ctx, req)
//	totals := ledger.Totals()
//
// # Quick Start
//
//	adapter := unifiedllm.NewOpenAIAdapter(unifiedllm.WithAPIKey(os.Getenv("OPENAI_API_KEY")))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai", adapter))
//
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
package unifiedllm
