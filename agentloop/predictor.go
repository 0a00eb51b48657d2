package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/belindamo/tiny-agent-gym/unifiedllm"
)

// Values holds named field values of a signature.
type Values map[string]any

// Text returns the named value as text.
func (v Values) Text(name string) string {
	x, ok := v[name]
	if !ok {
		return ""
	}
	return RenderValue(x)
}

// Predictor is the structured model-calling boundary. An over-long prompt
// must be reported as *unifiedllm.ContextLengthError.
type Predictor interface {
	Predict(ctx context.Context, sig Signature, inputs Values) (Values, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, sig Signature, inputs Values) (Values, error)

// Predict calls f.
func (f PredictorFunc) Predict(ctx context.Context, sig Signature, inputs Values) (Values, error) {
	return f(ctx, sig, inputs)
}

// ParseError is returned when a reply still cannot be parsed after every
// corrective retry.
type ParseError struct {
	Signature string
	Reply     string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s reply: %v", e.Signature, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// endMarker closes every reply.
const endMarker = "end"

var markerRe = regexp.MustCompile(`\[\[ ## (\w+) ## \]\]`)

// LMPredictor implements Predictor over a unifiedllm.Client using a
// field-marker prompt format.
type LMPredictor struct {
	client          *unifiedllm.Client
	model           string
	provider        string
	maxParseRetries int
	maxRetries      *int
	temperature     *float64
	maxTokens       *int
}

// PredictorOption configures an LMPredictor.
type PredictorOption func(*LMPredictor)

// WithProviderName pins the provider used for every call.
func WithProviderName(name string) PredictorOption {
	return func(p *LMPredictor) {
		p.provider = name
	}
}

// WithMaxParseRetries sets how many corrective calls follow an unparseable
// reply. Default 2.
func WithMaxParseRetries(n int) PredictorOption {
	return func(p *LMPredictor) {
		if n >= 0 {
			p.maxParseRetries = n
		}
	}
}

// WithCallRetries sets the transport retry count per call. Zero disables
// retries; a negative count keeps the default.
func WithCallRetries(n int) PredictorOption {
	return func(p *LMPredictor) {
		if n >= 0 {
			p.maxRetries = &n
		}
	}
}

// WithSampling sets temperature and max output tokens. Nil leaves the
// backend default.
func WithSampling(temperature *float64, maxTokens *int) PredictorOption {
	return func(p *LMPredictor) {
		p.temperature = temperature
		p.maxTokens = maxTokens
	}
}

// NewLMPredictor creates a predictor calling model through client. A nil
// client means the package default.
func NewLMPredictor(client *unifiedllm.Client, model string, opts ...PredictorOption) *LMPredictor {
	p := &LMPredictor{
		client:          client,
		model:           model,
		maxParseRetries: 2,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Model returns the model name.
func (p *LMPredictor) Model() string {
	return p.model
}

// Predict renders sig and inputs, calls the model and parses the reply.
// Unparseable replies are retried with a corrective message; every retry is
// a billed call.
func (p *LMPredictor) Predict(ctx context.Context, sig Signature, inputs Values) (Values, error) {
	messages := []unifiedllm.Message{
		unifiedllm.SystemMessage(renderSystem(sig)),
		unifiedllm.UserMessage(renderInputs(sig, inputs)),
	}
	if err := p.checkWindow(messages); err != nil {
		return nil, err
	}

	var lastErr error
	var lastReply string
	for attempt := 0; attempt <= p.maxParseRetries; attempt++ {
		res, err := unifiedllm.Generate(ctx, unifiedllm.GenerateOptions{
			Model:       p.model,
			Messages:    messages,
			Provider:    p.provider,
			Temperature: p.temperature,
			MaxTokens:   p.maxTokens,
			MaxRetries:  p.maxRetries,
			Client:      p.client,
		})
		if err != nil {
			return nil, err
		}
		out, err := ParseReply(sig, res.Text)
		if err == nil {
			return out, nil
		}
		lastErr, lastReply = err, res.Text
		messages = append(messages,
			unifiedllm.AssistantMessage(res.Text),
			unifiedllm.UserMessage(fmt.Sprintf("Your previous response could not be parsed: %v\n\n%s", err, respondWith(sig))),
		)
	}
	return nil, &ParseError{Signature: sig.Name, Reply: lastReply, Err: lastErr}
}

// checkWindow rejects prompts whose estimate already exceeds the catalog
// context window of the model.
func (p *LMPredictor) checkWindow(messages []unifiedllm.Message) error {
	window := unifiedllm.ContextWindow(p.model)
	if window <= 0 {
		return nil
	}
	tokens := 0
	for _, m := range messages {
		tokens += unifiedllm.EstimateTokens(m.TextContent())
	}
	if p.maxTokens != nil {
		tokens += *p.maxTokens
	}
	if tokens <= window {
		return nil
	}
	return &unifiedllm.ContextLengthError{ProviderError: unifiedllm.ProviderError{
		SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("estimated prompt of %d tokens exceeds the %d token context window of %s", tokens, window, p.model),
		},
		Provider:  p.provider,
		ErrorCode: "context_length_exceeded",
	}}
}

func kindHint(f Field) string {
	switch f.Kind {
	case KindBool:
		return "bool"
	case KindLiteral:
		quoted := make([]string, len(f.Options))
		for i, o := range f.Options {
			quoted[i] = fmt.Sprintf("'%s'", o)
		}
		return "Literal[" + strings.Join(quoted, ", ") + "]"
	case KindObject:
		return "dict[str, Any]"
	}
	return "str"
}

func valueHint(f Field) string {
	switch f.Kind {
	case KindBool:
		return "must be True or False"
	case KindLiteral:
		return "must be exactly one of: " + strings.Join(f.Options, "; ")
	case KindObject:
		return `must be a JSON object, e.g. {"key": "value"}`
	}
	return ""
}

func describeFields(b *strings.Builder, fields []Field) {
	for i, f := range fields {
		fmt.Fprintf(b, "%d. `%s` (%s)", i+1, f.Name, kindHint(f))
		if f.Description != "" {
			b.WriteString(": " + f.Description)
		}
		b.WriteString("\n")
	}
}

func renderSystem(sig Signature) string {
	var b strings.Builder
	b.WriteString("Your input fields are:\n")
	describeFields(&b, sig.Inputs)
	b.WriteString("Your output fields are:\n")
	describeFields(&b, sig.Outputs)
	b.WriteString("All interactions will be structured in the following way, with the appropriate values filled in.\n\n")
	for _, f := range sig.Inputs {
		fmt.Fprintf(&b, "%s\n{%s}\n\n", fieldMarker(f.Name), f.Name)
	}
	for _, f := range sig.Outputs {
		fmt.Fprintf(&b, "%s\n{%s}", fieldMarker(f.Name), f.Name)
		if h := valueHint(f); h != "" {
			fmt.Fprintf(&b, "        # note: the value you produce %s", h)
		}
		b.WriteString("\n\n")
	}
	b.WriteString(fieldMarker(endMarker))
	b.WriteString("\n\nIn adhering to this structure, your objective is: \n")
	for _, line := range strings.Split(sig.Instructions, "\n") {
		b.WriteString("        " + line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderInputs(sig Signature, inputs Values) string {
	blocks := make([]string, 0, len(sig.Inputs)+1)
	for _, f := range sig.Inputs {
		blocks = append(blocks, fieldMarker(f.Name)+"\n"+inputs.Text(f.Name))
	}
	blocks = append(blocks, respondWith(sig))
	return strings.Join(blocks, "\n\n")
}

func respondWith(sig Signature) string {
	parts := make([]string, 0, len(sig.Outputs))
	for i, f := range sig.Outputs {
		p := "`" + fieldMarker(f.Name) + "`"
		if i == 0 {
			p = "starting with the field " + p
		} else {
			p = "then " + p
		}
		if h := valueHint(f); h != "" {
			p += " (" + h + ")"
		}
		parts = append(parts, p)
	}
	return fmt.Sprintf("Respond with the corresponding output fields, %s, and then ending with the marker for `%s`.",
		strings.Join(parts, ", "), fieldMarker(endMarker))
}

// ParseReply extracts the output fields of sig from a marked reply. A
// literal value outside its option set is rejected.
func ParseReply(sig Signature, reply string) (Values, error) {
	sections := splitSections(reply)
	out := make(Values, len(sig.Outputs))
	for _, f := range sig.Outputs {
		raw, ok := sections[f.Name]
		if !ok {
			return nil, fmt.Errorf("missing field %q", f.Name)
		}
		v, err := parseField(f, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

func splitSections(reply string) map[string]string {
	sections := map[string]string{}
	locs := markerRe.FindAllStringSubmatchIndex(reply, -1)
	for i, loc := range locs {
		name := reply[loc[2]:loc[3]]
		end := len(reply)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, seen := sections[name]; seen || name == endMarker {
			continue
		}
		sections[name] = strings.TrimSpace(reply[loc[1]:end])
	}
	return sections
}

var errEmptyValue = errors.New("empty value")

func parseField(f Field, raw string) (any, error) {
	switch f.Kind {
	case KindBool:
		s := strings.ToLower(strings.Trim(raw, " \t\n`'\".*"))
		switch s {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", raw)
	case KindLiteral:
		s := strings.Trim(raw, " \t\n`'\"")
		if s == "" {
			return nil, errEmptyValue
		}
		if !f.Allows(s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(f.Options, ", "))
		}
		return s, nil
	case KindObject:
		s := stripFences(raw)
		if s == "" {
			return map[string]any{}, nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil, fmt.Errorf("not a JSON object: %w", err)
		}
		if obj == nil {
			obj = map[string]any{}
		}
		return obj, nil
	}
	return raw, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
