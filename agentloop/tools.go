package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// FinishToolName is the synthesized tool that ends an early-termination run.
const FinishToolName = "finish"

// finishSentinel is what the finish tool returns.
const finishSentinel = "Completed."

// failurePrefix marks observations produced by a failed dispatch.
const failurePrefix = "Failed to execute: "

// ErrDuplicateTool is returned when two tools share a name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// ToolFunc is the invocation entry point of a tool. It receives keyword
// arguments and returns a text-renderable result.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolArg declares one argument of a tool. Schema is a JSON-schema fragment;
// an empty schema means untyped.
type ToolArg struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema,omitempty"`
}

// Type returns the declared JSON type of the argument, or "" when untyped.
func (a ToolArg) Type() string {
	t, _ := a.Schema["type"].(string)
	return t
}

// structured reports whether values must be parsed into an object or array.
func (a ToolArg) structured() bool {
	switch a.Type() {
	case "object", "array":
		return true
	}
	return false
}

// Tool is a named, schema-described invocable capability.
type Tool struct {
	Name        string
	Description string
	Args        []ToolArg
	Invoke      ToolFunc
}

// ArgsHint renders the argument schema as the compact textual hint shown to
// the model, e.g. {"path": {"type": "string"}}.
func (t Tool) ArgsHint() string {
	if len(t.Args) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(t.Args))
	for _, arg := range t.Args {
		schema := arg.Schema
		if schema == nil {
			schema = map[string]any{}
		}
		text, err := marshalText(schema)
		if err != nil {
			text = "{}"
		}
		parts = append(parts, fmt.Sprintf("%q: %s", arg.Name, text))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Observation is the outcome of one dispatch. Failed observations carry the
// error text, never an error value.
type Observation struct {
	Text   string
	Failed bool
}

func failedObservation(err error) Observation {
	return Observation{Text: failurePrefix + err.Error(), Failed: true}
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	fixedIterations bool
	outputNames     []string
}

// WithFixedIterations omits the finish tool.
func WithFixedIterations() RegistryOption {
	return func(c *registryConfig) {
		c.fixedIterations = true
	}
}

// WithOutputNames names the task outputs in the finish tool's description.
func WithOutputNames(names ...string) RegistryOption {
	return func(c *registryConfig) {
		c.outputNames = names
	}
}

// Registry is the immutable, ordered set of tools offered to the model.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry registers tools in order. Unless WithFixedIterations is given
// a finish tool is appended.
func NewRegistry(tools []Tool, opts ...RegistryOption) (*Registry, error) {
	cfg := &registryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := &Registry{tools: make(map[string]*Tool, len(tools)+1)}
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if t.Invoke == nil {
			return nil, fmt.Errorf("tool %q has no invocation", t.Name)
		}
		if err := r.add(t); err != nil {
			return nil, err
		}
	}
	if !cfg.fixedIterations {
		if err := r.add(finishTool(cfg.outputNames)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(t Tool) error {
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name)
	}
	tool := t
	r.tools[t.Name] = &tool
	r.order = append(r.order, t.Name)
	return nil
}

func finishTool(outputs []string) Tool {
	quoted := make([]string, len(outputs))
	for i, o := range outputs {
		quoted[i] = "`" + o + "`"
	}
	return Tool{
		Name:        FinishToolName,
		Description: fmt.Sprintf("Signals that the final outputs, i.e. %s, are now available and marks the task as complete.", strings.Join(quoted, ", ")),
		Invoke: func(context.Context, map[string]any) (any, error) {
			return finishSentinel, nil
		},
	}
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Tools returns the tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.tools[name])
	}
	return out
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// Len returns the number of tools, finish included.
func (r *Registry) Len() int {
	return len(r.order)
}

// HasFinish reports whether the finish tool is offered.
func (r *Registry) HasFinish() bool {
	_, ok := r.tools[FinishToolName]
	return ok
}

// Dispatch coerces args and invokes the named tool. Every failure, including
// a panic inside the tool, becomes a failed Observation.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (obs Observation) {
	defer func() {
		if p := recover(); p != nil {
			obs = failedObservation(fmt.Errorf("tool %s panicked: %v", name, p))
		}
	}()

	tool, ok := r.tools[name]
	if !ok {
		return failedObservation(fmt.Errorf("unknown tool %q", name))
	}
	coerced, err := coerceArgs(*tool, args)
	if err != nil {
		return failedObservation(err)
	}
	out, err := tool.Invoke(ctx, coerced)
	if err != nil {
		return failedObservation(err)
	}
	return Observation{Text: RenderValue(out)}
}

// coerceArgs parses structured arguments into their declared form and
// validates them against the argument schema. Undeclared arguments pass
// through untouched.
func coerceArgs(tool Tool, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, arg := range tool.Args {
		v, ok := out[arg.Name]
		if !ok || !arg.structured() {
			continue
		}
		if s, isString := v.(string); isString {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return nil, fmt.Errorf("argument %q: expected %s, got unparseable text: %w", arg.Name, arg.Type(), err)
			}
			v = parsed
		}
		if err := validateArg(arg, v); err != nil {
			return nil, err
		}
		out[arg.Name] = v
	}
	return out, nil
}

func validateArg(arg ToolArg, v any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(arg.Schema), gojsonschema.NewGoLoader(v))
	if err != nil {
		return fmt.Errorf("argument %q: schema validation error: %w", arg.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("argument %q does not match its schema: %s", arg.Name, strings.Join(msgs, "; "))
	}
	return nil
}

// RenderValue turns a tool result into observation text. Strings pass
// through; everything else is rendered as JSON.
func RenderValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case nil:
		return "null"
	}
	text, err := marshalText(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return text
}

// marshalText encodes v as compact JSON without HTML escaping, so shell
// operators and markup reach the model as written.
func marshalText(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
