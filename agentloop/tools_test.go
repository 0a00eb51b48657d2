package agentloop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name: name,
		Args: []ToolArg{{Name: "text", Schema: map[string]any{"type": "string"}}},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			s, _ := GetStringArg(args, "text")
			return s, nil
		},
	}
}

func TestNewRegistryAppendsFinish(t *testing.T) {
	reg, err := NewRegistry([]Tool{echoTool("a"), echoTool("b")}, WithOutputNames("completed", "result"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", FinishToolName}, reg.Names())
	assert.True(t, reg.HasFinish())
	assert.Equal(t, 3, reg.Len())

	finish, ok := reg.Lookup(FinishToolName)
	require.True(t, ok)
	assert.Equal(t, "Signals that the final outputs, i.e. `completed`, `result`, are now available and marks the task as complete.", finish.Description)
	assert.Equal(t, "{}", finish.ArgsHint())

	obs := reg.Dispatch(context.Background(), FinishToolName, nil)
	assert.Equal(t, Observation{Text: "Completed."}, obs)
}

func TestNewRegistryFixedIterationsOmitsFinish(t *testing.T) {
	reg, err := NewRegistry([]Tool{echoTool("a")}, WithFixedIterations())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, reg.Names())
	assert.False(t, reg.HasFinish())
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Tool{echoTool("a"), echoTool("a")})
	assert.ErrorIs(t, err, ErrDuplicateTool)

	_, err = NewRegistry([]Tool{echoTool(FinishToolName)})
	assert.ErrorIs(t, err, ErrDuplicateTool, "a user tool named finish collides with the synthesized one")

	_, err = NewRegistry([]Tool{{Name: "nil"}})
	assert.Error(t, err)
}

func TestDispatchIsolation(t *testing.T) {
	reg, err := NewRegistry([]Tool{
		{Name: "boom", Invoke: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		}},
		{Name: "panics", Invoke: func(context.Context, map[string]any) (any, error) {
			panic("unexpected")
		}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	obs := reg.Dispatch(ctx, "boom", nil)
	assert.True(t, obs.Failed)
	assert.Equal(t, "Failed to execute: disk on fire", obs.Text)

	obs = reg.Dispatch(ctx, "panics", nil)
	assert.True(t, obs.Failed)
	assert.Contains(t, obs.Text, "Failed to execute: ")
	assert.Contains(t, obs.Text, "unexpected")

	obs = reg.Dispatch(ctx, "missing", nil)
	assert.True(t, obs.Failed)
}

func TestDispatchCoercesStructuredArgs(t *testing.T) {
	var got map[string]any
	reg, err := NewRegistry([]Tool{{
		Name: "configure",
		Args: []ToolArg{{Name: "options", Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"depth": map[string]any{"type": "integer"}},
			"required":   []any{"depth"},
		}}},
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			got = args
			return "ok", nil
		},
	}})
	require.NoError(t, err)
	ctx := context.Background()

	obs := reg.Dispatch(ctx, "configure", map[string]any{"options": `{"depth": 3}`, "extra": "kept"})
	require.False(t, obs.Failed, obs.Text)
	assert.Equal(t, map[string]any{"depth": float64(3)}, got["options"])
	assert.Equal(t, "kept", got["extra"])

	obs = reg.Dispatch(ctx, "configure", map[string]any{"options": "not json"})
	assert.True(t, obs.Failed)
	assert.Contains(t, obs.Text, `argument "options"`)

	obs = reg.Dispatch(ctx, "configure", map[string]any{"options": map[string]any{"depth": "deep"}})
	assert.True(t, obs.Failed)
	assert.Contains(t, obs.Text, "does not match its schema")
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, "plain", RenderValue("plain"))
	assert.Equal(t, "null", RenderValue(nil))
	assert.Equal(t, "true", RenderValue(true))
	assert.Equal(t, `["out","err"]`, RenderValue([]string{"out", "err"}))
	assert.Equal(t, `{"a":null,"b":"x"}`, RenderValue(map[string]any{"b": "x", "a": nil}))
	assert.Equal(t, `{"cmd":"ls > out.txt && cat <out.txt"}`, RenderValue(map[string]any{"cmd": "ls > out.txt && cat <out.txt"}))
}

func TestArgsHint(t *testing.T) {
	tool := Tool{Args: []ToolArg{
		{Name: "filepath", Schema: map[string]any{"type": "string"}},
		{Name: "anything"},
	}}
	assert.Equal(t, `{"filepath": {"type":"string"}, "anything": {}}`, tool.ArgsHint())
}
