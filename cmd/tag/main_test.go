package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belindamo/tiny-agent-gym/config"
	"github.com/belindamo/tiny-agent-gym/gym"
	"github.com/belindamo/tiny-agent-gym/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunOptionsValidate(t *testing.T) {
	assert.Error(t, runOptions{}.validate())
	assert.Error(t, runOptions{Description: "x", Task: "y"}.validate())
	assert.Error(t, runOptions{Task: "y", Env: "example"}.validate())
	assert.NoError(t, runOptions{Description: "x", Env: "example", Eval: "eval.sh"}.validate())
	assert.NoError(t, runOptions{Task: "demo"}.validate())
}

func TestAgentsCommand(t *testing.T) {
	out, err := execute(t, "agents")
	require.NoError(t, err)
	assert.Equal(t, "react\nreact_mcp\nreact_with_mcp\n", out)
}

func TestRootRequiresTask(t *testing.T) {
	t.Setenv("TAG_STORE_DSN", filepath.Join(t.TempDir(), "tag.db"))
	_, err := execute(t)
	assert.ErrorContains(t, err, "--task is required")
}

func TestHistoryAndShow(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tag.db")
	t.Setenv("TAG_STORE_DSN", dsn)

	st, err := store.Open(context.Background(), dsn, zerolog.Nop())
	require.NoError(t, err)
	cost := 0.0125
	require.NoError(t, st.RecordRun(context.Background(), "7_demo_20261018093015", &gym.RunSummary{
		AgentName:  "react",
		RunDir:     "runs/7_demo_20261018093015",
		TotalTime:  "4.20s",
		TotalScore: "1/1",
		TotalCost:  &cost,
		TaskLogs:   []gym.TaskLog{{TaskID: 1, Task: gym.Task{TaskID: "demo", Task: "do it"}}},
	}))
	require.NoError(t, st.Close())

	out, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "INSTANCE")
	assert.Contains(t, out, "7_demo_20261018093015")
	assert.Contains(t, out, "$0.0125")

	out, err = execute(t, "show", "7_demo_20261018093015")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_score": "1/1"`)

	_, err = execute(t, "show", "missing")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestNewClientRegistersConfiguredProvider(t *testing.T) {
	c, err := newClient(config.LLMConfig{Provider: "openai", Model: "gpt-4o-mini", BaseURL: "http://localhost:1234/v1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openai"}, c.Providers())

	c, err = newClient(config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic"}, c.Providers())
}
