package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belindamo/tiny-agent-gym/agentloop"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 100, cfg.Agent.MaxIters)
	assert.Nil(t, cfg.Agent.StrictIters)
	assert.Equal(t, 2, cfg.Agent.MaxParseRetries)
	assert.Equal(t, agentloop.DefaultCommandTimeout, cfg.Agent.CommandTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Judge.EvalTimeout)
	assert.Equal(t, PathsConfig{Tasks: "tasks", Envs: "envs", Evals: "evals", Runs: "runs"}, cfg.Paths)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.MCP.Servers)

	temp, maxTokens := cfg.Sampling()
	assert.Nil(t, temp)
	assert.Nil(t, maxTokens)
	assert.Equal(t, "gpt-4o-mini", cfg.EditModel())
	assert.Equal(t, "gpt-4o-mini", cfg.JudgeModel())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: anthropic
  model: claude-haiku-4-5
  temperature: 0.2
  max_tokens: 4096
agent:
  max_iters: 20
  observation_limit: 5000
  observation_limits:
    read_file:
      chars: 100
      mode: tail
judge:
  model: claude-sonnet-4-5
mcp:
  servers:
    - name: filesystem
      command: npx
      args: ["-y", "@modelcontextprotocol/server-filesystem", "{env}"]
`)
	t.Setenv("TAG_AGENT_STRICT_ITERS", "5")
	t.Setenv("TAG_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	require.NotNil(t, cfg.Agent.StrictIters)
	assert.Equal(t, 5, *cfg.Agent.StrictIters)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "claude-sonnet-4-5", cfg.JudgeModel())
	require.Len(t, cfg.MCP.Servers, 1)
	assert.Equal(t, "{env}", cfg.MCP.Servers[0].Args[2])

	temp, maxTokens := cfg.Sampling()
	require.NotNil(t, temp)
	assert.InDelta(t, 0.2, *temp, 1e-9)
	require.NotNil(t, maxTokens)
	assert.Equal(t, 4096, *maxTokens)

	loop := cfg.LoopConfig()
	assert.True(t, loop.Fixed())
	assert.Equal(t, 5, loop.Iterations())
	assert.Equal(t, agentloop.ObservationLimit{Chars: 100, Mode: agentloop.TruncateTail}, loop.ObservationLimits["read_file"])
	assert.Equal(t, 5000, loop.ObservationLimits[agentloop.DefaultLimitKey].Chars)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "agent:\n  max_iters: 0\n"))
	assert.ErrorContains(t, err, "agent.max_iters")

	_, err = Load(writeConfig(t, "mcp:\n  servers:\n    - name: x\n"))
	assert.ErrorContains(t, err, "mcp.servers[0]")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
