package judge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belindamo/tiny-agent-gym/agentloop"
	"github.com/belindamo/tiny-agent-gym/gym"
	"github.com/belindamo/tiny-agent-gym/logging"
)

func write(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func TestLLMJudgeEvaluate(t *testing.T) {
	runDir := t.TempDir()
	write(t, filepath.Join(runDir, logging.InfoLog), "INF processing task\n", 0o644)
	write(t, filepath.Join(runDir, logging.ErrorLog), "  \n", 0o644)

	var got agentloop.Values
	var sig agentloop.Signature
	j := &LLMJudge{Predictor: agentloop.PredictorFunc(func(_ context.Context, s agentloop.Signature, in agentloop.Values) (agentloop.Values, error) {
		sig, got = s, in
		return agentloop.Values{agentloop.FieldReasoning: "the file exists", "passed": true, "details": "README.md found"}, nil
	})}

	res, err := j.Evaluate(context.Background(), gym.Run{
		Task:   gym.Task{TaskID: "readme", Task: "Create a README.md"},
		RunDir: runDir,
	}, gym.TaskLog{TaskID: 1, MS: 12.5, Result: &gym.AgentResult{Completed: true, Result: "done"}})
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Equal(t, "Reasoning:\nthe file exists\n\nDetails:\nREADME.md found", res.Result)

	assert.Equal(t, "TaskEvaluator", sig.Name)
	assert.Equal(t, "Create a README.md", got["task"])
	assert.Equal(t, "Task is fulfilled", got["success_criteria"])
	logs := got.Text("execution_logs")
	assert.Equal(t, "<INFO_LOG>\nINF processing task\n</INFO_LOG>\n\n", logs)
	assert.Contains(t, got.Text("summary_info"), "<TASK_LOG>")
	assert.Contains(t, got.Text("summary_info"), `"result": "done"`)
}

func TestLLMJudgeReadsSummaryAndBoundsLogs(t *testing.T) {
	runDir := t.TempDir()
	write(t, filepath.Join(runDir, logging.ErrorLog), strings.Repeat("a", 50)+"TAIL", 0o644)
	write(t, filepath.Join(runDir, "out.log"), "never read", 0o644)
	write(t, filepath.Join(runDir, gym.SummaryFile), `{"total_score": "1/1"}`, 0o644)

	var got agentloop.Values
	j := &LLMJudge{LogChars: 20, Predictor: agentloop.PredictorFunc(func(_ context.Context, _ agentloop.Signature, in agentloop.Values) (agentloop.Values, error) {
		got = in
		return agentloop.Values{"passed": false}, nil
	})}
	res, err := j.Evaluate(context.Background(), gym.Run{Task: gym.Task{Task: "x", SuccessCriteria: "y"}, RunDir: runDir}, gym.TaskLog{})
	require.NoError(t, err)
	assert.False(t, res.Passed)

	assert.Equal(t, "y", got["success_criteria"])
	assert.Contains(t, got.Text("execution_logs"), "<ERROR_LOG>")
	assert.NotContains(t, got.Text("execution_logs"), "never read")
	assert.Contains(t, got.Text("execution_logs"), "TAIL")
	assert.Contains(t, got.Text("summary_info"), "<SUMMARY>")
	assert.Contains(t, got.Text("summary_info"), `"total_score": "1/1"`)
}

func TestLLMJudgeNoLogs(t *testing.T) {
	var got agentloop.Values
	j := &LLMJudge{Predictor: agentloop.PredictorFunc(func(_ context.Context, _ agentloop.Signature, in agentloop.Values) (agentloop.Values, error) {
		got = in
		return nil, errors.New("model offline")
	})}
	_, err := j.Evaluate(context.Background(), gym.Run{Task: gym.Task{Task: "x"}, RunDir: t.TempDir()}, gym.TaskLog{})
	assert.ErrorContains(t, err, "model offline")
	assert.Equal(t, "No execution logs found.", got["execution_logs"])
}

func TestCommandEvaluate(t *testing.T) {
	root := t.TempDir()
	evals := filepath.Join(root, "evals")
	envDir := filepath.Join(root, "envs", "example_1")
	runDir := filepath.Join(root, "runs", "1")
	require.NoError(t, os.MkdirAll(envDir, 0o755))
	write(t, filepath.Join(evals, "example", gym.EvalCommandName),
		"#!/bin/sh\necho \"checking $TAG_TASK_ID in $(basename \"$TAG_ENV_DIR\")\"\ntest -f done.txt || { echo missing done.txt >&2; exit 1; }\n", 0o755)

	cmd := &Command{EvalsDir: evals}
	run := gym.Run{Task: gym.Task{TaskID: "demo", DirName: "example"}, DirName: envDir, RunDir: runDir}

	res, err := cmd.Evaluate(context.Background(), run, gym.TaskLog{})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "checking demo in example_1\nmissing done.txt", res.Result)

	write(t, filepath.Join(envDir, "done.txt"), "", 0o644)
	res, err = cmd.Evaluate(context.Background(), run, gym.TaskLog{})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "checking demo in example_1", res.Result)
}

func TestCommandEvaluateNotApplicable(t *testing.T) {
	cmd := &Command{EvalsDir: t.TempDir()}
	_, err := cmd.Evaluate(context.Background(), gym.Run{Task: gym.Task{TaskID: "x"}}, gym.TaskLog{})
	assert.ErrorIs(t, err, gym.ErrNoEvaluation)

	_, err = cmd.Evaluate(context.Background(), gym.Run{Task: gym.Task{TaskID: "x", DirName: "none"}}, gym.TaskLog{})
	assert.ErrorIs(t, err, gym.ErrNoEvaluation)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
