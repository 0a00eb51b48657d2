// Package judge evaluates finished tasks: an LLM judge that reads the run's
// logs against the task's success criteria, and task-specific evaluation
// commands installed under evals/<dir_name>/eval.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/belindamo/tiny-agent-gym/agentloop"
	"github.com/belindamo/tiny-agent-gym/gym"
	"github.com/belindamo/tiny-agent-gym/logging"
)

// DefaultLogChars bounds each log section handed to the judge.
const DefaultLogChars = 60000

const defaultCriteria = "Task is fulfilled"

// Signature is the judge's structured contract.
var Signature = agentloop.Signature{
	Name:         "TaskEvaluator",
	Instructions: "Evaluate if a task was completed successfully based on its success criteria.",
	Inputs: []agentloop.Field{
		{Name: "task", Description: "The task description", Kind: agentloop.KindString},
		{Name: "success_criteria", Description: "The success criteria for the task", Kind: agentloop.KindString},
		{Name: "execution_logs", Description: "The execution logs (stdout/stderr) from the task attempt", Kind: agentloop.KindString},
		{Name: "summary_info", Description: "Summary information including timing, tokens, and results", Kind: agentloop.KindString},
	},
	Outputs: []agentloop.Field{
		{Name: agentloop.FieldReasoning, Description: "Step-by-step reasoning for the evaluation", Kind: agentloop.KindString},
		{Name: "passed", Description: "Whether the task succeeded (True/False)", Kind: agentloop.KindBool},
		{Name: "details", Description: "Detailed explanation of the evaluation result", Kind: agentloop.KindString},
	},
}

// logSections are read from the run directory in this order.
var logSections = []struct{ file, tag string }{
	{logging.InfoLog, "INFO_LOG"},
	{logging.ErrorLog, "ERROR_LOG"},
}

// LLMJudge asks a model whether a task met its success criteria.
type LLMJudge struct {
	Predictor agentloop.Predictor
	// LogChars bounds each log section, keeping its tail. Zero means
	// DefaultLogChars.
	LogChars int
}

// Evaluate implements gym.Evaluator.
func (j *LLMJudge) Evaluate(ctx context.Context, r gym.Run, tl gym.TaskLog) (*gym.EvalResult, error) {
	criteria := r.Task.SuccessCriteria
	if criteria == "" {
		criteria = defaultCriteria
	}
	logs, err := j.executionLogs(r.RunDir)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Int("log_chars", len(logs)).Msg("judging task")

	out, err := j.Predictor.Predict(ctx, Signature, agentloop.Values{
		"task":             r.Task.Task,
		"success_criteria": criteria,
		"execution_logs":   logs,
		"summary_info":     summaryInfo(r.RunDir, tl),
	})
	if err != nil {
		return nil, fmt.Errorf("judge: %w", err)
	}
	passed, _ := out["passed"].(bool)
	return &gym.EvalResult{
		Passed: passed,
		Result: fmt.Sprintf("Reasoning:\n%s\n\nDetails:\n%s", out.Text(agentloop.FieldReasoning), out.Text("details")),
	}, nil
}

func (j *LLMJudge) executionLogs(runDir string) (string, error) {
	limit := j.LogChars
	if limit <= 0 {
		limit = DefaultLogChars
	}
	var b strings.Builder
	for _, s := range logSections {
		data, err := os.ReadFile(filepath.Join(runDir, s.file))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", s.file, err)
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		content = agentloop.TruncateOutput(content, limit, agentloop.TruncateTail)
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n\n", s.tag, content, s.tag)
	}
	if b.Len() == 0 {
		return "No execution logs found.", nil
	}
	return b.String(), nil
}

// summaryInfo prefers a written summary.json and otherwise describes the
// task just finished.
func summaryInfo(runDir string, tl gym.TaskLog) string {
	if data, err := os.ReadFile(filepath.Join(runDir, gym.SummaryFile)); err == nil {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return "Summary file exists but could not be parsed."
		}
		pretty, _ := indentJSON(v)
		return fmt.Sprintf("<SUMMARY>\n%s\n</SUMMARY>", pretty)
	}
	pretty, err := indentJSON(tl)
	if err != nil {
		return "No summary file found."
	}
	return fmt.Sprintf("<TASK_LOG>\n%s\n</TASK_LOG>", pretty)
}

func indentJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
