// Package gym runs tasks against agents: it loads or creates task files,
// prepares a working directory per task, invokes the chosen agent,
// evaluates the outcome and writes a run summary.
package gym

import (
	"errors"
	"fmt"
)

// Task is one entry of a task file.
type Task struct {
	TaskID          string `json:"task_id" yaml:"task_id"`
	Task            string `json:"task" yaml:"task"`
	SuccessCriteria string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	MS              *int   `json:"ms,omitempty" yaml:"ms,omitempty"`
	// DirName names the environment under envs/ to clone and the
	// evaluation under evals/ to run. Empty means a fresh empty directory.
	DirName string `json:"dir_name,omitempty" yaml:"dir_name,omitempty"`
}

// Validate reports a task missing its required fields.
func (t Task) Validate() error {
	var errs []error
	if t.TaskID == "" {
		errs = append(errs, errors.New("task_id is required"))
	}
	if t.Task == "" {
		errs = append(errs, errors.New("task is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return nil
}

// AgentResult is what an agent reports for a task. Token and cost fields
// are nil when the agent recorded no usage.
type AgentResult struct {
	Completed    bool     `json:"completed"`
	Result       string   `json:"result"`
	InputTokens  *int     `json:"input_tokens,omitempty"`
	OutputTokens *int     `json:"output_tokens,omitempty"`
	Cost         *float64 `json:"cost,omitempty"`
	Reasoning    string   `json:"reasoning"`
}

// EvalResult is the verdict of an evaluator.
type EvalResult struct {
	Passed bool   `json:"passed"`
	Result string `json:"result"`
}

// Run is the context an agent and the evaluators receive for one task.
type Run struct {
	Task      Task   `json:"task"`
	AgentName string `json:"agent_name"`
	TaskFile  string `json:"task_file"`
	RunDir    string `json:"run_dir"`
	// DirName is the environment directory the agent works in.
	DirName string `json:"dir_name"`
}

// TaskLog records one processed task in the summary.
type TaskLog struct {
	TaskID        int          `json:"task_id"` // 1-based position in the task file
	Task          Task         `json:"task"`
	MS            float64      `json:"ms"`
	Result        *AgentResult `json:"result,omitempty"`
	LLMEvaluation *EvalResult  `json:"llm_evaluation,omitempty"`
	Evaluation    *EvalResult  `json:"evaluation,omitempty"`
}

// RunSummary is written to summary.json at the end of a run. Token and cost
// totals are omitted when no task reported any.
type RunSummary struct {
	AgentName    string    `json:"agent_name"`
	RunDir       string    `json:"run_dir"`
	TotalTime    string    `json:"total_time"`
	TotalScore   string    `json:"total_score"`
	TaskLogs     []TaskLog `json:"task_logs"`
	InputTokens  *int      `json:"input_tokens,omitempty"`
	OutputTokens *int      `json:"output_tokens,omitempty"`
	TotalTokens  *int      `json:"total_tokens,omitempty"`
	TotalCost    *float64  `json:"total_cost,omitempty"`
}

// Completed counts the tasks whose agent reported completion.
func (s *RunSummary) Completed() int {
	n := 0
	for _, l := range s.TaskLogs {
		if l.Result != nil && l.Result.Completed {
			n++
		}
	}
	return n
}

func positiveInt(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func positiveFloat(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}
