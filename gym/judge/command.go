package judge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/belindamo/tiny-agent-gym/agentloop"
	"github.com/belindamo/tiny-agent-gym/gym"
)

// DefaultEvalTimeout bounds an evaluation command.
const DefaultEvalTimeout = 10 * time.Minute

// Environment variables describing the run to an evaluation command.
const (
	EnvDirVar   = "TAG_ENV_DIR"
	RunDirVar   = "TAG_RUN_DIR"
	TaskFileVar = "TAG_TASK_FILE"
	TaskIDVar   = "TAG_TASK_ID"
	EvalDirVar  = "TAG_EVAL_DIR"
)

// Command runs evals/<dir_name>/eval inside the task's environment
// directory. Exit status 0 passes; the command's output is the result.
type Command struct {
	EvalsDir string
	Timeout  time.Duration
}

// Path returns the evaluation command of a task, or "" when the task has
// none.
func (c *Command) Path(t gym.Task) string {
	if t.DirName == "" {
		return ""
	}
	path := filepath.Join(c.EvalsDir, t.DirName, gym.EvalCommandName)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}

// Evaluate implements gym.Evaluator. It returns gym.ErrNoEvaluation when
// the task has no evaluation command.
func (c *Command) Evaluate(ctx context.Context, r gym.Run, _ gym.TaskLog) (*gym.EvalResult, error) {
	path := c.Path(r.Task)
	if path == "" {
		return nil, gym.ErrNoEvaluation
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	vars, err := runVars(r, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	zerolog.Ctx(ctx).Info().Str("command", abs).Msg("running task-specific evaluation")

	env := agentloop.NewLocalExecutionEnvironment(r.DirName)
	res, err := env.ExecCommand(ctx, vars+shellQuote(abs), timeout)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", path, err)
	}
	if res.TimedOut {
		return &gym.EvalResult{Passed: false, Result: fmt.Sprintf("Evaluation timed out after %s", timeout)}, nil
	}

	output := strings.TrimSpace(res.Stdout)
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		if output != "" {
			output += "\n"
		}
		output += errOut
	}
	if output == "" {
		output = fmt.Sprintf("exit status %d", res.ExitCode)
	}
	return &gym.EvalResult{Passed: res.ExitCode == 0, Result: output}, nil
}

// runVars renders the run description as shell assignments preceding the
// command.
func runVars(r gym.Run, evalDir string) (string, error) {
	envDir, err := filepath.Abs(r.DirName)
	if err != nil {
		return "", err
	}
	runDir, err := filepath.Abs(r.RunDir)
	if err != nil {
		return "", err
	}
	pairs := [][2]string{
		{EnvDirVar, envDir},
		{RunDirVar, runDir},
		{TaskFileVar, r.TaskFile},
		{TaskIDVar, r.Task.TaskID},
		{EvalDirVar, evalDir},
	}
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "%s=%s ", p[0], shellQuote(p[1]))
	}
	return b.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
