package gym

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/belindamo/tiny-agent-gym/logging"
)

// SummaryFile is written into every run directory.
const SummaryFile = "summary.json"

// ErrNoEvaluation is returned by an Evaluator that does not apply to a task.
var ErrNoEvaluation = errors.New("no evaluation for task")

// Evaluator judges a finished task. Implementations find the run's logger
// with zerolog.Ctx.
type Evaluator interface {
	Evaluate(ctx context.Context, r Run, log TaskLog) (*EvalResult, error)
}

// History persists finished runs.
type History interface {
	RecordRun(ctx context.Context, instanceID string, s *RunSummary) error
}

// Runner executes task files.
type Runner struct {
	Paths   Paths
	Counter Counter
	Deps    Deps
	// Agents overrides the built-in agent registry.
	Agents map[string]Factory
	// Judge and TaskEval run concurrently after each task. Either may be nil.
	Judge    Evaluator
	TaskEval Evaluator
	History  History
	Log      logging.Options
	Now      func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// FormatDatetime renders t as YYYYMMDDhhmmss followed by four fractional
// digits.
func FormatDatetime(t time.Time) string {
	return strings.Replace(t.Format("20060102150405.0000"), ".", "", 1)
}

// Execute runs every task of taskFile with the named agent in a fresh run
// directory runs/<exp>_<task file name>_<datetime> and writes summary.json
// there. Failures of individual tasks are logged and the task is left out
// of the summary.
func (r *Runner) Execute(ctx context.Context, agentName, taskFile string) (*RunSummary, error) {
	factory, err := LookupAgent(r.Agents, agentName)
	if err != nil {
		return nil, err
	}
	tasks, err := LoadTasks(taskFile)
	if err != nil {
		return nil, err
	}
	exp, err := r.Counter.NextExperimentNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("next experiment number: %w", err)
	}

	start := r.now()
	instanceID := fmt.Sprintf("%d_%s_%s", exp, TaskName(taskFile), FormatDatetime(start))
	runDir := filepath.Join(r.Paths.Runs, instanceID)
	rl, err := logging.OpenRun(runDir, r.Log)
	if err != nil {
		return nil, err
	}
	defer rl.Close()
	log := rl.Logger.With().Str("instance_id", instanceID).Logger()
	ctx = log.WithContext(ctx)

	log.Info().Str("agent", agentName).Str("tasks", taskFile).Str("run_dir", runDir).Msg("starting run")
	deps := r.Deps
	deps.Logger = log
	agent := factory(deps)
	log.Info().Int("count", len(tasks)).Msg("loaded tasks")

	summary := &RunSummary{AgentName: agentName, RunDir: runDir, TaskLogs: []TaskLog{}}
	var (
		inputTokens, outputTokens int
		cost                      float64
		runErr                    error
	)
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		pos := i + 1
		log.Info().Int("task", pos).Int("of", len(tasks)).Msg("processing task")

		tl, err := r.runTask(ctx, agent, Run{
			Task:      task,
			AgentName: agentName,
			TaskFile:  taskFile,
			RunDir:    runDir,
		}, pos, instanceID)
		if err != nil {
			log.Error().Err(err).Int("task", pos).Msg("error processing task")
			continue
		}
		if res := tl.Result; res != nil {
			if res.InputTokens != nil && *res.InputTokens > 0 {
				inputTokens += *res.InputTokens
			}
			if res.OutputTokens != nil && *res.OutputTokens > 0 {
				outputTokens += *res.OutputTokens
			}
			if res.Cost != nil && *res.Cost > 0 {
				cost += *res.Cost
			}
		}
		summary.TaskLogs = append(summary.TaskLogs, tl)
	}

	elapsed := r.now().Sub(start)
	summary.TotalTime = fmt.Sprintf("%.2fs", elapsed.Seconds())
	summary.TotalScore = fmt.Sprintf("%d/%d", summary.Completed(), len(summary.TaskLogs))
	if inputTokens > 0 || outputTokens > 0 {
		total := inputTokens + outputTokens
		summary.InputTokens = &inputTokens
		summary.OutputTokens = &outputTokens
		summary.TotalTokens = &total
	}
	summary.TotalCost = positiveFloat(cost)

	if err := writeSummary(filepath.Join(runDir, SummaryFile), summary); err != nil {
		return summary, err
	}
	logTotals(log, summary)

	if r.History != nil {
		if err := r.History.RecordRun(context.WithoutCancel(ctx), instanceID, summary); err != nil {
			log.Warn().Err(err).Msg("failed to record run history")
		}
	}
	log.Info().Str("summary", filepath.Join(runDir, SummaryFile)).Msg("run completed")
	return summary, runErr
}

func (r *Runner) runTask(ctx context.Context, agent Agent, run Run, pos int, instanceID string) (TaskLog, error) {
	log := zerolog.Ctx(ctx).With().Int("task", pos).Str("task_id", run.Task.TaskID).Logger()
	if err := run.Task.Validate(); err != nil {
		return TaskLog{}, err
	}
	envDir, err := r.Paths.PrepareEnv(run.Task.DirName, instanceID)
	if err != nil {
		return TaskLog{}, err
	}
	run.DirName = envDir
	log.Info().Str("env", envDir).Msg("prepared environment")

	started := r.now()
	result := agent.Run(ctx, run)
	elapsed := r.now().Sub(started)
	log.Info().
		Str("elapsed", fmt.Sprintf("%.2fs", elapsed.Seconds())).
		Str("input_tokens", intOrNull(result.InputTokens)).
		Str("output_tokens", intOrNull(result.OutputTokens)).
		Str("cost", floatOrNull(result.Cost)).
		Bool("completed", result.Completed).
		Msg("completed task")

	tl := TaskLog{
		TaskID: pos,
		Task:   run.Task,
		MS:     float64(elapsed) / float64(time.Millisecond),
		Result: &result,
	}
	tl.LLMEvaluation, tl.Evaluation = r.evaluate(log.WithContext(ctx), run, tl)
	return tl, nil
}

// evaluate runs the judge and the task-specific evaluator concurrently.
// Their failures are logged, not returned.
func (r *Runner) evaluate(ctx context.Context, run Run, tl TaskLog) (judged, evaluated *EvalResult) {
	log := zerolog.Ctx(ctx)
	var wg conc.WaitGroup
	if r.Judge != nil {
		wg.Go(func() {
			res, err := r.Judge.Evaluate(ctx, run, tl)
			if err != nil {
				log.Error().Err(err).Msg("LLM evaluation failed")
				return
			}
			log.Info().Bool("passed", res.Passed).Msg("LLM evaluation completed")
			judged = res
		})
	}
	if r.TaskEval != nil {
		wg.Go(func() {
			res, err := r.TaskEval.Evaluate(ctx, run, tl)
			switch {
			case errors.Is(err, ErrNoEvaluation):
				log.Info().Msg("no task-specific evaluation")
			case err != nil:
				log.Error().Err(err).Msg("task-specific evaluation failed")
			default:
				log.Info().Bool("passed", res.Passed).Msg("task-specific evaluation completed")
				evaluated = res
			}
		})
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		log.Error().Str("panic", rec.String()).Msg("evaluation panicked")
	}
	return judged, evaluated
}

func writeSummary(path string, s *RunSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func logTotals(log zerolog.Logger, s *RunSummary) {
	ev := log.Info().Str("total_time", s.TotalTime).Str("total_score", s.TotalScore)
	if s.TotalTokens != nil {
		ev = ev.Int("total_tokens", *s.TotalTokens).Int("input_tokens", *s.InputTokens).Int("output_tokens", *s.OutputTokens)
	} else {
		ev = ev.Str("total_tokens", "N/A")
	}
	if s.TotalCost != nil {
		ev = ev.Str("total_cost", fmt.Sprintf("$%.4f", *s.TotalCost))
	} else {
		ev = ev.Str("total_cost", "N/A")
	}
	ev.Msg("all tasks completed")
}

func intOrNull(v *int) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(*v)
}

func floatOrNull(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(*v)
}
