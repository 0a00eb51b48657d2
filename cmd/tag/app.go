package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/belindamo/tiny-agent-gym/agentloop"
	"github.com/belindamo/tiny-agent-gym/config"
	"github.com/belindamo/tiny-agent-gym/gym"
	"github.com/belindamo/tiny-agent-gym/gym/judge"
	"github.com/belindamo/tiny-agent-gym/logging"
	"github.com/belindamo/tiny-agent-gym/mcptools"
	"github.com/belindamo/tiny-agent-gym/store"
	"github.com/belindamo/tiny-agent-gym/unifiedllm"
)

type runOptions struct {
	Description string
	Success     string
	Task        string
	Env         string
	Eval        string
	Agent       string
}

func (o runOptions) validate() error {
	switch {
	case o.Description == "" && o.Task == "":
		return errors.New("either a task description or --task is required")
	case o.Description != "" && o.Task != "":
		return errors.New("a task description and --task are mutually exclusive")
	case o.Task != "" && (o.Success != "" || o.Env != "" || o.Eval != ""):
		return errors.New("--success, --env and --eval only apply to a new task")
	}
	return nil
}

type app struct {
	cfg     *config.Config
	logOpts logging.Options
	log     zerolog.Logger
	store   *store.Store
}

func newApp(ctx context.Context, configPath string, console io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logOpts := logging.Options{
		Level:   logging.ParseLevel(cfg.Log.Level),
		Console: console,
		NoColor: cfg.Log.NoColor,
	}
	log := logging.New(logOpts)

	st, err := store.Open(ctx, cfg.Store.DSN, log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logOpts: logOpts, log: log, store: st}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) paths() gym.Paths {
	p := a.cfg.Paths
	return gym.Paths{Tasks: p.Tasks, Envs: p.Envs, Evals: p.Evals, Runs: p.Runs}
}

func (a *app) run(ctx context.Context, opts runOptions, out io.Writer) error {
	paths := a.paths()

	// Fail on an unknown agent before a task file is written.
	if _, err := gym.LookupAgent(nil, opts.Agent); err != nil {
		return err
	}

	var taskFile string
	if opts.Description != "" {
		path, _, err := gym.CreateTask(ctx, paths, a.store, gym.NewTask{
			Description: opts.Description,
			Success:     opts.Success,
			Env:         opts.Env,
			Eval:        opts.Eval,
		}, a.log)
		if err != nil {
			return err
		}
		taskFile = path
	} else {
		path, err := paths.ResolveTaskFile(opts.Task)
		if err != nil {
			return err
		}
		taskFile = path
	}

	client, err := newClient(a.cfg.LLM)
	if err != nil {
		return err
	}
	defer client.Close()

	events := agentloop.NewEventEmitter(0)
	var drain conc.WaitGroup
	drain.Go(func() { logEvents(a.log, events.Events()) })
	defer func() {
		events.Close()
		drain.Wait()
	}()

	runner := &gym.Runner{
		Paths:   paths,
		Counter: a.store,
		Deps: gym.Deps{
			Predictor:      newPredictor(client, a.cfg, a.cfg.LLM.Model),
			Editor:         agentloop.Editor{Client: client, Model: a.cfg.EditModel()},
			Loop:           a.cfg.LoopConfig(),
			CommandTimeout: a.cfg.Agent.CommandTimeout,
			Dial:           mcptools.StdioDialer(a.log),
			MCPServers:     a.cfg.MCP.Servers,
			Events:         events,
		},
		TaskEval: &judge.Command{EvalsDir: paths.Evals, Timeout: a.cfg.Judge.EvalTimeout},
		History:  a.store,
		Log:      a.logOpts,
	}
	if a.cfg.Judge.Enabled {
		runner.Judge = &judge.LLMJudge{
			Predictor: newPredictor(client, a.cfg, a.cfg.JudgeModel()),
			LogChars:  a.cfg.Judge.LogChars,
		}
	}

	summary, err := runner.Execute(ctx, opts.Agent, taskFile)
	if summary != nil {
		fmt.Fprintf(out, "%s  score %s  time %s\n", summary.RunDir, summary.TotalScore, summary.TotalTime)
	}
	return err
}

// newClient registers the configured provider as the default, pointing it
// at base_url when one is set.
func newClient(cfg config.LLMConfig) (*unifiedllm.Client, error) {
	opts := []unifiedllm.AdapterOption{unifiedllm.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, unifiedllm.WithBaseURL(cfg.BaseURL))
	}

	var adapter unifiedllm.ProviderAdapter
	switch cfg.Provider {
	case "openai":
		adapter = unifiedllm.NewOpenAIAdapter(append(opts, unifiedllm.WithAPIKey(os.Getenv("OPENAI_API_KEY")))...)
	case "anthropic":
		adapter = unifiedllm.NewAnthropicAdapter(append(opts, unifiedllm.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")))...)
	default:
		ga, err := unifiedllm.NewGollmAdapter(cfg.Provider, "", opts...)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Provider, err)
		}
		adapter = ga
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.Provider),
	), nil
}

func newPredictor(client *unifiedllm.Client, cfg *config.Config, model string) *agentloop.LMPredictor {
	temperature, maxTokens := cfg.Sampling()
	return agentloop.NewLMPredictor(client, model,
		agentloop.WithProviderName(cfg.LLM.Provider),
		agentloop.WithMaxParseRetries(cfg.Agent.MaxParseRetries),
		agentloop.WithCallRetries(cfg.LLM.MaxRetries),
		agentloop.WithSampling(temperature, maxTokens),
	)
}

func logEvents(log zerolog.Logger, events <-chan agentloop.Event) {
	for ev := range events {
		e := log.Debug()
		if ev.Kind == agentloop.EventWarning || ev.Kind == agentloop.EventLoopDetection {
			e = log.Warn()
		}
		e.Str("event", string(ev.Kind)).Str("run_id", ev.RunID).Int("step", ev.Step).
			Fields(ev.Data).Msg("agent event")
	}
}

func (a *app) history(ctx context.Context, limit int, out io.Writer) error {
	runs, err := a.store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tAGENT\tSCORE\tTIME\tTOKENS\tCOST\tCREATED")
	for _, r := range runs {
		tokens, cost := "-", "-"
		if r.InputTokens != nil || r.OutputTokens != nil {
			tokens = fmt.Sprintf("%d", deref(r.InputTokens)+deref(r.OutputTokens))
		}
		if r.TotalCost != nil {
			cost = fmt.Sprintf("$%.4f", *r.TotalCost)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.InstanceID, r.AgentName, r.TotalScore, r.TotalTime, tokens, cost,
			r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func (a *app) show(ctx context.Context, instanceID string, out io.Writer) error {
	sum, err := a.store.GetSummary(ctx, instanceID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func listAgents(out io.Writer) {
	for _, name := range gym.AgentNames() {
		fmt.Fprintln(out, name)
	}
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
