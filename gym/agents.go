package gym

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/belindamo/tiny-agent-gym/agentloop"
	"github.com/belindamo/tiny-agent-gym/mcptools"
	"github.com/belindamo/tiny-agent-gym/unifiedllm"
)

// ErrUnknownAgent is returned for an agent name with no registered factory.
var ErrUnknownAgent = errors.New("unknown agent")

// EnvPlaceholder in an MCP server argument is replaced by the task's
// environment directory.
const EnvPlaceholder = "{env}"

// Agent attempts one task. Failures are reported in the result, never
// returned.
type Agent interface {
	Run(ctx context.Context, r Run) AgentResult
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, r Run) AgentResult

// Run calls f.
func (f AgentFunc) Run(ctx context.Context, r Run) AgentResult {
	return f(ctx, r)
}

// Deps are the collaborators agents are built from.
type Deps struct {
	Predictor      agentloop.Predictor
	Editor         agentloop.Editor
	Loop           agentloop.Config
	CommandTimeout time.Duration
	// Dial opens MCP sessions for react_mcp. Nil means stdio subprocesses.
	Dial mcptools.Dialer
	// MCPServers replaces the filesystem and memory reference servers.
	MCPServers []mcptools.ServerConfig
	Events     *agentloop.EventEmitter
	Logger     zerolog.Logger
}

// Factory builds an agent.
type Factory func(deps Deps) Agent

// Agents are the built-in agents by name.
var Agents = map[string]Factory{
	"react":          NewReactAgent,
	"react_mcp":      NewReactMCPAgent,
	"react_with_mcp": NewReactMCPAgent,
}

// AgentNames lists the built-in agent names.
func AgentNames() []string {
	names := make([]string, 0, len(Agents))
	for name := range Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupAgent returns the factory registered under name in agents, or in
// Agents when agents is nil.
func LookupAgent(agents map[string]Factory, name string) (Factory, error) {
	if agents == nil {
		agents = Agents
	}
	f, ok := agents[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAgent, name)
	}
	return f, nil
}

// ExecuteExperiment is the task signature both agents solve: the problem
// text in under inputName, completion and a result out.
func ExecuteExperiment(inputName string) agentloop.Signature {
	return agentloop.Signature{
		Name:         "ExecuteExperiment",
		Instructions: "Execute this experiment based on the conditions provided.",
		Inputs: []agentloop.Field{
			{Name: inputName, Description: "The problem we are trying to solve with this experiment", Kind: agentloop.KindString},
		},
		Outputs: []agentloop.Field{
			{Name: "completed", Description: "Whether the experiment was completed", Kind: agentloop.KindBool},
			{Name: "result", Description: "The result of the experiment", Kind: agentloop.KindString},
		},
	}
}

func (d Deps) commandTimeout() time.Duration {
	if d.CommandTimeout > 0 {
		return d.CommandTimeout
	}
	return agentloop.DefaultCommandTimeout
}

func (d Deps) newLoop(tools []agentloop.Tool, inputName string, log zerolog.Logger) (*agentloop.Agent, error) {
	return agentloop.NewAgent(ExecuteExperiment(inputName), tools, d.Predictor,
		agentloop.WithConfig(d.Loop),
		agentloop.WithLogger(log),
		agentloop.WithEvents(d.Events),
	)
}

// NewReactAgent returns the agent working with the local file and terminal
// tools in the task's environment directory.
func NewReactAgent(deps Deps) Agent {
	log := deps.Logger.With().Str("agent", "react").Logger()
	return guarded(log, func(ctx context.Context, r Run) (*agentloop.Result, error) {
		log.Info().Str("task", r.Task.Task).Msg("react agent processing task")
		env := agentloop.NewLocalExecutionEnvironment(r.DirName)
		if err := env.Initialize(); err != nil {
			return nil, err
		}
		tools := agentloop.FileTools(env, deps.Editor)
		for i, t := range tools {
			if t.Name == "run_terminal_command" {
				tools[i] = agentloop.RunTerminalCommandTool(env, deps.commandTimeout())
			}
		}

		loop, err := deps.newLoop(tools, "problem", log)
		if err != nil {
			return nil, err
		}
		return loop.Run(ctx, agentloop.Values{"problem": r.Task.Task})
	})
}

// NewReactMCPAgent returns the agent whose tools are run_terminal_command
// plus every tool of its MCP servers, by default the filesystem server
// confined to the environment directory and the memory server. Sessions
// are held for the whole run.
func NewReactMCPAgent(deps Deps) Agent {
	log := deps.Logger.With().Str("agent", "react_mcp").Logger()
	dial := deps.Dial
	if dial == nil {
		dial = mcptools.StdioDialer(log)
	}
	return guarded(log, func(ctx context.Context, r Run) (*agentloop.Result, error) {
		log.Info().Str("task", r.Task.Task).Msg("react mcp agent processing task")
		dir, err := filepath.Abs(r.DirName)
		if err != nil {
			return nil, err
		}
		env := agentloop.NewLocalExecutionEnvironment(dir)

		var res *agentloop.Result
		err = mcptools.WithSessions(ctx, dial, serversFor(deps.MCPServers, dir), func(ctx context.Context, sessions []mcptools.Session) error {
			tools := []agentloop.Tool{agentloop.RunTerminalCommandTool(env, deps.commandTimeout())}
			for _, s := range sessions {
				remote, err := mcptools.Tools(ctx, s)
				if err != nil {
					return err
				}
				log.Info().Int("tools", len(remote)).Msg("loaded mcp tools")
				tools = append(tools, remote...)
			}
			log.Info().Int("tools", len(tools)).Msg("total tools available")

			loop, err := deps.newLoop(tools, "task", log)
			if err != nil {
				return err
			}
			res, err = loop.Run(ctx, agentloop.Values{"task": r.Task.Task})
			return err
		})
		return res, err
	})
}

// serversFor substitutes the environment directory into configured servers
// or returns the reference pair.
func serversFor(configured []mcptools.ServerConfig, dir string) []mcptools.ServerConfig {
	if len(configured) == 0 {
		return []mcptools.ServerConfig{mcptools.FilesystemServer(dir), mcptools.MemoryServer()}
	}
	out := make([]mcptools.ServerConfig, len(configured))
	for i, c := range configured {
		args := make([]string, len(c.Args))
		for j, a := range c.Args {
			args[j] = strings.ReplaceAll(a, EnvPlaceholder, dir)
		}
		c.Args = args
		out[i] = c
	}
	return out
}

// guarded runs fn with its own usage ledger and turns any error or panic
// into an unfinished result. Usage spent before a failure is still
// reported.
func guarded(log zerolog.Logger, fn func(ctx context.Context, r Run) (*agentloop.Result, error)) Agent {
	return AgentFunc(func(ctx context.Context, r Run) AgentResult {
		ledger := unifiedllm.NewLedger()
		ctx = unifiedllm.WithLedger(ctx, ledger)

		var (
			res *agentloop.Result
			err error
		)
		if rec := panics.Try(func() { res, err = fn(ctx, r) }); rec != nil {
			err = rec.AsError()
		}
		if err != nil {
			log.Error().Err(err).Msg("agent failed")
		}
		return toAgentResult(res, ledger.Totals(), err)
	})
}

func toAgentResult(res *agentloop.Result, usage unifiedllm.Totals, err error) AgentResult {
	out := AgentResult{
		InputTokens:  positiveInt(usage.InputTokens),
		OutputTokens: positiveInt(usage.OutputTokens),
	}
	if usage.Cost != nil {
		out.Cost = positiveFloat(*usage.Cost)
	}
	if err != nil {
		out.Result = fmt.Sprintf("Error: %v", err)
		out.Reasoning = "Error in agent"
		return out
	}
	out.Completed, _ = res.Outputs["completed"].(bool)
	out.Result = res.Outputs.Text("result")
	out.Reasoning = res.Reasoning
	return out
}
