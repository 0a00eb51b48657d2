package agentloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/belindamo/tiny-agent-gym/unifiedllm"
)

// StepState is the lifecycle state of the current iteration.
type StepState string

const (
	StateAwaitingDecision StepState = "awaiting_decision"
	StateDispatchingTool  StepState = "dispatching_tool"
	StateRecorded         StepState = "recorded"
	StateTerminal         StepState = "terminal"
)

// Termination says why the loop stopped.
type Termination string

const (
	TerminationFinish           Termination = "finish"
	TerminationMaxIters         Termination = "max_iters"
	TerminationFixedIters       Termination = "fixed_iters"
	TerminationContextExhausted Termination = "context_exhausted"
)

// Config holds the loop parameters.
type Config struct {
	// MaxIters bounds early-termination runs.
	MaxIters int `mapstructure:"max_iters" json:"max_iters"`
	// StrictIters, when set, selects fixed-iteration mode: no finish tool
	// and exactly this many iterations.
	StrictIters *int `mapstructure:"strict_iters" json:"strict_iters,omitempty"`
	// LoopDetectionWindow is the number of trailing tool calls checked for a
	// repeating pattern. Zero disables detection.
	LoopDetectionWindow int                         `mapstructure:"loop_detection_window" json:"loop_detection_window"`
	ObservationLimits   map[string]ObservationLimit `mapstructure:"observation_limits" json:"observation_limits,omitempty"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIters:            100,
		LoopDetectionWindow: 6,
	}
}

// Fixed reports whether the configuration selects fixed-iteration mode.
func (c Config) Fixed() bool {
	return c.StrictIters != nil
}

// Iterations returns the iteration budget.
func (c Config) Iterations() int {
	if c.StrictIters != nil {
		return *c.StrictIters
	}
	return c.MaxIters
}

// Option configures an Agent.
type Option func(*Agent)

// WithConfig replaces the loop configuration.
func WithConfig(cfg Config) Option {
	return func(a *Agent) {
		a.cfg = cfg
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

// WithEvents sets the emitter run events are sent to.
func WithEvents(e *EventEmitter) Option {
	return func(a *Agent) {
		a.events = e
	}
}

// Agent runs the reason-act-observe loop for one task signature over a
// fixed tool set. An Agent holds no per-run state and may be reused.
type Agent struct {
	task      Signature
	registry  *Registry
	predictor Predictor
	step      Signature
	extract   Signature
	cfg       Config
	log       zerolog.Logger
	events    *EventEmitter
}

// NewAgent validates tools, builds the registry and derives the step and
// extraction signatures.
func NewAgent(task Signature, tools []Tool, predictor Predictor, opts ...Option) (*Agent, error) {
	if predictor == nil {
		return nil, errors.New("agent requires a predictor")
	}
	a := &Agent{
		task:      task,
		predictor: predictor,
		cfg:       DefaultConfig(),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.Iterations() < 0 {
		return nil, fmt.Errorf("iteration budget must not be negative, got %d", a.cfg.Iterations())
	}

	regOpts := []RegistryOption{WithOutputNames(task.OutputNames()...)}
	if a.cfg.Fixed() {
		regOpts = append(regOpts, WithFixedIterations())
	}
	reg, err := NewRegistry(tools, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	a.registry = reg
	a.step, a.extract = BuildSignatures(task, reg, a.cfg.StrictIters)
	return a, nil
}

// Registry returns the tool registry.
func (a *Agent) Registry() *Registry { return a.registry }

// StepSignature returns the per-step signature.
func (a *Agent) StepSignature() Signature { return a.step }

// ExtractSignature returns the extraction signature.
func (a *Agent) ExtractSignature() Signature { return a.extract }

// Result is the outcome of a run.
type Result struct {
	RunID       string
	Outputs     Values
	Reasoning   string
	Trajectory  []Step
	Usage       unifiedllm.Totals
	Iterations  int
	Truncations int
	Termination Termination
}

// Finished reports whether the model chose the finish tool.
func (r *Result) Finished() bool {
	return r.Termination == TerminationFinish
}

// run is the state of a single Run call.
type run struct {
	id          string
	traj        *Trajectory
	state       StepState
	truncations int
}

// Run executes the loop for inputs and extracts the task outputs. Tool
// failures never abort a run; only model-call and extraction failures are
// returned. Usage is read from the unifiedllm.Ledger on ctx, which Run
// attaches when absent.
func (a *Agent) Run(ctx context.Context, inputs Values) (*Result, error) {
	for _, f := range a.task.Inputs {
		if _, ok := inputs[f.Name]; !ok {
			return nil, fmt.Errorf("missing input %q", f.Name)
		}
	}

	ledger := unifiedllm.LedgerFrom(ctx)
	if ledger == nil {
		ledger = unifiedllm.NewLedger()
		ctx = unifiedllm.WithLedger(ctx, ledger)
	}
	mark := ledger.Len()

	r := &run{id: uuid.New().String(), traj: NewTrajectory()}
	log := a.log.With().Str("run_id", r.id).Logger()
	a.emit(r, EventRunStart, map[string]any{"tools": a.registry.Names(), "fixed": a.cfg.Fixed()})
	log.Info().Strs("tools", a.registry.Names()).Int("budget", a.cfg.Iterations()).Msg("run started")

	termination := TerminationMaxIters
	if a.cfg.Fixed() {
		termination = TerminationFixedIters
	}

	for i := 0; i < a.cfg.Iterations(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.state = StateAwaitingDecision
		a.emit(r, EventStepStart, nil)

		pred, err := a.callWithTruncation(ctx, r, a.step, inputs)
		if errors.Is(err, ErrTrajectoryTooShort) {
			log.Warn().Int("step", i).Msg("context window exhausted, ending loop")
			a.emit(r, EventWarning, map[string]any{"message": err.Error()})
			termination = TerminationContextExhausted
			break
		}
		if err != nil {
			a.emit(r, EventError, map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		step := a.act(ctx, r, pred)
		if err := r.traj.Append(step); err != nil {
			return nil, err
		}
		r.state = StateRecorded
		log.Info().
			Int("step", step.Index).
			Str("tool", step.ToolName).
			Bool("failed", step.Failed).
			Msg("step recorded")

		if a.cfg.LoopDetectionWindow > 0 && DetectLoop(r.traj.Steps(), a.cfg.LoopDetectionWindow) {
			log.Warn().Int("window", a.cfg.LoopDetectionWindow).Msg("repeating tool calls detected")
			a.emit(r, EventLoopDetection, map[string]any{"window": a.cfg.LoopDetectionWindow})
		}

		if !a.cfg.Fixed() && step.ToolName == FinishToolName {
			termination = TerminationFinish
			break
		}
	}
	r.state = StateTerminal

	out, err := a.callWithTruncation(ctx, r, a.extract, inputs)
	if err != nil {
		a.emit(r, EventError, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("extract outputs: %w", err)
	}
	a.emit(r, EventExtraction, nil)

	res := &Result{
		RunID:       r.id,
		Outputs:     make(Values, len(a.task.Outputs)),
		Reasoning:   out.Text(FieldReasoning),
		Trajectory:  r.traj.Steps(),
		Usage:       ledger.Since(mark),
		Iterations:  r.traj.NextIndex(),
		Truncations: r.truncations,
		Termination: termination,
	}
	for _, f := range a.task.Outputs {
		res.Outputs[f.Name] = out[f.Name]
	}

	log.Info().
		Str("termination", string(termination)).
		Int("iterations", res.Iterations).
		Int("calls", res.Usage.Calls).
		Int("input_tokens", res.Usage.InputTokens).
		Int("output_tokens", res.Usage.OutputTokens).
		Msg("run finished")
	a.emit(r, EventRunEnd, map[string]any{"termination": string(termination)})
	return res, nil
}

// act dispatches the chosen tool and builds the step record.
func (a *Agent) act(ctx context.Context, r *run, pred Values) Step {
	r.state = StateDispatchingTool
	name, _ := pred[FieldNextToolName].(string)
	args, _ := pred[FieldNextToolArgs].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	obs := a.registry.Dispatch(ctx, name, args)
	text := TruncateObservation(obs.Text, name, a.cfg.ObservationLimits)

	a.emit(r, EventToolCallEnd, map[string]any{"tool": name, "failed": obs.Failed})
	return Step{
		Index:       r.traj.NextIndex(),
		Thought:     pred.Text(FieldNextThought),
		ToolName:    name,
		ToolArgs:    args,
		Observation: text,
		Failed:      obs.Failed,
	}
}

// callWithTruncation predicts sig over the current trajectory. Each context
// length error drops the oldest step and retries; ErrTrajectoryTooShort is
// returned once nothing more can be dropped.
func (a *Agent) callWithTruncation(ctx context.Context, r *run, sig Signature, inputs Values) (Values, error) {
	for {
		in := make(Values, len(inputs)+1)
		for k, v := range inputs {
			in[k] = v
		}
		in[FieldTrajectory] = r.traj.Serialize()

		out, err := a.predictor.Predict(ctx, sig, in)
		if err == nil {
			return out, nil
		}
		if !unifiedllm.IsContextLength(err) {
			return nil, err
		}
		if terr := r.traj.TruncateOldestStep(); terr != nil {
			return nil, fmt.Errorf("%w: %v", terr, err)
		}
		r.truncations++
		a.log.Warn().Str("run_id", r.id).Int("remaining", r.traj.Len()).Msg("context window exceeded, dropped oldest step")
		a.emit(r, EventTruncation, map[string]any{"remaining": r.traj.Len()})
	}
}

func (a *Agent) emit(r *run, kind EventKind, data map[string]any) {
	a.events.Emit(Event{Kind: kind, RunID: r.id, Step: r.traj.NextIndex(), Data: data})
}
