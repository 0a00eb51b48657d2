package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belindamo/tiny-agent-gym/unifiedllm"
)

// scriptedPredictor replays step decisions and bills every call to the
// ledger on its context.
type scriptedPredictor struct {
	steps    []Values
	extract  Values
	overflow func(call int, sig Signature, in Values) bool

	calls      int
	stepCalls  int
	extracts   int
	trajectory []string
}

func (s *scriptedPredictor) Predict(ctx context.Context, sig Signature, in Values) (Values, error) {
	call := s.calls
	s.calls++
	if l := unifiedllm.LedgerFrom(ctx); l != nil {
		l.Record(unifiedllm.CallRecord{Model: "scripted", InputTokens: 10 + call, OutputTokens: 5})
	}
	s.trajectory = append(s.trajectory, in.Text(FieldTrajectory))
	if s.overflow != nil && s.overflow(call, sig, in) {
		return nil, &unifiedllm.ContextLengthError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "context_length_exceeded"},
		}}
	}
	if strings.HasSuffix(sig.Name, "Extract") {
		s.extracts++
		return s.extract, nil
	}
	next := s.steps[len(s.steps)-1]
	if s.stepCalls < len(s.steps) {
		next = s.steps[s.stepCalls]
	}
	s.stepCalls++
	return next, nil
}

func decide(tool string, args map[string]any) Values {
	return Values{
		FieldNextThought:  "thinking about " + tool,
		FieldNextToolName: tool,
		FieldNextToolArgs: args,
	}
}

func doneOutputs() Values {
	return Values{FieldReasoning: "all good", "completed": true, "result": "done", "ignored": 1}
}

func TestRunThreeToolScenario(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalExecutionEnvironment(dir)

	pred := &scriptedPredictor{
		steps: []Values{
			decide("create_file", map[string]any{"filepath": "notes/a.txt", "content": "hello"}),
			decide("read_file", map[string]any{"filepath": "notes/a.txt"}),
			decide(FinishToolName, map[string]any{}),
		},
		extract: doneOutputs(),
	}
	cfg := DefaultConfig()
	cfg.MaxIters = 10
	agent, err := NewAgent(experimentSignature(), []Tool{CreateFileTool(env), ReadFileTool(env)}, pred, WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, []string{"create_file", "read_file", "finish"}, agent.Registry().Names())

	res, err := agent.Run(context.Background(), Values{"problem": "write a note"})
	require.NoError(t, err)

	require.Len(t, res.Trajectory, 3)
	assert.Equal(t, "true", res.Trajectory[0].Observation)
	assert.Equal(t, "hello", res.Trajectory[1].Observation)
	assert.Equal(t, "Completed.", res.Trajectory[2].Observation)
	for i, s := range res.Trajectory {
		assert.Equal(t, i, s.Index)
		assert.False(t, s.Failed)
	}

	assert.True(t, res.Finished())
	assert.Equal(t, 1, pred.extracts)
	assert.Equal(t, 3, pred.stepCalls)
	assert.Equal(t, true, res.Outputs["completed"])
	assert.Equal(t, "done", res.Outputs["result"])
	assert.NotContains(t, res.Outputs, "ignored")
	assert.Equal(t, "all good", res.Reasoning)

	data, err := os.ReadFile(filepath.Join(dir, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRunEarlyExitStopsAfterFinish(t *testing.T) {
	pred := &scriptedPredictor{
		steps:   []Values{decide("echo", map[string]any{"text": "x"}), decide(FinishToolName, nil), decide("echo", nil)},
		extract: doneOutputs(),
	}
	agent, err := NewAgent(experimentSignature(), []Tool{echoTool("echo")}, pred)
	require.NoError(t, err)

	res, err := agent.Run(context.Background(), Values{"problem": "p"})
	require.NoError(t, err)
	assert.Len(t, res.Trajectory, 2)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, TerminationFinish, res.Termination)
	assert.NotContains(t, pred.trajectory[len(pred.trajectory)-1], "thought_2")
}

func TestRunMaxIters(t *testing.T) {
	pred := &scriptedPredictor{steps: []Values{decide("echo", map[string]any{"text": "again"})}, extract: doneOutputs()}
	cfg := DefaultConfig()
	cfg.MaxIters = 4
	agent, err := NewAgent(experimentSignature(), []Tool{echoTool("echo")}, pred, WithConfig(cfg))
	require.NoError(t, err)

	res, err := agent.Run(context.Background(), Values{"problem": "p"})
	require.NoError(t, err)
	assert.Len(t, res.Trajectory, 4)
	assert.Equal(t, TerminationMaxIters, res.Termination)
	assert.False(t, res.Finished())
}

func TestRunFixedIterations(t *testing.T) {
	pred := &scriptedPredictor{steps: []Values{decide("echo", map[string]any{"text": "x"})}, extract: doneOutputs()}
	n := 3
	cfg := DefaultConfig()
	cfg.StrictIters = &n
	agent, err := NewAgent(experimentSignature(), []Tool{echoTool("echo")}, pred, WithConfig(cfg))
	require.NoError(t, err)

	assert.False(t, agent.Registry().HasFinish())
	name, _ := agent.StepSignature().Output(FieldNextToolName)
	assert.Equal(t, []string{"echo"}, name.Options)

	res, err := agent.Run(context.Background(), Values{"problem": "p"})
	require.NoError(t, err)
	assert.Len(t, res.Trajectory, 3)
	assert.Equal(t, TerminationFixedIters, res.Termination)
}

func TestRunFixedIterationsIgnoresFinishChoice(t *testing.T) {
	// A predictor that bypasses the literal constraint still cannot end a
	// fixed run early: finish is simply not a registered tool.
	pred := &scriptedPredictor{steps: []Values{decide(FinishToolName, nil)}, extract: doneOutputs()}
	n := 2
	cfg := DefaultConfig()
	cfg.StrictIters = &n
	agent, err := NewAgent(experimentSignature(), []Tool{echoTool("echo")}, pred, WithConfig(cfg))
	require.NoError(t, err)

	res, err := agent.Run(context.Background(), Values{"problem": "p"})
	require.NoError(t, err)
	require.Len(t, res.Trajectory, 2)
	assert.True(t, res.Trajectory[0].Failed)
}

func TestRunToolFailureBecomesObservation(t *testing.T) {
	failing := Tool{Name: "explode", Invoke: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	}}
	pred := &scriptedPredictor{
		steps:   []Values{decide("explode", nil), decide(FinishToolName, nil)},
		extract: doneOutputs(),
	}
	agent, err := NewAgent(experimentSignature(), []Tool{failing}, pred)
	require.NoError(t, err)

	res, err := agent.Run(context.Background(), Values{"problem": "p"})
	require.NoError(t, err)
	require.Len(t, res.Trajectory, 2)
	assert.True(t, res.Trajectory[0].Failed)
	assert.Equal(t, "Failed to execute: kaboom", res.Trajectory[0].Observation)
	assert.Contains(t, pred.trajectory[1], "Failed to execute: kaboom")
}

func TestRunOverflowTruncatesOldestStep(t *testing.T) {
	pred := &scriptedPredictor{
		steps: []Values{
			decide("echo", map[string]any{"text": "a"}),
			decide("echo", map[string]any{"text": "b"}),
			decide("echo", map[string]any{"text": "c"}),
			decide(FinishToolName, nil),
		},
		extract: doneOutputs(),
	}
	// The fourth step call overflows while three steps are recorded.
	pred.overflow = func(call int, sig Signature, in Values) bool {
		return call == 3
	}
	agent, err := NewAgent(experimentSignature(), []Tool{echoTool("echo")}, pred)
	require.NoError(t, err)

	ledger := unifiedllm.NewLedger()
	ctx := unifiedllm.WithLedger(context.Background(), ledger)
	res, err := agent.Run(ctx, Values{"problem": "p"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Truncations)
	require.Len(t, res.Trajectory, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{res.Trajectory[0].Index, res.Trajectory[1].Index, res.Trajectory[2].Index})
	assert.NotContains(t, pred.trajectory[4], "thought_0")
	assert.Contains(t, pred.trajectory[4], "thought_1")

	// 4 successful step calls, 1 overflowed call, 1 extraction.
	assert.Equal(t, 6, res.Usage.Calls)
	var in, out int
	for _, rec := range ledger.Records() {
		in += rec.InputTokens
		out += rec.OutputTokens
	}
	assert.Equal(t, in, res.Usage.InputTokens)
	assert.Equal(t, out, res.Usage.OutputTokens)
}

func TestRunContextExhaustedEndsLoop(t *testing.T) {
	pred := &scriptedPredictor{
		steps:   []Values{decide("echo", map[string]any{"text": "a"})},
		extract: doneOutputs(),
	}
	// Every step call after the first overflows; extraction fits.
	pred.overflow = func(call int, sig Signature, in Values) bool {
		return call > 0 && strings.HasSuffix(sig.Name, "Step")
	}
	agent, err := NewAgent(experimentSignature(), []Tool{echoTool("echo")}, pred)
	require.NoError(t, err)

	res, err := agent.Run(context.Background(), Values{"problem": "p"})
	require.NoError(t, err)
	assert.Equal(t, TerminationContextExhausted, res.Termination)
	assert.Len(t, res.Trajectory, 1)
	assert.Equal(t, 1, pred.extracts)
}

func TestRunModelFailureIsReturned(t *testing.T) {
	boom := errors.New("provider down")
	pred := PredictorFunc(func(context.Context, Signature, Values) (Values, error) {
		return nil, boom
	})
	agent, err := NewAgent(experimentSignature(), nil, pred)
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), Values{"problem": "p"})
	assert.ErrorIs(t, err, boom)

	_, err = agent.Run(context.Background(), Values{})
	assert.ErrorContains(t, err, `missing input "problem"`)
}

func TestRunUsageOnlyCountsThisRun(t *testing.T) {
	ledger := unifiedllm.NewLedger()
	ledger.Record(unifiedllm.CallRecord{InputTokens: 1000, OutputTokens: 1000})
	ctx := unifiedllm.WithLedger(context.Background(), ledger)

	pred := &scriptedPredictor{steps: []Values{decide(FinishToolName, nil)}, extract: doneOutputs()}
	agent, err := NewAgent(experimentSignature(), nil, pred)
	require.NoError(t, err)

	res, err := agent.Run(ctx, Values{"problem": "p"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Usage.Calls)
	assert.Equal(t, 10+11, res.Usage.InputTokens)
	assert.Equal(t, 10, res.Usage.OutputTokens)
}

func TestRunEmitsEvents(t *testing.T) {
	events := NewEventEmitter(64)
	pred := &scriptedPredictor{steps: []Values{decide(FinishToolName, nil)}, extract: doneOutputs()}
	agent, err := NewAgent(experimentSignature(), nil, pred, WithEvents(events))
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), Values{"problem": "p"})
	require.NoError(t, err)
	events.Close()

	var kinds []EventKind
	for ev := range events.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventRunStart, EventStepStart, EventToolCallEnd, EventExtraction, EventRunEnd}, kinds)
}
