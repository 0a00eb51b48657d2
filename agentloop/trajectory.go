package agentloop

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTrajectoryTooShort means overflow recovery has nothing left to drop.
	ErrTrajectoryTooShort = errors.New("trajectory cannot be truncated: only one step remains")
	// ErrNonSequentialStep is returned when a step would leave a gap.
	ErrNonSequentialStep = errors.New("trajectory steps must be appended in order")
)

// Step is one thought/tool/args/observation record.
type Step struct {
	Index       int            `json:"index"`
	Thought     string         `json:"thought"`
	ToolName    string         `json:"tool_name"`
	ToolArgs    map[string]any `json:"tool_args"`
	Observation string         `json:"observation"`
	Failed      bool           `json:"failed,omitempty"`
}

// Entry is one keyed value of the flattened trajectory.
type Entry struct {
	Key   string
	Value string
}

// Trajectory is the append-only ordered record of a run's steps. Only the
// oldest step can be removed. It is owned by a single run.
type Trajectory struct {
	steps []Step
	next  int
}

// NewTrajectory creates an empty trajectory.
func NewTrajectory() *Trajectory {
	return &Trajectory{}
}

// NextIndex is the index the next appended step must carry.
func (t *Trajectory) NextIndex() int {
	return t.next
}

// Append records a complete step.
func (t *Trajectory) Append(s Step) error {
	if s.Index != t.next {
		return fmt.Errorf("%w: got step %d, want %d", ErrNonSequentialStep, s.Index, t.next)
	}
	if s.ToolArgs == nil {
		s.ToolArgs = map[string]any{}
	}
	t.steps = append(t.steps, s)
	t.next++
	return nil
}

// TruncateOldestStep drops the lowest remaining step.
func (t *Trajectory) TruncateOldestStep() error {
	if len(t.steps) <= 1 {
		return ErrTrajectoryTooShort
	}
	t.steps = t.steps[1:]
	return nil
}

// Len returns the number of retained steps.
func (t *Trajectory) Len() int {
	return len(t.steps)
}

// Steps returns a copy of the retained steps in order.
func (t *Trajectory) Steps() []Step {
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// Entries flattens the retained steps into thought_i, tool_name_i,
// tool_args_i, observation_i entries.
func (t *Trajectory) Entries() []Entry {
	entries := make([]Entry, 0, 4*len(t.steps))
	for _, s := range t.steps {
		entries = append(entries,
			Entry{Key: fmt.Sprintf("thought_%d", s.Index), Value: s.Thought},
			Entry{Key: fmt.Sprintf("tool_name_%d", s.Index), Value: s.ToolName},
			Entry{Key: fmt.Sprintf("tool_args_%d", s.Index), Value: renderArgs(s.ToolArgs)},
			Entry{Key: fmt.Sprintf("observation_%d", s.Index), Value: s.Observation},
		)
	}
	return entries
}

// Serialize renders the trajectory as marked field blocks. Equal contents
// always serialize to equal text.
func (t *Trajectory) Serialize() string {
	entries := t.Entries()
	blocks := make([]string, len(entries))
	for i, e := range entries {
		blocks[i] = fieldMarker(e.Key) + "\n" + e.Value
	}
	return strings.Join(blocks, "\n\n")
}

// renderArgs marshals tool args; encoding/json sorts map keys.
func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	text, err := marshalText(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return text
}

func fieldMarker(name string) string {
	return "[[ ## " + name + " ## ]]"
}
