package agentloop

import (
	"fmt"
	"strings"
)

// FieldKind is the value type of a signature field.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindBool    FieldKind = "bool"
	KindLiteral FieldKind = "literal" // one of Field.Options
	KindObject  FieldKind = "object"  // JSON object
)

// Field names used by the step and extraction signatures.
const (
	FieldTrajectory   = "trajectory"
	FieldNextThought  = "next_thought"
	FieldNextToolName = "next_tool_name"
	FieldNextToolArgs = "next_tool_args"
	FieldReasoning    = "reasoning"
)

// Field is one named input or output of a Signature.
type Field struct {
	Name        string
	Description string
	Kind        FieldKind
	Options     []string
}

// Allows reports whether v is a permitted value of a literal field.
func (f Field) Allows(v string) bool {
	for _, o := range f.Options {
		if o == v {
			return true
		}
	}
	return false
}

// Signature is a structured prompting contract: named inputs to named
// outputs under free-text instructions.
type Signature struct {
	Name         string
	Instructions string
	Inputs       []Field
	Outputs      []Field
}

// InputNames returns the ordered input field names.
func (s Signature) InputNames() []string {
	return fieldNames(s.Inputs)
}

// OutputNames returns the ordered output field names.
func (s Signature) OutputNames() []string {
	return fieldNames(s.Outputs)
}

// Output returns the named output field.
func (s Signature) Output(name string) (Field, bool) {
	for _, f := range s.Outputs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func fieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func backticked(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "`" + n + "`"
	}
	return strings.Join(quoted, ", ")
}

const pursuitDirective = " Unrelentingly pursue the goal and continue to improve with each iteration, making the most of every step." +
	" Do not stop. Take diverse exploration and revision paths that are different from your previous paths." +
	" Do your best to improve performance on the task with each step, even if it seems complete!"

// BuildSignatures derives the step and extraction signatures for task over
// the tools in reg. strictIters is nil for early-termination mode.
func BuildSignatures(task Signature, reg *Registry, strictIters *int) (step, extract Signature) {
	var instr []string
	if task.Instructions != "" {
		instr = append(instr, task.Instructions+"\n")
	}

	iterations, pursuit := "", ""
	if strictIters != nil {
		iterations = fmt.Sprintf(" after exactly %d iterations", *strictIters)
		pursuit = pursuitDirective
	}
	instr = append(instr,
		fmt.Sprintf("You will be given %s and your goal is to finish with %s%s.%s\n",
			backticked(task.InputNames()), backticked(task.OutputNames()), iterations, pursuit),
		"To do this, you will interleave Thought, Tool Name, and Tool Args, and receive a resulting Observation.\n",
		"Thought can reason about the current situation, and Tool Name can be the following types:\n",
	)
	for i, tool := range reg.Tools() {
		desc := "."
		if tool.Description != "" {
			desc = fmt.Sprintf(", whose description is <desc>%s</desc>.", tool.Description)
		}
		desc = strings.ReplaceAll(desc, "\n", "  ")
		desc += fmt.Sprintf(" It takes arguments %s in JSON format.", tool.ArgsHint())
		instr = append(instr, fmt.Sprintf("(%d) %s%s", i+1, tool.Name, desc))
	}

	trajectory := Field{Name: FieldTrajectory, Kind: KindString}

	step = Signature{
		Name:         task.Name + "Step",
		Instructions: strings.Join(instr, "\n"),
		Inputs:       append(append([]Field{}, task.Inputs...), trajectory),
		Outputs: []Field{
			{Name: FieldNextThought, Kind: KindString},
			{Name: FieldNextToolName, Kind: KindLiteral, Options: reg.Names()},
			{Name: FieldNextToolArgs, Kind: KindObject},
		},
	}

	extract = Signature{
		Name:         task.Name + "Extract",
		Instructions: task.Instructions,
		Inputs:       append(append([]Field{}, task.Inputs...), trajectory),
		Outputs: append([]Field{{
			Name:        FieldReasoning,
			Description: "Think step by step in order to produce the outputs.",
			Kind:        KindString,
		}}, task.Outputs...),
	}
	return step, extract
}
