package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies which part of an over-long observation is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// defaultObservationChars applies to tools without a specific limit, which
// includes every MCP tool.
const defaultObservationChars = 30000

// DefaultLimitKey is the overrides entry that replaces the fallback limit for
// tools without one of their own.
const DefaultLimitKey = "*"

// ObservationLimit bounds the text a tool may contribute to the trajectory.
type ObservationLimit struct {
	Chars int            `mapstructure:"chars" json:"chars"`
	Lines int            `mapstructure:"lines" json:"lines,omitempty"`
	Mode  TruncationMode `mapstructure:"mode" json:"mode,omitempty"`
}

// DefaultObservationLimits are the per-tool limits of the local tools.
var DefaultObservationLimits = map[string]ObservationLimit{
	"read_file":            {Chars: 50000, Mode: TruncateHeadTail},
	"run_terminal_command": {Chars: 30000, Lines: 256, Mode: TruncateHeadTail},
	"list_directory":       {Chars: 20000, Lines: 500, Mode: TruncateTail},
	"edit_file":            {Chars: 10000, Mode: TruncateTail},
	"create_file":          {Chars: 1000, Mode: TruncateTail},
	"delete_file":          {Chars: 1000, Mode: TruncateTail},
}

// TruncateOutput applies character-based truncation to output. Limits count
// bytes; cuts never split a UTF-8 sequence.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	if mode == TruncateTail {
		tail := output[tailStart(output, len(output)-maxChars):]
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", len(output)-len(tail)) +
			tail
	}
	half := maxChars / 2
	head := output[:headEnd(output, half)]
	tail := output[tailStart(output, len(output)-half):]
	return head +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need to see specific parts, re-run the tool with more targeted arguments.]\n\n", len(output)-len(head)-len(tail)) +
		tail
}

// headEnd backs i up to the start of the rune it falls in.
func headEnd(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// tailStart moves i forward to the next rune start.
func tailStart(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateObservation bounds a tool's observation text: characters first,
// then lines. overrides take precedence over DefaultObservationLimits.
func TruncateObservation(output, toolName string, overrides map[string]ObservationLimit) string {
	limit, ok := overrides[toolName]
	if !ok {
		limit, ok = DefaultObservationLimits[toolName]
	}
	if !ok {
		limit, ok = overrides[DefaultLimitKey]
	}
	if !ok {
		limit = ObservationLimit{Chars: defaultObservationChars, Mode: TruncateHeadTail}
	}
	result := TruncateOutput(output, limit.Chars, limit.Mode)
	return TruncateLines(result, limit.Lines)
}
