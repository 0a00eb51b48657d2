package agentloop

import (
	"crypto/sha256"
	"fmt"
)

// stepSignature identifies a tool call by name and argument hash.
func stepSignature(s Step) string {
	h := sha256.Sum256([]byte(renderArgs(s.ToolArgs)))
	return fmt.Sprintf("%s:%x", s.ToolName, h[:8])
}

// DetectLoop reports whether the last windowSize tool calls repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(steps []Step, windowSize int) bool {
	if windowSize <= 0 || len(steps) < windowSize {
		return false
	}
	sigs := make([]string, windowSize)
	for i, s := range steps[len(steps)-windowSize:] {
		sigs[i] = stepSignature(s)
	}

	for patternLen := 1; patternLen <= 3 && patternLen < windowSize; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		matched := true
		for i := patternLen; i < windowSize && matched; i++ {
			matched = sigs[i] == sigs[i%patternLen]
		}
		if matched {
			return true
		}
	}
	return false
}
