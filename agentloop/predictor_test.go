package agentloop

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belindamo/tiny-agent-gym/unifiedllm"
)

// scriptedAdapter answers each call with the next reply.
type scriptedAdapter struct {
	replies []string
	reqs    []unifiedllm.Request
}

func (s *scriptedAdapter) Name() string { return "scripted" }

func (s *scriptedAdapter) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	s.reqs = append(s.reqs, req)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return &unifiedllm.Response{
		Model:   req.Model,
		Message: unifiedllm.AssistantMessage(reply),
		Usage:   unifiedllm.Usage{InputTokens: 100, OutputTokens: 10, TotalTokens: 110},
	}, nil
}

func stepSignatureFor(t *testing.T, tools ...Tool) Signature {
	t.Helper()
	reg, err := NewRegistry(tools)
	require.NoError(t, err)
	step, _ := BuildSignatures(experimentSignature(), reg, nil)
	return step
}

func stepReply(tool, args string) string {
	return "[[ ## next_thought ## ]]\nI should act.\n\n" +
		"[[ ## next_tool_name ## ]]\n" + tool + "\n\n" +
		"[[ ## next_tool_args ## ]]\n" + args + "\n\n" +
		"[[ ## end ## ]]"
}

func TestParseReply(t *testing.T) {
	step := stepSignatureFor(t, echoTool("read_file"))

	out, err := ParseReply(step, stepReply("read_file", "```json\n{\"filepath\": \"a.txt\"}\n```"))
	require.NoError(t, err)
	assert.Equal(t, "I should act.", out[FieldNextThought])
	assert.Equal(t, "read_file", out[FieldNextToolName])
	assert.Equal(t, map[string]any{"filepath": "a.txt"}, out[FieldNextToolArgs])

	out, err = ParseReply(step, stepReply("`finish`", ""))
	require.NoError(t, err)
	assert.Equal(t, "finish", out[FieldNextToolName])
	assert.Equal(t, map[string]any{}, out[FieldNextToolArgs])

	_, err = ParseReply(step, "[[ ## next_thought ## ]]\nhm")
	assert.ErrorContains(t, err, `missing field "next_tool_name"`)

	_, err = ParseReply(step, stepReply("read_file", "[1, 2]"))
	assert.ErrorContains(t, err, "not a JSON object")
}

func TestParseReplyRejectsUnknownToolName(t *testing.T) {
	step := stepSignatureFor(t, echoTool("read_file"))

	_, err := ParseReply(step, stepReply("delete_everything", "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"delete_everything" is not one of read_file, finish`)
}

func TestParseReplyBool(t *testing.T) {
	_, extract := BuildSignatures(experimentSignature(), mustRegistry(t), nil)
	reply := "[[ ## reasoning ## ]]\nDone.\n\n[[ ## completed ## ]]\nTrue\n\n[[ ## result ## ]]\nIt works.\n\n[[ ## end ## ]]"

	out, err := ParseReply(extract, reply)
	require.NoError(t, err)
	assert.Equal(t, true, out["completed"])
	assert.Equal(t, "It works.", out["result"])
	assert.Equal(t, "Done.", out[FieldReasoning])

	_, err = ParseReply(extract, strings.Replace(reply, "True", "maybe", 1))
	assert.ErrorContains(t, err, "not a boolean")
}

func mustRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	reg, err := NewRegistry(tools)
	require.NoError(t, err)
	return reg
}

func TestLMPredictorRetriesUnparseableReplies(t *testing.T) {
	adapter := &scriptedAdapter{replies: []string{
		stepReply("nonexistent", "{}"),
		stepReply("read_file", `{"filepath": "a.txt"}`),
	}}
	client := unifiedllm.NewClient(unifiedllm.WithProvider("scripted", adapter))
	p := NewLMPredictor(client, "test-model")

	ledger := unifiedllm.NewLedger()
	ctx := unifiedllm.WithLedger(context.Background(), ledger)

	step := stepSignatureFor(t, echoTool("read_file"))
	out, err := p.Predict(ctx, step, Values{"problem": "p", FieldTrajectory: ""})
	require.NoError(t, err)
	assert.Equal(t, "read_file", out[FieldNextToolName])

	require.Len(t, adapter.reqs, 2)
	retry := adapter.reqs[1].Messages
	require.Len(t, retry, 4)
	assert.Contains(t, retry[3].TextContent(), "could not be parsed")
	assert.Equal(t, 2, ledger.Len(), "the corrective call is billed")
}

func TestLMPredictorGivesUpWithParseError(t *testing.T) {
	adapter := &scriptedAdapter{replies: []string{"no markers at all"}}
	client := unifiedllm.NewClient(unifiedllm.WithProvider("scripted", adapter))
	p := NewLMPredictor(client, "test-model", WithMaxParseRetries(1))

	_, err := p.Predict(context.Background(), stepSignatureFor(t), Values{"problem": "p"})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "no markers at all", perr.Reply)
	assert.Len(t, adapter.reqs, 2)
}

func TestLMPredictorRendersFieldMarkers(t *testing.T) {
	adapter := &scriptedAdapter{replies: []string{stepReply("finish", "{}")}}
	client := unifiedllm.NewClient(unifiedllm.WithProvider("scripted", adapter))
	p := NewLMPredictor(client, "test-model")

	_, err := p.Predict(context.Background(), stepSignatureFor(t), Values{"problem": "Build it", FieldTrajectory: "[[ ## thought_0 ## ]]\nx"})
	require.NoError(t, err)

	msgs := adapter.reqs[0].Messages
	require.Len(t, msgs, 2)
	system := msgs[0].TextContent()
	assert.Contains(t, system, "1. `problem` (str): The problem we are trying to solve with this experiment")
	assert.Contains(t, system, "2. `next_tool_name` (Literal['finish'])")
	assert.Contains(t, system, "In adhering to this structure, your objective is: ")

	user := msgs[1].TextContent()
	assert.True(t, strings.HasPrefix(user, "[[ ## problem ## ]]\nBuild it\n\n[[ ## trajectory ## ]]\n[[ ## thought_0 ## ]]\nx"))
	assert.Contains(t, user, "starting with the field `[[ ## next_thought ## ]]`")
}

func TestLMPredictorPreflightContextWindow(t *testing.T) {
	adapter := &scriptedAdapter{replies: []string{stepReply("finish", "{}")}}
	client := unifiedllm.NewClient(unifiedllm.WithProvider("scripted", adapter))
	p := NewLMPredictor(client, "gpt-4o-mini")

	huge := strings.Repeat("x", 4*200000)
	_, err := p.Predict(context.Background(), stepSignatureFor(t), Values{"problem": "p", FieldTrajectory: huge})
	assert.True(t, unifiedllm.IsContextLength(err))
	assert.Empty(t, adapter.reqs, "no call is made for a prompt that cannot fit")
}

type overloadedAdapter struct{ calls int }

func (o *overloadedAdapter) Name() string { return "overloaded" }

func (o *overloadedAdapter) Complete(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	o.calls++
	return nil, unifiedllm.ErrorFromStatusCode(503, "overloaded", "overloaded", "", nil)
}

func TestLMPredictorZeroCallRetries(t *testing.T) {
	adapter := &overloadedAdapter{}
	client := unifiedllm.NewClient(unifiedllm.WithProvider("overloaded", adapter))
	p := NewLMPredictor(client, "test-model", WithCallRetries(0))

	_, err := p.Predict(context.Background(), stepSignatureFor(t), Values{"problem": "p"})
	require.Error(t, err)
	assert.Equal(t, 1, adapter.calls)
}
