package providers

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/duraloop/duraloop/pkg/models"
)

func TestAccumulateToolCallDeltaConcatenatesArgFragments(t *testing.T) {
	pending := map[int]*pendingToolCall{}

	// Arguments arrive split across several chunks; id and name
	// typically appear once, on the first fragment for their index.
	accumulateToolCallDelta(pending, 0, "call-1", "bash", `{"comm`)
	accumulateToolCallDelta(pending, 0, "", "", `and": "ls`)
	accumulateToolCallDelta(pending, 0, "", "", `"}`)

	pc := pending[0]
	if pc == nil {
		t.Fatal("expected a pending entry at index 0")
	}
	if pc.id != "call-1" || pc.name != "bash" {
		t.Fatalf("unexpected accumulated id/name: %+v", pc)
	}
	if pc.args != `{"command": "ls"}` {
		t.Fatalf("expected fully concatenated args, got %q", pc.args)
	}
}

func TestAccumulateToolCallDeltaTracksMultipleIndexesIndependently(t *testing.T) {
	pending := map[int]*pendingToolCall{}

	accumulateToolCallDelta(pending, 0, "call-1", "bash", `{"a":1}`)
	accumulateToolCallDelta(pending, 1, "call-2", "read_file", `{"path":"x"}`)

	if len(pending) != 2 {
		t.Fatalf("expected 2 independent pending entries, got %d", len(pending))
	}
	if pending[0].id != "call-1" || pending[1].id != "call-2" {
		t.Fatalf("unexpected entries: %+v, %+v", pending[0], pending[1])
	}
}

func TestAccumulateToolCallDeltaLaterIDOverridesEarlier(t *testing.T) {
	// Not expected in practice, but the fold must not panic or drop
	// state if a later fragment still carries a non-empty id/name.
	pending := map[int]*pendingToolCall{}
	accumulateToolCallDelta(pending, 0, "call-1", "bash", "a")
	accumulateToolCallDelta(pending, 0, "call-1-retry", "bash", "b")

	if pending[0].id != "call-1-retry" {
		t.Fatalf("expected the later id to win, got %q", pending[0].id)
	}
	if pending[0].args != "ab" {
		t.Fatalf("expected args to still accumulate across the id change, got %q", pending[0].args)
	}
}

func TestFinalizeToolCallsOrdersByIndex(t *testing.T) {
	pending := map[int]*pendingToolCall{
		1: {id: "call-2", name: "read_file", args: `{"path":"x"}`},
		0: {id: "call-1", name: "bash", args: `{"command":"ls"}`},
	}

	calls := finalizeToolCalls(pending)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call-1" || calls[1].ID != "call-2" {
		t.Fatalf("expected index order call-1, call-2, got %s, %s", calls[0].ID, calls[1].ID)
	}
	if string(calls[0].Input) != `{"command":"ls"}` {
		t.Fatalf("expected the raw accumulated JSON to be preserved verbatim, got %s", calls[0].Input)
	}
}

func TestFinalizeToolCallsSkipsGapsInIndex(t *testing.T) {
	// A gap (index 1 never populated) must not panic or emit a zero
	// value entry.
	pending := map[int]*pendingToolCall{
		0: {id: "call-1", name: "bash", args: "{}"},
		2: {id: "call-3", name: "bash", args: "{}"},
	}

	calls := finalizeToolCalls(pending)
	if len(calls) != 2 {
		t.Fatalf("expected only the populated indexes to survive, got %d calls", len(calls))
	}
	if calls[0].ID != "call-1" || calls[1].ID != "call-3" {
		t.Fatalf("expected call-1, call-3, got %s, %s", calls[0].ID, calls[1].ID)
	}
}

func TestToOpenAIMessagesSetsToolCallIDOnlyForToolRole(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleTool, Content: "result", ToolCallID: "call-1"},
	}

	wire := toOpenAIMessages(msgs)
	if len(wire) != 2 {
		t.Fatalf("expected 2 wire messages, got %d", len(wire))
	}
	if wire[0].ToolCallID != "" {
		t.Fatalf("expected no ToolCallID on a user message, got %q", wire[0].ToolCallID)
	}
	if wire[1].ToolCallID != "call-1" {
		t.Fatalf("expected the tool message's ToolCallID to carry through, got %q", wire[1].ToolCallID)
	}
}

func TestToOpenAIMessagesTranslatesToolCalls(t *testing.T) {
	input, _ := json.Marshal(map[string]string{"command": "ls"})
	msgs := []*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call-1", Name: "bash", Input: input}}},
	}

	wire := toOpenAIMessages(msgs)
	if len(wire[0].ToolCalls) != 1 {
		t.Fatalf("expected 1 translated tool call, got %d", len(wire[0].ToolCalls))
	}
	tc := wire[0].ToolCalls[0]
	if tc.ID != "call-1" || tc.Function.Name != "bash" {
		t.Fatalf("unexpected translated tool call: %+v", tc)
	}
	if tc.Function.Arguments != string(input) {
		t.Fatalf("expected the raw JSON args to be preserved, got %q", tc.Function.Arguments)
	}
}

func TestToOpenAIToolsTranslatesDefinitions(t *testing.T) {
	defs := []ToolDefinition{
		{Name: "bash", Description: "run a shell command", Parameters: json.RawMessage(`{"type":"object"}`)},
	}

	wire := toOpenAITools(defs)
	if len(wire) != 1 {
		t.Fatalf("expected 1 wire tool, got %d", len(wire))
	}
	if wire[0].Function.Name != "bash" || wire[0].Function.Description != "run a shell command" {
		t.Fatalf("unexpected translated tool: %+v", wire[0].Function)
	}
}

func TestTranslateOpenAIErrorClassifiesRateLimit(t *testing.T) {
	apiErr := &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}
	err := translateOpenAIError(apiErr)

	var llmErr *LLMError
	if !errors.As(err, &llmErr) {
		t.Fatalf("expected an *LLMError, got %v", err)
	}
	if llmErr.Kind != "rate_limit" {
		t.Fatalf("expected kind rate_limit, got %q", llmErr.Kind)
	}
}

func TestTranslateOpenAIErrorClassifiesGenericAPIError(t *testing.T) {
	apiErr := &openai.APIError{HTTPStatusCode: 500, Message: "internal error"}
	err := translateOpenAIError(apiErr)

	var llmErr *LLMError
	if !errors.As(err, &llmErr) {
		t.Fatalf("expected an *LLMError, got %v", err)
	}
	if llmErr.Kind != "api" {
		t.Fatalf("expected kind api, got %q", llmErr.Kind)
	}
}

func TestTranslateOpenAIErrorClassifiesTransportError(t *testing.T) {
	err := translateOpenAIError(errors.New("connection reset"))

	var llmErr *LLMError
	if !errors.As(err, &llmErr) {
		t.Fatalf("expected an *LLMError, got %v", err)
	}
	if llmErr.Kind != "transport" {
		t.Fatalf("expected kind transport, got %q", llmErr.Kind)
	}
	if !errors.Is(err, llmErr.Err) {
		t.Fatalf("expected Unwrap to expose the underlying error")
	}
}
