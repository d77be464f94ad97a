package agent

import (
	"context"
	"encoding/json"
	"testing"

	agentcontext "github.com/duraloop/duraloop/internal/agent/context"
	"github.com/duraloop/duraloop/internal/agent/providers"
	"github.com/duraloop/duraloop/internal/sessions"
	"github.com/duraloop/duraloop/pkg/models"
)

// scriptedProvider replays one StreamEvent sequence per call, in order,
// looping the last script forever once exhausted.
type scriptedProvider struct {
	scripts [][]providers.StreamEvent
	calls int
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.Request) (*providers.Response, error) {
	return nil, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.Request) (<-chan providers.StreamEvent, error) {
	idx := p.calls
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	p.calls++

	out := make(chan providers.StreamEvent, len(p.scripts[idx]))
	for _, ev := range p.scripts[idx] {
		out <- ev
	}
	close(out)
	return out, nil
}

func newTestBuilder(t *testing.T) *agentcontext.Builder {
	t.Helper()
	store, err := agentcontext.NewDirectiveStore("", nil, nil)
	if err != nil {
		t.Fatalf("NewDirectiveStore: %v", err)
	}
	return agentcontext.NewBuilder(store, nil, agentcontext.DefaultTokenBudget())
}

func newTestLoop(t *testing.T, provider providers.Provider, sandbox Sandbox, policy models.ToolPolicy) (*Loop, sessions.Store) {
	t.Helper()
	reg := NewToolRegistry()
	if err := reg.Register(models.ToolConfig{Type: models.ToolBuiltin, Name: "bash"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	executor := NewExecutor(reg, policy, nil, sandbox, nil, nil)
	store := sessions.NewMemoryStore()
	bus := NewSteeringBus()
	loop := NewLoop(provider, executor, store, bus, newTestBuilder(t))
	return loop, store
}

func testAgentSpec() models.Agent {
	return models.Agent{
		Name: "tester",
		Model: "test-model",
		MaxIterations: 5,
		Policy: models.ToolPolicy{Default: models.PolicyRule{Decision: models.DecisionAllow}},
	}
}

func TestLoopRunCompletesWithoutToolCalls(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			{Kind: providers.StreamToken, Token: "hello "},
			{Kind: providers.StreamToken, Token: "world"},
			{Kind: providers.StreamDone, Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		},
	}}
	loop, store := newTestLoop(t, provider, &fakeSandbox{}, testAgentSpec().Policy)

	ctx := context.Background()
	sess, err := store.Create(ctx, "sess-1", "tester")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := loop.Run(ctx, testAgentSpec(), sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Complete || result.Content != "hello world" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.Iterations)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Conversation) != 1 || loaded.Conversation[0].Role != models.RoleAssistant {
		t.Fatalf("expected the final assistant message to be recorded, got %+v", loaded.Conversation)
	}
}

func TestLoopRunExecutesToolCallsThenCompletes(t *testing.T) {
	toolInput, _ := json.Marshal(map[string]string{"command": "echo hi"})
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			{Kind: providers.StreamToolCalls, ToolCalls: []models.ToolCall{{ID: "call-1", Name: "bash", Input: toolInput}}},
			{Kind: providers.StreamDone},
		},
		{
			{Kind: providers.StreamToken, Token: "done"},
			{Kind: providers.StreamDone},
		},
	}}
	sandbox := &fakeSandbox{stdout: "hi", exitCode: 0}
	loop, store := newTestLoop(t, provider, sandbox, testAgentSpec().Policy)

	ctx := context.Background()
	sess, err := store.Create(ctx, "sess-1", "tester")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := loop.Run(ctx, testAgentSpec(), sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Complete || result.Content != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ToolCallsMade != 1 {
		t.Fatalf("expected 1 tool call made, got %d", result.ToolCallsMade)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations (tool round + final), got %d", result.Iterations)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var sawToolResult bool
	for _, m := range loaded.Conversation {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected a recorded tool result, got %+v", loaded.Conversation)
	}
}

func TestLoopRunSuspendsForApproval(t *testing.T) {
	toolInput, _ := json.Marshal(map[string]string{"command": "rm -rf /"})
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			{Kind: providers.StreamToolCalls, ToolCalls: []models.ToolCall{{ID: "call-1", Name: "bash", Input: toolInput}}},
			{Kind: providers.StreamDone},
		},
	}}
	askPolicy := models.ToolPolicy{Default: models.PolicyRule{Decision: models.DecisionAsk}}
	loop, store := newTestLoop(t, provider, &fakeSandbox{}, askPolicy)

	ctx := context.Background()
	spec := testAgentSpec()
	spec.Policy = askPolicy
	sess, err := store.Create(ctx, "sess-1", "tester")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := loop.Run(ctx, spec, sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.AwaitingApproval {
		t.Fatalf("expected the loop to suspend for approval, got %+v", result)
	}
	if result.PendingApproval == nil || result.PendingApproval.ToolCallID != "call-1" {
		t.Fatalf("unexpected pending approval: %+v", result.PendingApproval)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.PendingApproval == nil {
		t.Fatal("expected the session to persist the pending approval")
	}
}

func TestLoopRunStopsOnCancellation(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			{Kind: providers.StreamToken, Token: "partial"},
			{Kind: providers.StreamCancelled},
		},
	}}
	loop, store := newTestLoop(t, provider, &fakeSandbox{}, testAgentSpec().Policy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess, err := store.Create(context.Background(), "sess-1", "tester")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := loop.Run(ctx, testAgentSpec(), sess)
	if err == nil {
		t.Fatal("expected Run to surface ctx.Err() on cancellation")
	}
	if result == nil || result.PartialContent != "partial" {
		t.Fatalf("expected the partial content to be preserved, got %+v", result)
	}
	if result.Complete {
		t.Fatal("a cancelled stream must not be reported Complete")
	}
}

func TestLoopRunExceedsMaxIterations(t *testing.T) {
	toolInput, _ := json.Marshal(map[string]string{"command": "echo hi"})
	script := []providers.StreamEvent{
		{Kind: providers.StreamToolCalls, ToolCalls: []models.ToolCall{{ID: "call-1", Name: "bash", Input: toolInput}}},
		{Kind: providers.StreamDone},
	}
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{script, script, script}}
	sandbox := &fakeSandbox{stdout: "hi", exitCode: 0}
	loop, store := newTestLoop(t, provider, sandbox, testAgentSpec().Policy)

	spec := testAgentSpec()
	spec.MaxIterations = 2
	ctx := context.Background()
	sess, err := store.Create(ctx, "sess-1", "tester")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = loop.Run(ctx, spec, sess)
	if err == nil {
		t.Fatal("expected ErrMaxIterations once the iteration cap is exceeded")
	}
}
