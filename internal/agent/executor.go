package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/duraloop/duraloop/internal/hooks"
	"github.com/duraloop/duraloop/pkg/models"
)

// NotifySink receives a notification whenever a policy rule marks an
// invocation Notify: true.
type NotifySink interface {
	Notify(ctx context.Context, toolName, invocation string)
}

type noopNotifySink struct{}

func (noopNotifySink) Notify(context.Context, string, string) {}

// ExecutorConfig tunes concurrency and retry behavior, adapted from the
// teacher's ExecutorConfig.
type ExecutorConfig struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
	DefaultRetries int
	RetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 5,
		DefaultTimeout: 30 * time.Second,
		DefaultRetries: 2,
		RetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// Executor coordinates a single tool invocation through the policy
// gate, lifecycle hooks, sandboxed dispatch, and notify sink described
// in the design, and runs batches of tool calls in parallel with
// deterministic result ordering.
type Executor struct {
	registry *ToolRegistry
	policy *PolicyChecker
	hooks *hooks.Manager
	sandbox Sandbox
	notify NotifySink
	config *ExecutorConfig

	sem chan struct{}
}

func NewExecutor(registry *ToolRegistry, policy models.ToolPolicy, hookList []models.Hook, sandbox Sandbox, notify NotifySink, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if sandbox == nil {
		sandbox = NewExecSandbox()
	}
	if notify == nil {
		notify = noopNotifySink{}
	}
	return &Executor{
		registry: registry,
		policy: NewPolicyChecker(policy),
		hooks: hooks.NewManager(hookList),
		sandbox: sandbox,
		notify: notify,
		config: config,
		sem: make(chan struct{}, config.MaxConcurrency),
	}
}

// invocationOf extracts the invocation string used for policy matching:
// the bash command for the builtin bash tool, the tool name otherwise.
func invocationOf(cfg models.ToolConfig, call models.ToolCall) string {
	if cfg.Type == models.ToolBuiltin && cfg.Name == "bash" {
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(call.Input, &args); err == nil {
			return args.Command
		}
	}
	return cfg.Name
}

// Execute runs the seven-step contract from for one tool
// call, against the given conversation view (for DependsOn/
// SkipDuplicate hook evaluation).
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, conversation []*models.Message) (*models.ToolResult, error) {
	return e.execute(ctx, call, conversation, true)
}

// ExecuteBypassingPolicy is the post-approval variant: it skips the
// policy check only (step 3), 
func (e *Executor) ExecuteBypassingPolicy(ctx context.Context, call models.ToolCall, conversation []*models.Message) (*models.ToolResult, error) {
	return e.execute(ctx, call, conversation, false)
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall, conversation []*models.Message, checkPolicy bool) (*models.ToolResult, error) {
	cfg, ok := e.registry.Lookup(call.Name)
	if !ok {
		return nil, NewToolError(call.Name, ErrToolNotFound).WithType(ToolErrorNotFound).WithToolCallID(call.ID)
	}

	invocation := invocationOf(cfg, call)

	if checkPolicy {
		rule := e.policy.Check(cfg.Name, invocation)
		switch rule.Decision {
		case models.DecisionDeny:
			return nil, NewToolError(call.Name, fmt.Errorf("denied by policy")).
				WithType(ToolErrorPolicy).WithToolCallID(call.ID)
		case models.DecisionAsk:
			return nil, NewToolError(call.Name, ErrApprovalRequired).
				WithType(ToolErrorApproval).WithToolCallID(call.ID).
				WithMessage(invocation)
		}
	}

	before := e.hooks.Before(cfg.Name, "execute", call, conversation)
	if before.Rejected {
		return &models.ToolResult{ToolCallID: call.ID, Success: false, Content: before.Reason}, nil
	}

	result, err := e.dispatchWithRetry(ctx, cfg, call, invocation)
	if err != nil {
		return nil, err
	}

	if result.Success {
		after := e.hooks.After(cfg.Name, "execute", call)
		result.Content = result.Content + steeringSuffix(after.Steering)
	}

	if e.policy.ShouldNotify(cfg.Name, invocation) {
		e.notify.Notify(ctx, cfg.Name, invocation)
	}

	return result, nil
}

// steeringSuffix attaches hook steering text as a side-channel the loop
// reads, not the tool caller — we encode it as a trailing marker block
// the loop strips before recording the result, keeping ToolResult.Content
// purely tool output for the model.
func steeringSuffix(steering string) string {
	if steering == "" {
		return ""
	}
	return "\x00steer\x00" + steering
}

// SplitSteering separates a dispatch result's tool content from any
// after-hook steering text appended by steeringSuffix.
func SplitSteering(content string) (toolContent, steering string) {
	idx := strings.Index(content, "\x00steer\x00")
	if idx < 0 {
		return content, ""
	}
	return content[:idx], content[idx+len("\x00steer\x00"):]
}

func (e *Executor) dispatchWithRetry(ctx context.Context, cfg models.ToolConfig, call models.ToolCall, invocation string) (*models.ToolResult, error) {
	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := e.dispatchOnce(ctx, cfg, call, invocation, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsToolRetryable(err) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}
		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, NewToolError(call.Name, ctx.Err()).WithType(ToolErrorTimeout).WithToolCallID(call.ID)
		}
	}
	return nil, lastErr
}

func (e *Executor) dispatchOnce(ctx context.Context, cfg models.ToolConfig, call models.ToolCall, invocation string, timeout time.Duration) (*models.ToolResult, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, NewToolError(call.Name, ctx.Err()).WithType(ToolErrorTimeout).WithToolCallID(call.ID)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan dispatchOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- dispatchOutcome{err: NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, debug.Stack())).
					WithType(ToolErrorPanic).WithToolCallID(call.ID)}
			}
		}()
		ch <- e.dispatch(execCtx, cfg, call, invocation)
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).WithType(ToolErrorTimeout).WithToolCallID(call.ID)
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

func (e *Executor) dispatch(ctx context.Context, cfg models.ToolConfig, call models.ToolCall, invocation string) dispatchOutcome {
	var name string
	var args []string
	workdir := ""

	switch cfg.Type {
	case models.ToolBuiltin:
		name = "bash"
		args = []string{"-c", invocation}
	default:
		name = cfg.Command
		var parsed struct {
			Args []string `json:"args"`
		}
		_ = json.Unmarshal(call.Input, &parsed)
		args = parsed.Args
	}

	stdout, stderr, exitCode, err := e.sandbox.Exec(ctx, workdir, name, args)
	if err != nil {
		return dispatchOutcome{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
	}

	content := stdout
	if stderr != "" {
		content += "\n--- stderr ---\n" + stderr
	}
	if content == "" {
		content = fmt.Sprintf("Command completed with exit code %d", exitCode)
	}

	return dispatchOutcome{result: &models.ToolResult{
		ToolCallID: call.ID,
		Success: exitCode == 0,
		Content: content,
	}}
}

type dispatchOutcome struct {
	result *models.ToolResult
	err error
}

// ExecutionResult pairs one tool call with its (possibly error) outcome
// and preserves its position in the originating call list.
type ExecutionResult struct {
	Call models.ToolCall
	Result *models.ToolResult
	Err error
}

// ExecuteAll dispatches calls in parallel but returns results in the
// same order as calls, satisfying the ordering guarantee in the design
// and §5: "tool calls are dispatched in parallel but results are
// recorded in declaration order."
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, conversation []*models.Message) []ExecutionResult {
	results := make([]ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ToolCall) {
			defer wg.Done()
			result, err := e.Execute(ctx, c, conversation)
			results[idx] = ExecutionResult{Call: c, Result: result, Err: err}
		}(i, call)
	}
	wg.Wait()
	return results
}
