package agent

import (
	"context"
	"fmt"

	agentcontext "github.com/duraloop/duraloop/internal/agent/context"
	"github.com/duraloop/duraloop/internal/agent/providers"
	"github.com/duraloop/duraloop/internal/sessions"
	"github.com/duraloop/duraloop/pkg/models"
)

// LoopResult is the outcome of one Loop.Run call, mirroring the design's
// Complete/AwaitingApproval result variants.
type LoopResult struct {
	Complete bool
	Content string
	Usage models.Usage
	Iterations int
	ToolCallsMade int
	AwaitingApproval bool
	PendingApproval *models.PendingApproval
	PartialContent string
}

// Loop is the single-threaded per-session driver from the design: it
// alternates LLM calls and tool rounds until the model stops calling
// tools, guarding max iterations, approval suspension, and live
// steering. Adapted from AgenticLoop.Run/streamPhase/
// executeToolsPhase/continuePhase structure, trimmed of the prior implementation's
// async-job-queuing and multi-provider-fallback extensions.
type Loop struct {
	provider providers.Provider
	executor *Executor
	store sessions.Store
	bus *SteeringBus
	builder *agentcontext.Builder
}

func NewLoop(provider providers.Provider, executor *Executor, store sessions.Store, bus *SteeringBus, builder *agentcontext.Builder) *Loop {
	return &Loop{provider: provider, executor: executor, store: store, bus: bus, builder: builder}
}

// Run drives sessionID's loop for agent spec until completion,
// iteration exhaustion, or a tool call requiring approval.
func (l *Loop) Run(ctx context.Context, spec models.Agent, sess *models.Session) (*LoopResult, error) {
	var totalUsage models.Usage
	toolCallsMade := 0

	for iterations := 1; ; iterations++ {
		if iterations > spec.MaxIterations {
			return nil, fmt.Errorf("agent: %w (%d)", ErrMaxIterations, spec.MaxIterations)
		}

		messages, tools, err := l.builder.Build(ctx, spec, sess.Conversation)
		if err != nil {
			return nil, fmt.Errorf("agent: build context: %w", err)
		}

		req := providers.Request{
			Model: spec.Model,
			Messages: messages,
			Temperature: spec.Temperature,
			MaxOutputTokens: spec.MaxOutputTokens,
			Tools: tools,
		}

		stream, err := l.provider.ChatStream(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("agent: chat stream: %w", err)
		}

		var content string
		var pendingCalls []models.ToolCall
		var usage *models.Usage
		cancelled := false

	drain:
		for event := range stream {
			switch event.Kind {
			case providers.StreamToken:
				content += event.Token
			case providers.StreamToolCalls:
				pendingCalls = event.ToolCalls
			case providers.StreamDone:
				usage = event.Usage
				break drain
			case providers.StreamCancelled:
				cancelled = true
				break drain
			}
		}

		if usage != nil {
			totalUsage.PromptTokens += usage.PromptTokens
			totalUsage.CompletionTokens += usage.CompletionTokens
			totalUsage.TotalTokens += usage.TotalTokens
		}

		if cancelled {
			return &LoopResult{PartialContent: content, Usage: totalUsage, Iterations: iterations, ToolCallsMade: toolCallsMade}, ctx.Err()
		}

		if len(pendingCalls) == 0 {
			sess, err = l.store.AddAssistantMessage(ctx, sess.ID, &models.Message{
				ID: messageID(sess.ID, iterations, "final"),
				Role: models.RoleAssistant,
				Content: content,
			}, usage)
			if err != nil {
				return nil, fmt.Errorf("agent: record assistant message: %w", err)
			}
			return &LoopResult{Complete: true, Content: content, Usage: totalUsage, Iterations: iterations, ToolCallsMade: toolCallsMade}, nil
		}

		assistantMsg := &models.Message{
			ID: messageID(sess.ID, iterations, "assistant"),
			Role: models.RoleAssistant,
			Content: content,
			ToolCalls: pendingCalls,
		}
		sess, err = l.store.AddAssistantMessage(ctx, sess.ID, assistantMsg, usage)
		if err != nil {
			return nil, fmt.Errorf("agent: record assistant message: %w", err)
		}

		results := l.executor.ExecuteAll(ctx, pendingCalls, sess.Conversation)
		for _, r := range results {
			if err := l.store.AddToolCall(ctx, sess.ID, r.Call); err != nil {
				return nil, fmt.Errorf("agent: record tool call event: %w", err)
			}

			if r.Err != nil {
				if toolErr, ok := GetToolError(r.Err); ok && toolErr.Type == ToolErrorApproval {
					approval := models.PendingApproval{
						ToolCallID: r.Call.ID,
						ToolName: r.Call.Name,
						Invocation: toolErr.Message,
					}
					sess, err = l.store.SetPendingApproval(ctx, sess.ID, approval)
					if err != nil {
						return nil, fmt.Errorf("agent: persist pending approval: %w", err)
					}
					return &LoopResult{AwaitingApproval: true, PendingApproval: &approval, PartialContent: content, Usage: totalUsage, Iterations: iterations, ToolCallsMade: toolCallsMade}, nil
				}
				r.Result = &models.ToolResult{ToolCallID: r.Call.ID, Success: false, Content: r.Err.Error()}
			}

			toolContent, steering := SplitSteering(r.Result.Content)
			r.Result.Content = toolContent

			sess, err = l.store.AddToolResult(ctx, sess.ID, *r.Result)
			if err != nil {
				return nil, fmt.Errorf("agent: record tool result event: %w", err)
			}
			toolCallsMade++

			if steering != "" {
				l.bus.Steer(sess.ID, steering)
			}
		}

		for _, steerMsg := range l.bus.DrainSteering(sess.ID) {
			msg := &models.Message{
				ID: messageID(sess.ID, iterations, "steer"),
				Role: models.RoleUser,
				Content: steerMsg,
			}
			sess, err = l.store.AddUserMessage(ctx, sess.ID, msg)
			if err != nil {
				return nil, fmt.Errorf("agent: record steering message: %w", err)
			}
		}
	}
}

func messageID(sessionID string, iteration int, suffix string) string {
	return fmt.Sprintf("%s-%d-%s", sessionID, iteration, suffix)
}
