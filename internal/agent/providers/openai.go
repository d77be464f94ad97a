package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/duraloop/duraloop/pkg/models"
)

// OpenAIProvider adapts the neutral Request/Response/StreamEvent model
// to the OpenAI chat-completions wire schema via sashabaranov/go-openai,
// adapted from internal/agent/providers/openai.go.
type OpenAIProvider struct {
	BaseProvider
	client *openai.Client
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		BaseProvider: BaseProvider{APIKey: apiKey, Model: model},
		client: openai.NewClient(apiKey),
	}
}

// NewOpenAIProviderWithBaseURL points the client at a custom base URL,
// for OpenAI-compatible gateways.
func NewOpenAIProviderWithBaseURL(apiKey, model, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{
		BaseProvider: BaseProvider{APIKey: apiKey, Model: model},
		client: openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	wireReq := p.toWireRequest(req, false)
	resp, err := p.client.CreateChatCompletion(ctx, wireReq)
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return &Response{}, nil
	}
	choice := resp.Choices[0]
	out := &Response{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID: tc.ID,
			Name: tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	out.Usage = &models.Usage{
		PromptTokens: resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens: resp.Usage.TotalTokens,
	}
	return out, nil
}

// pendingToolCall accumulates a single tool call's name and partial-JSON
// argument fragments across stream chunks, keyed by index, per spec
// §4.2: "tool-call arguments are streamed as partial JSON fragments and
// must be accumulated by call_id into a single raw-JSON string."
type pendingToolCall struct {
	id string
	name string
	args string
}

// accumulateToolCallDelta folds one streamed tool-call delta fragment
// into pending, keyed by the delta's index. Name and id typically
// arrive once on the first fragment for a given index; args arrive
// split across many fragments and must be concatenated in order.
func accumulateToolCallDelta(pending map[int]*pendingToolCall, idx int, id, name, argsFragment string) {
	pc, ok := pending[idx]
	if !ok {
		pc = &pendingToolCall{}
		pending[idx] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args += argsFragment
}

// finalizeToolCalls drains the pending-by-index accumulator into a
// slice of tool calls ordered by index once the stream has ended.
// Gaps in the index sequence produce no entry.
func finalizeToolCalls(pending map[int]*pendingToolCall) []models.ToolCall {
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]models.ToolCall, 0, len(pending))
	for _, i := range indexes {
		pc := pending[i]
		calls = append(calls, models.ToolCall{
			ID: pc.id,
			Name: pc.name,
			Input: json.RawMessage(pc.args),
		})
	}
	return calls
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	wireReq := p.toWireRequest(req, true)
	stream, err := p.client.CreateChatCompletionStream(ctx, wireReq)
	if err != nil {
		return nil, translateOpenAIError(err)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer stream.Close()

		pending := map[int]*pendingToolCall{}
		var usage *models.Usage

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				select {
				case out <- StreamEvent{Kind: StreamCancelled}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Usage != nil {
				usage = &models.Usage{
					PromptTokens: chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens: chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				select {
				case out <- StreamEvent{Kind: StreamToken, Token: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				accumulateToolCallDelta(pending, idx, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
		}

		if len(pending) > 0 {
			calls := finalizeToolCalls(pending)
			select {
			case out <- StreamEvent{Kind: StreamToolCalls, ToolCalls: calls}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- StreamEvent{Kind: StreamDone, Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) toWireRequest(req Request, stream bool) openai.ChatCompletionRequest {
	wire := openai.ChatCompletionRequest{
		Model: p.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		wire.Temperature = float32(*req.Temperature)
	}
	if req.MaxOutputTokens != nil {
		wire.MaxTokens = *req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		wire.Tools = toOpenAITools(req.Tools)
	}
	if stream {
		wire.Stream = true
		wire.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return wire
}

func toOpenAIMessages(msgs []*models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := openai.ChatCompletionMessage{
			Role: string(m.Role),
			Content: m.Content,
		}
		if m.Role == models.RoleTool {
			wm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, openai.ToolCall{
				ID: tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name: tc.Name,
					Arguments: string(tc.Input),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name: d.Name,
				Description: d.Description,
				Parameters: json.RawMessage(d.Parameters),
			},
		})
	}
	return out
}

func translateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return &LLMError{Kind: "rate_limit", Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
		return &LLMError{Kind: "api", Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	return &LLMError{Kind: "transport", Message: err.Error(), Err: err}
}

// LLMError mirrors agent.LLMError without importing the agent package
// (providers is imported by agent, not the other way around). The loop
// does not convert it: it reaches the loop's caller wrapped with %w.
type LLMError struct {
	Kind string
	Status int
	Message string
	RetryAfter *int
	Err error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm %s error (status %d): %s", e.Kind, e.Status, e.Message)
}

func (e *LLMError) Unwrap() error { return e.Err }
