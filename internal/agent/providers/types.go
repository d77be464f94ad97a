// Package providers implements the provider-neutral LLM bridge from
// the design: a narrow Provider interface with two adapters, OpenAI-
// shaped and Anthropic-shaped, each translating between the neutral
// request/response model and its own wire schema.
package providers

import (
	"context"
	"encoding/json"

	"github.com/duraloop/duraloop/pkg/models"
)

// ToolDefinition mirrors agent.ToolDefinition without importing the
// agent package, avoiding an import cycle (agent imports providers).
type ToolDefinition struct {
	Name string
	Description string
	Parameters json.RawMessage
}

// Request is the neutral chat request both adapters translate.
type Request struct {
	Model string
	Messages []*models.Message
	Temperature *float64
	MaxOutputTokens *int
	Tools []ToolDefinition
}

// Response is the neutral unary chat response.
type Response struct {
	Content string
	ToolCalls []models.ToolCall
	Usage *models.Usage
}

// StreamEventKind tags a StreamEvent variant.
type StreamEventKind string

const (
	StreamToken StreamEventKind = "token"
	StreamToolCalls StreamEventKind = "tool_calls"
	StreamDone StreamEventKind = "done"
	StreamCancelled StreamEventKind = "cancelled"
)

// StreamEvent is one item from a Provider's streaming response, per the
// {Token, ToolCalls, Done, Cancelled} union in the design
type StreamEvent struct {
	Kind StreamEventKind
	Token string
	ToolCalls []models.ToolCall
	Usage *models.Usage
}

// Provider is the narrow interface both adapters satisfy.
type Provider interface {
	Chat(ctx context.Context, req Request) (*Response, error)
	ChatStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
