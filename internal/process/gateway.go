package process

import "context"

// GatewaySender is the minimal contract a chat/notification surface
// must implement to receive process completion and screen-halted
// callbacks. The registry core only depends on this interface — it
// never picks a concrete gateway (chat platform wiring is a Non-goal
//, left to callers).
type GatewaySender interface {
	SendMessage(ctx context.Context, gatewayID, chatID, text string) error
}

// NoopGatewaySender discards callbacks, used when a handle has no
// gateway+chat-id attached.
type NoopGatewaySender struct{}

func (NoopGatewaySender) SendMessage(context.Context, string, string, string) error { return nil }

// CompletionDispatcher routes a synthetic user message into a session's
// agentic loop — steering a running loop or starting a fresh one — per
// Completion callback clause. The registry depends only on
// this narrow shape; internal/agent.Dispatcher satisfies it.
type CompletionDispatcher interface {
	Deliver(ctx context.Context, sessionID, content string) error
}

