package models

import (
	"encoding/json"
	"time"
)

// EventType tags a SessionEvent payload variant.
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventAssistantMessage EventType = "assistant_message"
	EventToolCall EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventStatusChanged EventType = "status_changed"
	EventPendingApprovalSet EventType = "pending_approval_set"
	EventPendingApprovalClear EventType = "pending_approval_cleared"
	EventSnapshotTaken EventType = "snapshot_taken"
)

// Usage reports token accounting for one LLM turn, when the provider
// supplies it.
type Usage struct {
	PromptTokens int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens int `json:"total_tokens,omitempty"`
}

// SessionEvent is one record in a session's append-only event log.
// Seq is strictly increasing per session and allocated under the
// store's per-session lock; a gap in Seq across consecutive records is
// an integrity error on replay.
type SessionEvent struct {
	Seq uint64 `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Type EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Payload variants, marshaled into SessionEvent.Payload.

type UserMessagePayload struct {
	Message *Message `json:"message"`
}

type AssistantMessagePayload struct {
	Message *Message `json:"message"`
	Usage *Usage `json:"usage,omitempty"`
}

type ToolCallPayload struct {
	CallID string `json:"call_id"`
	Name string `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ToolResultPayload struct {
	CallID string `json:"call_id"`
	Success bool `json:"success"`
	Content string `json:"content"`
}

type StatusChangedPayload struct {
	Status SessionStatus `json:"status"`
}

type PendingApprovalSetPayload struct {
	Approval PendingApproval `json:"approval"`
}

type PendingApprovalClearedPayload struct{}

type SnapshotTakenPayload struct {
	LastEventSeq uint64 `json:"last_event_seq"`
}

// EncodePayload marshals a payload variant for storage in
// SessionEvent.Payload.
func EncodePayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload variants above are all trivially marshalable; a
		// failure here means a caller passed something else, which is
		// a programming error, not a runtime condition to recover from.
		panic("models: EncodePayload: " + err.Error())
	}
	return data
}
