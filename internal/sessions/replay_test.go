package sessions

import (
	"testing"
	"time"

	"github.com/duraloop/duraloop/pkg/models"
)

func newTestSession() *models.Session {
	return &models.Session{ID: "sess-1", AgentName: "coder", Status: models.SessionActive}
}

func TestApplyEventUserMessage(t *testing.T) {
	sess := newTestSession()
	ev := models.SessionEvent{
		Seq: 1,
		Timestamp: time.Now().UTC(),
		Type: models.EventUserMessage,
		Payload: models.EncodePayload(models.UserMessagePayload{
			Message: &models.Message{Role: models.RoleUser, Content: "hi"},
		}),
	}

	if err := applyEvent(sess, ev); err != nil {
		t.Fatalf("applyEvent: %v", err)
	}
	if len(sess.Conversation) != 1 || sess.Conversation[0].Content != "hi" {
		t.Fatalf("expected the user message to be appended, got %+v", sess.Conversation)
	}
	if !sess.UpdatedAt.Equal(ev.Timestamp) {
		t.Errorf("expected UpdatedAt to track the event timestamp")
	}
}

func TestApplyEventAssistantMessage(t *testing.T) {
	sess := newTestSession()
	ev := models.SessionEvent{
		Seq: 1,
		Timestamp: time.Now().UTC(),
		Type: models.EventAssistantMessage,
		Payload: models.EncodePayload(models.AssistantMessagePayload{
			Message: &models.Message{Role: models.RoleAssistant, Content: "hello there"},
			Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}),
	}

	if err := applyEvent(sess, ev); err != nil {
		t.Fatalf("applyEvent: %v", err)
	}
	if len(sess.Conversation) != 1 || sess.Conversation[0].Role != models.RoleAssistant {
		t.Fatalf("expected the assistant message to be appended, got %+v", sess.Conversation)
	}
}

// TestApplyEventToolCallDoesNotMutateConversation confirms tool_call
// events are audit-only: the call already lives on the assistant
// message that issued it, so replay must not append anything for it.
func TestApplyEventToolCallDoesNotMutateConversation(t *testing.T) {
	sess := newTestSession()
	ev := models.SessionEvent{
		Seq: 1,
		Timestamp: time.Now().UTC(),
		Type: models.EventToolCall,
		Payload: models.EncodePayload(models.ToolCallPayload{CallID: "call-1", Name: "bash"}),
	}

	if err := applyEvent(sess, ev); err != nil {
		t.Fatalf("applyEvent: %v", err)
	}
	if len(sess.Conversation) != 0 {
		t.Fatalf("expected no conversation entries from a tool_call event, got %+v", sess.Conversation)
	}
}

func TestApplyEventToolResultAppendsToolMessage(t *testing.T) {
	sess := newTestSession()
	ev := models.SessionEvent{
		Seq: 1,
		Timestamp: time.Now().UTC(),
		Type: models.EventToolResult,
		Payload: models.EncodePayload(models.ToolResultPayload{CallID: "call-1", Success: false, Content: "boom"}),
	}

	if err := applyEvent(sess, ev); err != nil {
		t.Fatalf("applyEvent: %v", err)
	}
	if len(sess.Conversation) != 1 {
		t.Fatalf("expected one conversation entry, got %d", len(sess.Conversation))
	}
	msg := sess.Conversation[0]
	if msg.Role != models.RoleTool || msg.ToolCallID != "call-1" || msg.Content != "boom" || !msg.IsError {
		t.Fatalf("unexpected tool message from replay: %+v", msg)
	}
}

func TestApplyEventStatusChanged(t *testing.T) {
	sess := newTestSession()
	ev := models.SessionEvent{
		Seq: 1,
		Timestamp: time.Now().UTC(),
		Type: models.EventStatusChanged,
		Payload: models.EncodePayload(models.StatusChangedPayload{Status: models.SessionCompleted}),
	}

	if err := applyEvent(sess, ev); err != nil {
		t.Fatalf("applyEvent: %v", err)
	}
	if sess.Status != models.SessionCompleted {
		t.Fatalf("expected status SessionCompleted, got %s", sess.Status)
	}
}

func TestApplyEventPendingApprovalSetAndClear(t *testing.T) {
	sess := newTestSession()
	setEv := models.SessionEvent{
		Seq: 1,
		Timestamp: time.Now().UTC(),
		Type: models.EventPendingApprovalSet,
		Payload: models.EncodePayload(models.PendingApprovalSetPayload{
			Approval: models.PendingApproval{ToolCallID: "call-1", ToolName: "bash", Invocation: "rm -rf /"},
		}),
	}
	if err := applyEvent(sess, setEv); err != nil {
		t.Fatalf("applyEvent(set): %v", err)
	}
	if sess.PendingApproval == nil || sess.PendingApproval.ToolCallID != "call-1" {
		t.Fatalf("expected a pending approval to be set, got %+v", sess.PendingApproval)
	}

	clearEv := models.SessionEvent{Seq: 2, Timestamp: time.Now().UTC(), Type: models.EventPendingApprovalClear}
	if err := applyEvent(sess, clearEv); err != nil {
		t.Fatalf("applyEvent(clear): %v", err)
	}
	if sess.PendingApproval != nil {
		t.Fatalf("expected pending approval to be cleared, got %+v", sess.PendingApproval)
	}
}

func TestApplyEventSnapshotTakenIsNoop(t *testing.T) {
	sess := newTestSession()
	sess.Conversation = append(sess.Conversation, &models.Message{Role: models.RoleUser, Content: "hi"})

	ev := models.SessionEvent{
		Seq: 1,
		Timestamp: time.Now().UTC(),
		Type: models.EventSnapshotTaken,
		Payload: models.EncodePayload(models.SnapshotTakenPayload{LastEventSeq: 1}),
	}
	if err := applyEvent(sess, ev); err != nil {
		t.Fatalf("applyEvent: %v", err)
	}
	if len(sess.Conversation) != 1 {
		t.Fatalf("expected the conversation to be untouched, got %+v", sess.Conversation)
	}
}

func TestApplyEventUnknownTypeErrors(t *testing.T) {
	sess := newTestSession()
	ev := models.SessionEvent{Seq: 1, Timestamp: time.Now().UTC(), Type: models.EventType("bogus")}
	if err := applyEvent(sess, ev); err == nil {
		t.Fatal("expected an error for an unknown event type")
	}
}

// TestApplyEventSequenceReplayIsOrderSensitive confirms folding a
// sequence of events in order reproduces the same conversation a live
// append path would have built up incrementally.
func TestApplyEventSequenceReplayIsOrderSensitive(t *testing.T) {
	sess := newTestSession()
	events := []models.SessionEvent{
		{Seq: 1, Timestamp: time.Now().UTC(), Type: models.EventUserMessage, Payload: models.EncodePayload(models.UserMessagePayload{
			Message: &models.Message{Role: models.RoleUser, Content: "run the tests"},
		})},
		{Seq: 2, Timestamp: time.Now().UTC(), Type: models.EventAssistantMessage, Payload: models.EncodePayload(models.AssistantMessagePayload{
			Message: &models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call-1", Name: "bash"}}},
		})},
		{Seq: 3, Timestamp: time.Now().UTC(), Type: models.EventToolResult, Payload: models.EncodePayload(models.ToolResultPayload{
			CallID: "call-1", Success: true, Content: "ok",
		})},
	}

	for _, ev := range events {
		if err := applyEvent(sess, ev); err != nil {
			t.Fatalf("applyEvent(seq=%d): %v", ev.Seq, err)
		}
	}

	if len(sess.Conversation) != 3 {
		t.Fatalf("expected 3 conversation entries, got %d", len(sess.Conversation))
	}
	if sess.Conversation[0].Role != models.RoleUser {
		t.Errorf("expected entry 0 to be the user message")
	}
	if sess.Conversation[1].Role != models.RoleAssistant || len(sess.Conversation[1].ToolCalls) != 1 {
		t.Errorf("expected entry 1 to be the assistant tool call")
	}
	if sess.Conversation[2].Role != models.RoleTool || sess.Conversation[2].ToolCallID != "call-1" {
		t.Errorf("expected entry 2 to be the tool result")
	}
}
