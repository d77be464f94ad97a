package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/duraloop/duraloop/pkg/models"
)

func TestMemoryStoreCreateAndLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess, err := s.Create(ctx, "sess-1", "coder")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != models.SessionActive {
		t.Fatalf("expected a new session to be active, got %s", sess.Status)
	}

	loaded, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != "sess-1" || loaded.AgentName != "coder" {
		t.Fatalf("unexpected loaded session: %+v", loaded)
	}
}

func TestMemoryStoreLoadMissingReturnsErrSessionNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Load(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStoreAppendedEventsAccumulateSequentially(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, "sess-1", "coder"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess, err := s.AddUserMessage(ctx, "sess-1", &models.Message{Role: models.RoleUser, Content: "run tests"})
	if err != nil {
		t.Fatalf("AddUserMessage: %v", err)
	}
	if len(sess.Conversation) != 1 {
		t.Fatalf("expected 1 conversation entry, got %d", len(sess.Conversation))
	}

	if err := s.AddToolCall(ctx, "sess-1", models.ToolCall{ID: "call-1", Name: "bash"}); err != nil {
		t.Fatalf("AddToolCall: %v", err)
	}

	sess, err = s.AddToolResult(ctx, "sess-1", models.ToolResult{ToolCallID: "call-1", Success: true, Content: "ok"})
	if err != nil {
		t.Fatalf("AddToolResult: %v", err)
	}
	// AddToolCall is audit-only (no conversation entry); AddToolResult
	// appends the tool-role message.
	if len(sess.Conversation) != 2 {
		t.Fatalf("expected 2 conversation entries after a tool call + result, got %d", len(sess.Conversation))
	}

	if got := len(s.events["sess-1"]); got != 3 {
		t.Fatalf("expected 3 recorded events (user message, tool call, tool result), got %d", got)
	}
	for i, ev := range s.events["sess-1"] {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func TestMemoryStorePendingApprovalLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Create(ctx, "sess-1", "coder"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess, err := s.SetPendingApproval(ctx, "sess-1", models.PendingApproval{ToolCallID: "call-1", ToolName: "bash", Invocation: "rm -rf /"})
	if err != nil {
		t.Fatalf("SetPendingApproval: %v", err)
	}
	if sess.PendingApproval == nil {
		t.Fatal("expected a pending approval to be set")
	}

	sess, err = s.ClearPendingApproval(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ClearPendingApproval: %v", err)
	}
	if sess.PendingApproval != nil {
		t.Fatal("expected the pending approval to be cleared")
	}
}

func TestMemoryStoreAppendToUnknownSessionFails(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AddUserMessage(context.Background(), "missing", &models.Message{Role: models.RoleUser, Content: "hi"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStoreLoadReturnsAnIndependentClone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Create(ctx, "sess-1", "coder"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	loaded, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded.Status = models.SessionCompleted

	reloaded, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Status != models.SessionActive {
		t.Fatalf("mutating a loaded session must not affect the store's state, got %s", reloaded.Status)
	}
}
