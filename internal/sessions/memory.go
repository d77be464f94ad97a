package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/duraloop/duraloop/pkg/models"
)

// MemoryStore is an in-process Store used by tests and by short-lived
// CLI invocations that don't need durability. It implements the same
// event-sourced semantics as FileStore (sequence numbers, replay-style
// folding via applyEvent) purely in memory.
type MemoryStore struct {
	mu sync.Mutex
	sessions map[string]*models.Session
	events map[string][]models.SessionEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		events: make(map[string][]models.SessionEvent),
	}
}

func (s *MemoryStore) Create(ctx context.Context, sessionID, agentName string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	sess := &models.Session{
		ID: sessionID,
		AgentName: agentName,
		Status: models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sessionID] = sess
	return sess.Clone(), nil
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) append(sessionID string, evType models.EventType, payload any) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	seq := uint64(len(s.events[sessionID])) + 1
	ev := models.SessionEvent{
		Seq: seq,
		Timestamp: time.Now().UTC(),
		Type: evType,
		Payload: models.EncodePayload(payload),
	}
	if err := applyEvent(sess, ev); err != nil {
		return nil, err
	}
	s.events[sessionID] = append(s.events[sessionID], ev)
	return sess.Clone(), nil
}

func (s *MemoryStore) AddUserMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Session, error) {
	return s.append(sessionID, models.EventUserMessage, models.UserMessagePayload{Message: msg})
}

func (s *MemoryStore) AddAssistantMessage(ctx context.Context, sessionID string, msg *models.Message, usage *models.Usage) (*models.Session, error) {
	return s.append(sessionID, models.EventAssistantMessage, models.AssistantMessagePayload{Message: msg, Usage: usage})
}

func (s *MemoryStore) AddToolCall(ctx context.Context, sessionID string, call models.ToolCall) error {
	_, err := s.append(sessionID, models.EventToolCall, models.ToolCallPayload{CallID: call.ID, Name: call.Name, Args: call.Input})
	return err
}

func (s *MemoryStore) AddToolResult(ctx context.Context, sessionID string, result models.ToolResult) (*models.Session, error) {
	return s.append(sessionID, models.EventToolResult, models.ToolResultPayload{CallID: result.ToolCallID, Success: result.Success, Content: result.Content})
}

func (s *MemoryStore) SetStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	return s.append(sessionID, models.EventStatusChanged, models.StatusChangedPayload{Status: status})
}

func (s *MemoryStore) SetPendingApproval(ctx context.Context, sessionID string, approval models.PendingApproval) (*models.Session, error) {
	return s.append(sessionID, models.EventPendingApprovalSet, models.PendingApprovalSetPayload{Approval: approval})
}

func (s *MemoryStore) ClearPendingApproval(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.append(sessionID, models.EventPendingApprovalClear, models.PendingApprovalClearedPayload{})
}

func (s *MemoryStore) Snapshot(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	return nil
}
