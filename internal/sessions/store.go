// Package sessions implements the event-sourced session store from
// the design: an append-only event log plus periodic snapshots, replayed
// on open to reconstruct a Session's current state.
package sessions

import (
	"context"
	"time"

	"github.com/duraloop/duraloop/pkg/models"
)

// Store is the durable session contract the agentic loop, the HTTP
// surface, and the callback dispatcher all use. Implementations must
// serialize writes per session and make reads reflect every write that
// completed before the read started.
type Store interface {
	// Create starts a new session bound to agentName and returns its
	// initial state.
	Create(ctx context.Context, sessionID, agentName string) (*models.Session, error)

	// Load replays a session's event log (from its latest snapshot
	// forward) and returns its current state.
	Load(ctx context.Context, sessionID string) (*models.Session, error)

	// AddUserMessage appends a user_message event and returns the
	// updated session.
	AddUserMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Session, error)

	// AddAssistantMessage appends an assistant_message event, carrying
	// optional usage accounting, and returns the updated session.
	AddAssistantMessage(ctx context.Context, sessionID string, msg *models.Message, usage *models.Usage) (*models.Session, error)

	// AddToolCall and AddToolResult append their respective events,
	// recorded separately so a crash between dispatch and completion
	// leaves an inspectable trail.
	AddToolCall(ctx context.Context, sessionID string, call models.ToolCall) error
	// AddToolResult appends a tool_result event; the event's replay also
	// appends the corresponding tool-role Message to the conversation,
	// so callers must not separately append it as a user message.
	AddToolResult(ctx context.Context, sessionID string, result models.ToolResult) (*models.Session, error)

	// SetStatus appends a status_changed event.
	SetStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error)

	// SetPendingApproval and ClearPendingApproval manage the single
	// outstanding approval slot a session may hold.
	SetPendingApproval(ctx context.Context, sessionID string, approval models.PendingApproval) (*models.Session, error)
	ClearPendingApproval(ctx context.Context, sessionID string) (*models.Session, error)

	// Snapshot forces a snapshot of the session's current state,
	// independent of the store's periodic snapshot cadence.
	Snapshot(ctx context.Context, sessionID string) error
}

// SnapshotPolicy controls how often a store takes a snapshot in terms
// of events appended since the last one. FileStore snapshots once
// EveryNEvents events have been appended; EveryT is carried in the
// policy but no store reads it, so elapsed time never triggers a
// snapshot.
type SnapshotPolicy struct {
	EveryNEvents int
	EveryT time.Duration
}

func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{EveryNEvents: 50, EveryT: 5 * time.Minute}
}
