package models

import "time"

// SnapshotSchemaVersion is bumped whenever the Snapshot field layout
// changes in a way that is not backward compatible for replay.
const SnapshotSchemaVersion = 1

// SessionConfig holds the subset of Agent configuration that needs to
// survive in a snapshot independent of the live Agent definition on
// disk (an agent's on_disconnect policy may be edited after a session
// started).
type SessionConfig struct {
	OnDisconnect OnDisconnect `json:"on_disconnect" yaml:"on_disconnect"`
}

// Snapshot is a point-in-time compaction of a session's event log. The
// store never truncates the log on snapshot; log compaction, if ever
// needed, is a separate concern left to an operator tool.
type Snapshot struct {
	SchemaVersion int `json:"schema_version" yaml:"schema_version"`
	SessionID string `json:"session_id" yaml:"session_id"`
	AgentName string `json:"agent_name" yaml:"agent_name"`
	Status SessionStatus `json:"status" yaml:"status"`
	Conversation []*Message `json:"conversation" yaml:"conversation"`
	Config SessionConfig `json:"config" yaml:"config"`

	PendingApproval *PendingApproval `json:"pending_approval,omitempty" yaml:"pending_approval,omitempty"`
	GatewayID string `json:"gateway_id,omitempty" yaml:"gateway_id,omitempty"`
	ChatID string `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`

	LastEventSeq uint64 `json:"last_event_seq" yaml:"last_event_seq"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	SnapshotAt time.Time `json:"snapshot_at" yaml:"snapshot_at"`
}

// ToSession expands a Snapshot back into a live Session, the starting
// point for event replay.
func (s *Snapshot) ToSession() *Session {
	return &Session{
		ID: s.SessionID,
		AgentName: s.AgentName,
		Status: s.Status,
		Conversation: s.Conversation,
		PendingApproval: s.PendingApproval,
		GatewayID: s.GatewayID,
		ChatID: s.ChatID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// FromSession compacts sess into a Snapshot at the given log position.
func FromSession(sess *Session, lastEventSeq uint64) Snapshot {
	return Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		SessionID: sess.ID,
		AgentName: sess.AgentName,
		Status: sess.Status,
		Conversation: sess.Conversation,
		PendingApproval: sess.PendingApproval,
		GatewayID: sess.GatewayID,
		ChatID: sess.ChatID,
		LastEventSeq: lastEventSeq,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		SnapshotAt: time.Now().UTC(),
	}
}
