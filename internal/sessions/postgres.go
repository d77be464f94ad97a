package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/duraloop/duraloop/pkg/models"
)

// PostgresStore is a secondary Store backend for multi-instance
// deployments that share one data root: every instance appends events
// to the same table instead of a per-process JSONL file, adapted from
// CockroachStore (prepared statements over a connection
// pool, sql.Open("postgres", dsn)), but modeling our event-sourced
// schema (events + snapshots) rather than per-message
// row model.
type PostgresStore struct {
	db *sql.DB

	stmtInsertEvent *sql.Stmt
	stmtSelectEvents *sql.Stmt
	stmtSelectSnapshot *sql.Stmt
	stmtUpsertSnapshot *sql.Stmt
}

// PostgresConfig holds connection pool tuning, mirroring the prior implementation's
// CockroachConfig shape.
type PostgresConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLifetime time.Duration
	ConnectTimeout time.Duration
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout: 10 * time.Second,
	}
}

// Schema is the DDL operators run once against a fresh database before
// pointing duraloopd at it.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	event_type TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS session_snapshots (
	session_id     TEXT PRIMARY KEY,
	agent_name     TEXT NOT NULL,
	status         TEXT NOT NULL,
	state          JSONB NOT NULL,
	last_event_seq BIGINT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore opens dsn and prepares the statements PostgresStore
// needs, failing fast with a ping the way the prior implementation's
// newCockroachStoreWithDSN does.
func NewPostgresStore(dsn string, cfg PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sessions: postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) prepare() error {
	var err error
	s.stmtInsertEvent, err = s.db.Prepare(`
		INSERT INTO session_events (session_id, seq, ts, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("sessions: prepare insert event: %w", err)
	}

	s.stmtSelectEvents, err = s.db.Prepare(`
		SELECT seq, ts, event_type, payload FROM session_events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("sessions: prepare select events: %w", err)
	}

	s.stmtSelectSnapshot, err = s.db.Prepare(`
		SELECT state, last_event_seq FROM session_snapshots WHERE session_id = $1
	`)
	if err != nil {
		return fmt.Errorf("sessions: prepare select snapshot: %w", err)
	}

	s.stmtUpsertSnapshot, err = s.db.Prepare(`
		INSERT INTO session_snapshots (session_id, agent_name, status, state, last_event_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			agent_name = EXCLUDED.agent_name,
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			last_event_seq = EXCLUDED.last_event_seq,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("sessions: prepare upsert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtInsertEvent, s.stmtSelectEvents, s.stmtSelectSnapshot, s.stmtUpsertSnapshot} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, sessionID, agentName string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{ID: sessionID, AgentName: agentName, Status: models.SessionActive, CreatedAt: now, UpdatedAt: now}
	if err := s.writeSnapshot(ctx, sess, 0); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, _, err := s.replay(ctx, sessionID)
	return sess, err
}

func (s *PostgresStore) replay(ctx context.Context, sessionID string) (*models.Session, uint64, error) {
	var stateJSON []byte
	var lastSeq uint64
	err := s.stmtSelectSnapshot.QueryRowContext(ctx, sessionID).Scan(&stateJSON, &lastSeq)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("sessions: %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("sessions: load snapshot for %s: %w", sessionID, err)
	}

	var sess models.Session
	if err := json.Unmarshal(stateJSON, &sess); err != nil {
		return nil, 0, fmt.Errorf("sessions: decode snapshot for %s: %w", sessionID, err)
	}

	rows, err := s.stmtSelectEvents.QueryContext(ctx, sessionID, lastSeq)
	if err != nil {
		return nil, 0, fmt.Errorf("sessions: load events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev models.SessionEvent
		var evType string
		if err := rows.Scan(&ev.Seq, &ev.Timestamp, &evType, &ev.Payload); err != nil {
			return nil, 0, fmt.Errorf("sessions: scan event for %s: %w", sessionID, err)
		}
		ev.Type = models.EventType(evType)
		if err := applyEvent(&sess, ev); err != nil {
			return nil, 0, fmt.Errorf("sessions: replay %s seq %d: %w", sessionID, ev.Seq, err)
		}
		lastSeq = ev.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sessions: iterate events for %s: %w", sessionID, err)
	}

	return &sess, lastSeq, nil
}

func (s *PostgresStore) append(ctx context.Context, sessionID string, evType models.EventType, payload any) (*models.Session, error) {
	sess, lastSeq, err := s.replay(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ev := models.SessionEvent{Seq: lastSeq + 1, Timestamp: time.Now().UTC(), Type: evType, Payload: models.EncodePayload(payload)}
	if err := applyEvent(sess, ev); err != nil {
		return nil, err
	}

	if _, err := s.stmtInsertEvent.ExecContext(ctx, sessionID, ev.Seq, ev.Timestamp, string(ev.Type), []byte(ev.Payload)); err != nil {
		return nil, fmt.Errorf("sessions: insert event for %s: %w", sessionID, err)
	}
	if err := s.writeSnapshot(ctx, sess, ev.Seq); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) writeSnapshot(ctx context.Context, sess *models.Session, lastEventSeq uint64) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sessions: encode snapshot: %w", err)
	}
	_, err = s.stmtUpsertSnapshot.ExecContext(ctx, sess.ID, sess.AgentName, string(sess.Status), data, lastEventSeq, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sessions: upsert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddUserMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Session, error) {
	return s.append(ctx, sessionID, models.EventUserMessage, models.UserMessagePayload{Message: msg})
}

func (s *PostgresStore) AddAssistantMessage(ctx context.Context, sessionID string, msg *models.Message, usage *models.Usage) (*models.Session, error) {
	return s.append(ctx, sessionID, models.EventAssistantMessage, models.AssistantMessagePayload{Message: msg, Usage: usage})
}

func (s *PostgresStore) AddToolCall(ctx context.Context, sessionID string, call models.ToolCall) error {
	_, err := s.append(ctx, sessionID, models.EventToolCall, models.ToolCallPayload{CallID: call.ID, Name: call.Name, Args: call.Input})
	return err
}

func (s *PostgresStore) AddToolResult(ctx context.Context, sessionID string, result models.ToolResult) (*models.Session, error) {
	return s.append(ctx, sessionID, models.EventToolResult, models.ToolResultPayload{CallID: result.ToolCallID, Success: result.Success, Content: result.Content})
}

func (s *PostgresStore) SetStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	return s.append(ctx, sessionID, models.EventStatusChanged, models.StatusChangedPayload{Status: status})
}

func (s *PostgresStore) SetPendingApproval(ctx context.Context, sessionID string, approval models.PendingApproval) (*models.Session, error) {
	return s.append(ctx, sessionID, models.EventPendingApprovalSet, models.PendingApprovalSetPayload{Approval: approval})
}

func (s *PostgresStore) ClearPendingApproval(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.append(ctx, sessionID, models.EventPendingApprovalClear, models.PendingApprovalClearedPayload{})
}

func (s *PostgresStore) Snapshot(ctx context.Context, sessionID string) error {
	sess, lastSeq, err := s.replay(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.writeSnapshot(ctx, sess, lastSeq)
}
