package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/duraloop/duraloop/pkg/models"
)

// FileStore is the durable Store implementation from the design: each
// session is a directory holding an append-only JSONL event log and a
// YAML snapshot, replayed on open. Writes are made crash-safe the way
// TracePlugin makes trace writes crash-safe — append,
// flush, fsync — and snapshot writes go through a temp-file-plus-rename
// sequence so a crash mid-write never leaves a corrupt snapshot.
type FileStore struct {
	baseDir string
	policy SnapshotPolicy

	mu sync.Mutex // guards the locks map itself
	locks map[string]*sync.Mutex

	dirty map[string]int // events appended since last snapshot, per session
}

func NewFileStore(baseDir string, policy SnapshotPolicy) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create base dir: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		policy: policy,
		locks: make(map[string]*sync.Mutex),
		dirty: make(map[string]int),
	}, nil
}

func (s *FileStore) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *FileStore) eventLogPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "events.jsonl")
}

func (s *FileStore) snapshotPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "snapshot.yaml")
}

func (s *FileStore) Create(ctx context.Context, sessionID, agentName string) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create session dir: %w", err)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID: sessionID,
		AgentName: agentName,
		Status: models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.writeSnapshotLocked(sessionID, sess, 0); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	sess, _, err := s.replayLocked(sessionID)
	return sess, err
}

// replayLocked reconstructs current state from the latest snapshot plus
// every event appended after it, "replay on open", and
// returns the next sequence number to allocate.
func (s *FileStore) replayLocked(sessionID string) (*models.Session, uint64, error) {
	var sess *models.Session
	var lastSeq uint64

	if data, err := os.ReadFile(s.snapshotPath(sessionID)); err == nil {
		var snap models.Snapshot
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, 0, fmt.Errorf("sessions: decode snapshot for %s: %w", sessionID, err)
		}
		sess = snap.ToSession()
		lastSeq = snap.LastEventSeq
	} else if !os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("sessions: read snapshot for %s: %w", sessionID, err)
	}

	if sess == nil {
		return nil, 0, fmt.Errorf("sessions: %s: %w", sessionID, ErrSessionNotFound)
	}

	events, err := s.readEventsAfter(sessionID, lastSeq)
	if err != nil {
		return nil, 0, err
	}
	for _, ev := range events {
		if err := applyEvent(sess, ev); err != nil {
			return nil, 0, fmt.Errorf("sessions: replay %s seq %d: %w", sessionID, ev.Seq, err)
		}
		lastSeq = ev.Seq
	}

	return sess, lastSeq, nil
}

func (s *FileStore) readEventsAfter(sessionID string, afterSeq uint64) ([]models.SessionEvent, error) {
	f, err := os.Open(s.eventLogPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: open event log for %s: %w", sessionID, err)
	}
	defer f.Close()

	var events []models.SessionEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var lastSeq uint64
	for scanner.Scan() {
		var ev models.SessionEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("sessions: decode event line for %s: %w", sessionID, err)
		}
		if lastSeq != 0 && ev.Seq != lastSeq+1 {
			return nil, fmt.Errorf("sessions: %s: %w (expected %d, got %d)", sessionID, ErrEventSeqGap, lastSeq+1, ev.Seq)
		}
		lastSeq = ev.Seq
		if ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: scan event log for %s: %w", sessionID, err)
	}
	return events, nil
}

// appendLocked allocates the next sequence number, applies the event to
// an in-memory replay of the session, and appends the encoded event to
// the log before returning the updated session.
func (s *FileStore) appendLocked(sessionID string, evType models.EventType, payload any) (*models.Session, error) {
	sess, lastSeq, err := s.replayLocked(sessionID)
	if err != nil {
		return nil, err
	}

	ev := models.SessionEvent{
		Seq: lastSeq + 1,
		Timestamp: time.Now().UTC(),
		Type: evType,
		Payload: models.EncodePayload(payload),
	}
	if err := applyEvent(sess, ev); err != nil {
		return nil, err
	}

	if err := s.appendEventFile(sessionID, ev); err != nil {
		return nil, err
	}

	s.dirty[sessionID]++
	if s.dirty[sessionID] >= s.policy.EveryNEvents {
		if err := s.writeSnapshotLocked(sessionID, sess, ev.Seq); err == nil {
			s.dirty[sessionID] = 0
		}
	}

	return sess, nil
}

func (s *FileStore) appendEventFile(sessionID string, ev models.SessionEvent) error {
	f, err := os.OpenFile(s.eventLogPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: open event log for append: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sessions: encode event: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("sessions: write event: %w", err)
	}
	return f.Sync()
}

// writeSnapshotLocked persists sess atomically: write to a ULID-named
// temp file in the same directory, fsync it, then rename over the
// canonical path, "atomic temp-file+rename+fsync writes".
func (s *FileStore) writeSnapshotLocked(sessionID string, sess *models.Session, lastEventSeq uint64) error {
	dir := s.sessionDir(sessionID)
	snap := models.FromSession(sess, lastEventSeq)

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sessions: encode snapshot: %w", err)
	}

	tmpName := filepath.Join(dir, "."+ulid.Make().String()+".tmp")
	tmp, err := os.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sessions: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sessions: fsync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sessions: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.snapshotPath(sessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sessions: rename snapshot into place: %w", err)
	}
	return nil
}

func (s *FileStore) AddUserMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(sessionID, models.EventUserMessage, models.UserMessagePayload{Message: msg})
}

func (s *FileStore) AddAssistantMessage(ctx context.Context, sessionID string, msg *models.Message, usage *models.Usage) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(sessionID, models.EventAssistantMessage, models.AssistantMessagePayload{Message: msg, Usage: usage})
}

func (s *FileStore) AddToolCall(ctx context.Context, sessionID string, call models.ToolCall) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	_, err := s.appendLocked(sessionID, models.EventToolCall, models.ToolCallPayload{CallID: call.ID, Name: call.Name, Args: call.Input})
	return err
}

func (s *FileStore) AddToolResult(ctx context.Context, sessionID string, result models.ToolResult) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(sessionID, models.EventToolResult, models.ToolResultPayload{CallID: result.ToolCallID, Success: result.Success, Content: result.Content})
}

func (s *FileStore) SetStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(sessionID, models.EventStatusChanged, models.StatusChangedPayload{Status: status})
}

func (s *FileStore) SetPendingApproval(ctx context.Context, sessionID string, approval models.PendingApproval) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(sessionID, models.EventPendingApprovalSet, models.PendingApprovalSetPayload{Approval: approval})
}

func (s *FileStore) ClearPendingApproval(ctx context.Context, sessionID string) (*models.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(sessionID, models.EventPendingApprovalClear, models.PendingApprovalClearedPayload{})
}

func (s *FileStore) Snapshot(ctx context.Context, sessionID string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	sess, lastSeq, err := s.replayLocked(sessionID)
	if err != nil {
		return err
	}
	if err := s.writeSnapshotLocked(sessionID, sess, lastSeq); err != nil {
		return err
	}
	s.dirty[sessionID] = 0
	return nil
}
