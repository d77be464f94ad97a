package sessions

import (
	"context"

	"github.com/duraloop/duraloop/pkg/models"
)

// IndexingStore decorates a Store, writing the resulting state of every
// mutation that returns a Session to an Index so CLI listing commands
// never need a full replay. AddToolCall and Snapshot pass straight
// through to the wrapped Store and do not touch the index.
// The index write is best-effort: a failure there is logged by the
// caller but never turns a successful Store mutation into an error.
type IndexingStore struct {
	Store
	idx    *Index
	onFail func(error)
}

// NewIndexingStore wraps inner with idx. onFail receives any Index
// write error; pass nil to ignore them silently.
func NewIndexingStore(inner Store, idx *Index, onFail func(error)) *IndexingStore {
	if onFail == nil {
		onFail = func(error) {}
	}
	return &IndexingStore{Store: inner, idx: idx, onFail: onFail}
}

func (s *IndexingStore) touch(ctx context.Context, sess *models.Session, err error) (*models.Session, error) {
	if err == nil && sess != nil {
		if ierr := s.idx.Touch(ctx, sess); ierr != nil {
			s.onFail(ierr)
		}
	}
	return sess, err
}

func (s *IndexingStore) Create(ctx context.Context, sessionID, agentName string) (*models.Session, error) {
	return s.touch(ctx, s.Store.Create(ctx, sessionID, agentName))
}

func (s *IndexingStore) AddUserMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Session, error) {
	return s.touch(ctx, s.Store.AddUserMessage(ctx, sessionID, msg))
}

func (s *IndexingStore) AddAssistantMessage(ctx context.Context, sessionID string, msg *models.Message, usage *models.Usage) (*models.Session, error) {
	return s.touch(ctx, s.Store.AddAssistantMessage(ctx, sessionID, msg, usage))
}

func (s *IndexingStore) AddToolResult(ctx context.Context, sessionID string, result models.ToolResult) (*models.Session, error) {
	return s.touch(ctx, s.Store.AddToolResult(ctx, sessionID, result))
}

func (s *IndexingStore) SetStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	return s.touch(ctx, s.Store.SetStatus(ctx, sessionID, status))
}

func (s *IndexingStore) SetPendingApproval(ctx context.Context, sessionID string, approval models.PendingApproval) (*models.Session, error) {
	return s.touch(ctx, s.Store.SetPendingApproval(ctx, sessionID, approval))
}

func (s *IndexingStore) ClearPendingApproval(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.touch(ctx, s.Store.ClearPendingApproval(ctx, sessionID))
}
