package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/duraloop/duraloop/pkg/models"
)

func TestIndexTouchAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenIndex(path)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	sessions := []*models.Session{
		{ID: "sess-1", AgentName: "coder", Status: models.SessionActive, UpdatedAt: now},
		{ID: "sess-2", AgentName: "reviewer", Status: models.SessionCompleted, UpdatedAt: now.Add(time.Minute)},
	}
	for _, sess := range sessions {
		if err := idx.Touch(ctx, sess); err != nil {
			t.Fatalf("Touch(%s): %v", sess.ID, err)
		}
	}

	entries, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Most recently updated first.
	if entries[0].ID != "sess-2" || entries[1].ID != "sess-1" {
		t.Fatalf("expected sess-2 before sess-1, got %v, %v", entries[0].ID, entries[1].ID)
	}
}

func TestIndexTouchUpsertsExistingRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenIndex(path)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	sess := &models.Session{ID: "sess-1", AgentName: "coder", Status: models.SessionActive, UpdatedAt: time.Now().UTC()}
	if err := idx.Touch(ctx, sess); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	sess.Status = models.SessionCompleted
	sess.UpdatedAt = sess.UpdatedAt.Add(time.Hour)
	if err := idx.Touch(ctx, sess); err != nil {
		t.Fatalf("Touch (update): %v", err)
	}

	entries, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the second Touch to update in place, got %d rows", len(entries))
	}
	if entries[0].Status != models.SessionCompleted {
		t.Fatalf("expected updated status, got %s", entries[0].Status)
	}
}

func TestRebuildRepopulatesFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenIndex(path)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Create(ctx, "sess-1", "coder"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, "sess-2", "reviewer"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Seed the index with a stale row for an id not in the rebuild set,
	// to confirm Rebuild truncates before repopulating.
	if err := idx.Touch(ctx, &models.Session{ID: "stale", AgentName: "x", Status: models.SessionActive, UpdatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed Touch: %v", err)
	}

	if err := Rebuild(ctx, idx, store, []string{"sess-1", "sess-2"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	entries, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly the 2 rebuilt sessions, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ID == "stale" {
			t.Fatal("expected Rebuild to clear the stale row")
		}
	}
}

func TestIndexingStoreTouchesOnMutation(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenIndex(path)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	var failures []error
	s := NewIndexingStore(inner, idx, func(err error) { failures = append(failures, err) })

	if _, err := s.Create(ctx, "sess-1", "coder"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.AddUserMessage(ctx, "sess-1", &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AddUserMessage: %v", err)
	}

	entries, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "sess-1" {
		t.Fatalf("expected the index to reflect the underlying store's session, got %+v", entries)
	}
	if len(failures) != 0 {
		t.Fatalf("expected no index write failures, got %v", failures)
	}
}

func TestIndexingStoreToleratesIndexFailureWithoutFailingTheWrite(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	// Close the index so Touch fails, simulating an index-layer error;
	// the wrapped Store call must still succeed.
	idx.Close()

	var failures []error
	s := NewIndexingStore(inner, idx, func(err error) { failures = append(failures, err) })

	sess, err := s.Create(ctx, "sess-1", "coder")
	if err != nil {
		t.Fatalf("Create must succeed even if the index write fails: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if len(failures) == 0 {
		t.Fatal("expected the index failure to be reported via onFail")
	}
}
