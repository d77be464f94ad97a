package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duraloop/duraloop/pkg/models"
)

// Index is a local, single-file lookup of session metadata, kept
// alongside a FileStore's data directory so `duraloopd sessions list`
// can enumerate sessions without replaying every event log on disk. It is a cache, never the source
// of truth: FileStore's JSONL logs remain authoritative, and a missing
// or stale index row is backfilled on the next Touch call rather than
// treated as an error.
//
// Uses the pure-Go modernc.org/sqlite driver rather than
// mattn/go-sqlite3 so duraloopd stays cgo-free; see DESIGN.md.
type Index struct {
	db *sql.DB

	stmtUpsert *sql.Stmt
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	status     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// OpenIndex opens (creating if absent) a sqlite index file at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open index: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers, avoid SQLITE_BUSY
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: create index schema: %w", err)
	}
	stmt, err := db.Prepare(`
		INSERT INTO sessions (id, agent_name, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent_name = excluded.agent_name,
			status = excluded.status,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: prepare index upsert: %w", err)
	}
	return &Index{db: db, stmtUpsert: stmt}, nil
}

func (idx *Index) Close() error {
	if idx.stmtUpsert != nil {
		_ = idx.stmtUpsert.Close()
	}
	return idx.db.Close()
}

// Touch records the current metadata for sess, overwriting any prior
// row. Callers invoke this after every Store mutation that changes
// Status; a process that crashes before calling Touch just leaves a
// stale row, corrected on the next successful write or full rebuild.
func (idx *Index) Touch(ctx context.Context, sess *models.Session) error {
	_, err := idx.stmtUpsert.ExecContext(ctx, sess.ID, sess.AgentName, string(sess.Status), sess.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sessions: touch index for %s: %w", sess.ID, err)
	}
	return nil
}

// IndexEntry is one row of a List result.
type IndexEntry struct {
	ID        string
	AgentName string
	Status    models.SessionStatus
	UpdatedAt time.Time
}

// List returns every indexed session, most recently updated first.
func (idx *Index) List(ctx context.Context) ([]IndexEntry, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT id, agent_name, status, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sessions: list index: %w", err)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var status, updatedAt string
		if err := rows.Scan(&e.ID, &e.AgentName, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan index row: %w", err)
		}
		e.Status = models.SessionStatus(status)
		e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("sessions: parse index timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rebuild truncates the index and re-derives it from store by loading
// every id in ids, used to recover from a deleted or corrupt index
// file.
func Rebuild(ctx context.Context, idx *Index, store Store, ids []string) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("sessions: clear index: %w", err)
	}
	for _, id := range ids {
		sess, err := store.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("sessions: rebuild index, load %s: %w", id, err)
		}
		if err := idx.Touch(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}
