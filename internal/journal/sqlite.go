package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists entries in a SQLite database, one row per entry
// with the full entry as a JSON payload. Replay order is rowid order.
type SQLiteStore struct {
	db         *sql.DB
	sessionID  string
	stmtAppend *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) the database at path and
// scopes all operations to sessionID. Use ":memory:" for an ephemeral
// database.
func NewSQLiteStore(path, sessionID string) (*SQLiteStore, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Each new connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, sessionID: sessionID}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			parent_id TEXT,
			entry_type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}
	if _, err := s.db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id)",
	); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	s.stmtAppend, err = s.db.Prepare(`
		INSERT INTO entries (session_id, entry_id, parent_id, entry_type, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *models.SessionEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	var parent sql.NullString
	if e.ParentID != nil {
		parent = sql.NullString{String: *e.ParentID, Valid: true}
	}
	if _, err := s.stmtAppend.ExecContext(ctx,
		s.sessionID, e.ID, parent, string(e.Type), e.Timestamp, payload,
	); err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]*models.SessionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM entries WHERE session_id = ? ORDER BY seq",
		s.sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.SessionEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		var e models.SessionEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// Flush checkpoints the WAL so entries survive a crash of the host
// process without replaying the log.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.stmtAppend != nil {
		if err := s.stmtAppend.Close(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}
