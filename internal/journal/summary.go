package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

// SessionSummary describes one stored session without loading its
// entries.
type SessionSummary struct {
	SessionID     string
	Entries       int
	LastTimestamp int64
}

// ListSQLiteSessions summarizes every session in the database at path,
// most recently written first. A database that does not exist yet lists
// as empty rather than being created.
func ListSQLiteSessions(ctx context.Context, path string) ([]SessionSummary, error) {
	if !strings.Contains(path, "memory") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, nil
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return listSessionSummaries(ctx, db)
}

// ListPostgresSessions summarizes every session reachable via dsn, most
// recently written first.
func ListPostgresSessions(ctx context.Context, dsn string) ([]SessionSummary, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return listSessionSummaries(ctx, db)
}

// LoadSQLiteSession reads one session's entries from the database at
// path. A missing database or unknown session yields no entries.
func LoadSQLiteSession(ctx context.Context, path, sessionID string) ([]*models.SessionEntry, error) {
	if !strings.Contains(path, "memory") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, nil
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return loadSessionEntries(ctx, db, sessionID)
}

// LoadPostgresSession reads one session's entries via dsn. An unknown
// session yields no entries.
func LoadPostgresSession(ctx context.Context, dsn, sessionID string) ([]*models.SessionEntry, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return loadSessionEntries(ctx, db, sessionID)
}

// listSessionSummaries serves both backends: the entries table has the
// same shape on each and the query carries no placeholders.
func listSessionSummaries(ctx context.Context, db *sql.DB) ([]SessionSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MAX(created_at)
		FROM entries
		GROUP BY session_id
		ORDER BY MAX(created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.SessionID, &s.Entries, &s.LastTimestamp); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// loadSessionEntries reads one session in replay order. The $1
// placeholder form is understood by both drivers.
func loadSessionEntries(ctx context.Context, db *sql.DB, sessionID string) ([]*models.SessionEntry, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT payload FROM entries WHERE session_id = $1 ORDER BY seq",
		sessionID,
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
