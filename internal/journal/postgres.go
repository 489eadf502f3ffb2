package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresConfig holds configuration for a PostgreSQL connection.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "loom",
		Password:        "",
		Database:        "loom",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore persists entries in PostgreSQL for shared deployments.
// Row shape matches SQLiteStore: one row per entry, JSON payload,
// replay ordered by insertion sequence.
type PostgresStore struct {
	db        *sql.DB
	sessionID string

	stmtAppend *sql.Stmt
	stmtLoad   *sql.Stmt
}

// NewPostgresStore connects using config and scopes all operations to
// sessionID.
func NewPostgresStore(config *PostgresConfig, sessionID string) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return NewPostgresStoreFromDSN(dsn, config, sessionID)
}

// NewPostgresStoreFromDSN connects using a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig, sessionID string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db, sessionID: sessionID}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			parent_id TEXT,
			entry_type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			payload JSONB NOT NULL
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append: %w", err)
	}

	s.stmtLoad, err = s.db.Prepare(`
		SELECT payload FROM entries WHERE session_id = $1 ORDER BY seq
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare load: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e *models.SessionEntry) error {
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

func (s *PostgresStore) Load(ctx context.Context) ([]*models.SessionEntry, error) {
	rows, err := s.stmtLoad.QueryContext(ctx, s.sessionID)
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

// Flush is a no-op; committed inserts are already durable.
func (s *PostgresStore) Flush(ctx context.Context) error { return nil }

func (s *PostgresStore) Close() error {
	var errs []error
	if s.stmtAppend != nil {
		if err := s.stmtAppend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.stmtLoad != nil {
		if err := s.stmtLoad.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}
