// Package store implements the Conversation Store (spec §4.4): a
// persistent record of every completed LLM call plus a session table,
// dialect-switched the way the teacher's SQLSessionService is, over
// sqlite/postgres/mysql.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ensemble-run/ensemble/internal/apperr"
)

// Store wraps a shared connection pool over one of the supported SQL
// dialects (spec §5: "one shared connection pool; all writes/reads use
// short-lived connections released on every exit path").
type Store struct {
	db      *sql.DB
	dialect string
	dsn     string
}

// Open connects to the database identified by dialect/dsn and enables
// WAL-mode concurrency for sqlite (spec §4.4).
func Open(dialect, dsn string) (*Store, error) {
	driver, err := driverFor(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, apperr.StoreError("open %s database", err, dialect)
	}
	if dialect == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, apperr.StoreError("enable WAL mode", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
			db.Close()
			return nil, apperr.StoreError("enable foreign keys", err)
		}
	}
	return &Store{db: db, dialect: dialect, dsn: dsn}, nil
}

func driverFor(dialect string) (string, error) {
	switch dialect {
	case "sqlite":
		return "sqlite3", nil
	case "postgres":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("store: unsupported dialect %q", dialect)
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	agent TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	prompt TEXT NOT NULL,
	response TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms REAL NOT NULL DEFAULT 0,
	estimated_cost_usd REAL NOT NULL DEFAULT 0,
	fallback_used INTEGER NOT NULL DEFAULT 0,
	session_id TEXT,
	embedding BLOB,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);`

const createConversationsIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_conversations_timestamp ON conversations(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent);
CREATE INDEX IF NOT EXISTS idx_conversations_session_id ON conversations(session_id);`

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_active TEXT NOT NULL,
	metadata TEXT
);`

// Migrate applies the schema transactionally: every statement succeeds or
// none do (spec §4.4: "Schema migration is transactional").
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.StoreError("begin migration transaction", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{createSessionsTableSQL, createConversationsTableSQL, createConversationsIndexesSQL} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return apperr.StoreError("apply schema", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.StoreError("commit migration", err)
	}
	return nil
}

// placeholder returns the dialect-correct positional placeholder for
// argument index i (1-based): "?" for sqlite/mysql, "$i" for postgres.
func (s *Store) placeholder(i int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
