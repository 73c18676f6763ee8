package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ensemble-run/ensemble/internal/apperr"
)

// SessionRecord is a durable identifier grouping related turns (spec §3).
type SessionRecord struct {
	SessionID  string
	Source     string
	CreatedAt  time.Time
	LastActive time.Time
	Metadata   string
}

// SaveSession upserts rec, setting last_active to now on every call (spec
// §4.5, §8: "Repeated save_session(id, ...) produces exactly one row with
// last_active monotonically non-decreasing").
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastActive = now

	switch s.dialect {
	case "sqlite":
		query := fmt.Sprintf(`INSERT INTO sessions (session_id, source, created_at, last_active, metadata)
			VALUES (%s,%s,%s,%s,%s)
			ON CONFLICT(session_id) DO UPDATE SET last_active = excluded.last_active, metadata = excluded.metadata`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
		_, err := s.db.ExecContext(ctx, query, rec.SessionID, rec.Source, rec.CreatedAt.Format(time.RFC3339Nano), rec.LastActive.Format(time.RFC3339Nano), rec.Metadata)
		if err != nil {
			return apperr.StoreError("save session %s", err, rec.SessionID)
		}
	case "postgres":
		query := fmt.Sprintf(`INSERT INTO sessions (session_id, source, created_at, last_active, metadata)
			VALUES (%s,%s,%s,%s,%s)
			ON CONFLICT (session_id) DO UPDATE SET last_active = EXCLUDED.last_active, metadata = EXCLUDED.metadata`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
		_, err := s.db.ExecContext(ctx, query, rec.SessionID, rec.Source, rec.CreatedAt.Format(time.RFC3339Nano), rec.LastActive.Format(time.RFC3339Nano), rec.Metadata)
		if err != nil {
			return apperr.StoreError("save session %s", err, rec.SessionID)
		}
	case "mysql":
		query := `INSERT INTO sessions (session_id, source, created_at, last_active, metadata) VALUES (?,?,?,?,?)
			ON DUPLICATE KEY UPDATE last_active = VALUES(last_active), metadata = VALUES(metadata)`
		_, err := s.db.ExecContext(ctx, query, rec.SessionID, rec.Source, rec.CreatedAt.Format(time.RFC3339Nano), rec.LastActive.Format(time.RFC3339Nano), rec.Metadata)
		if err != nil {
			return apperr.StoreError("save session %s", err, rec.SessionID)
		}
	default:
		return apperr.StoreError("save session %s", fmt.Errorf("unsupported dialect %q", s.dialect), rec.SessionID)
	}

	if prune := randFloat() < 0.1; prune {
		if _, err := s.PruneInactiveSessions(ctx, now.Add(-7*24*time.Hour)); err != nil {
			return apperr.StoreError("probabilistic prune after save_session", err)
		}
	}
	return nil
}

// randFloat is a package variable so tests can make the probabilistic
// cleanup in SaveSession deterministic.
var randFloat = defaultRandFloat

func scanSession(row interface {
	Scan(dest ...any) error
}) (*SessionRecord, error) {
	var rec SessionRecord
	var created, active string
	if err := row.Scan(&rec.SessionID, &rec.Source, &created, &active, &rec.Metadata); err != nil {
		return nil, err
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if rec.LastActive, err = time.Parse(time.RFC3339Nano, active); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetSession returns the session record for id, or nil if none exists.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := fmt.Sprintf(`SELECT session_id, source, created_at, last_active, metadata FROM sessions WHERE session_id = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StoreError("get session %s", err, id)
	}
	return rec, nil
}

// FindActiveCLISession returns the session whose metadata JSON embeds
// `"pid":pid` and whose last_active is within `within` of now, for the
// Session Manager's CLI reuse rule (spec §4.5).
func (s *Store) FindActiveCLISession(ctx context.Context, pid int, within time.Duration) (*SessionRecord, error) {
	cutoff := time.Now().UTC().Add(-within).Format(time.RFC3339Nano)
	pidFragment := fmt.Sprintf(`%%"pid":%d%%`, pid)
	query := fmt.Sprintf(`SELECT session_id, source, created_at, last_active, metadata FROM sessions
		WHERE source = 'cli' AND metadata LIKE %s AND last_active >= %s
		ORDER BY last_active DESC LIMIT 1`, s.placeholder(1), s.placeholder(2))
	row := s.db.QueryRowContext(ctx, query, pidFragment, cutoff)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StoreError("find active cli session for pid %d", err, pid)
	}
	return rec, nil
}

// PruneInactiveSessions deletes sessions with last_active < olderThan,
// cascading to their conversations, and returns the count removed.
func (s *Store) PruneInactiveSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.StoreError("begin prune transaction", err)
	}
	defer tx.Rollback()

	cutoff := olderThan.Format(time.RFC3339Nano)

	delConv := fmt.Sprintf(`DELETE FROM conversations WHERE session_id IN (SELECT session_id FROM sessions WHERE last_active < %s)`, s.placeholder(1))
	if _, err := tx.ExecContext(ctx, delConv, cutoff); err != nil {
		return 0, apperr.StoreError("prune conversations of inactive sessions", err)
	}

	delSess := fmt.Sprintf(`DELETE FROM sessions WHERE last_active < %s`, s.placeholder(1))
	res, err := tx.ExecContext(ctx, delSess, cutoff)
	if err != nil {
		return 0, apperr.StoreError("prune inactive sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.StoreError("read prune row count", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.StoreError("commit prune", err)
	}
	return n, nil
}
