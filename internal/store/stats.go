package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ensemble-run/ensemble/internal/apperr"
)

// Totals is one row of an aggregate breakdown (spec §6 GET /metrics).
type Totals struct {
	Requests         int64   `json:"requests"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
}

// Breakdown pairs an aggregate with the key it was grouped by (an agent
// name or a model reference).
type Breakdown struct {
	Key string `json:"key"`
	Totals
}

// Stats24h computes the overall totals plus per-agent and per-model
// breakdowns over the trailing 24 hours (spec §6 GET /metrics).
func (s *Store) Stats24h(ctx context.Context) (overall Totals, byAgent, byModel []Breakdown, err error) {
	since := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)

	overall, err = s.totalsSince(ctx, since)
	if err != nil {
		return Totals{}, nil, nil, err
	}
	if byAgent, err = s.breakdownSince(ctx, since, "agent"); err != nil {
		return Totals{}, nil, nil, err
	}
	if byModel, err = s.breakdownSince(ctx, since, "model"); err != nil {
		return Totals{}, nil, nil, err
	}
	return overall, byAgent, byModel, nil
}

func (s *Store) totalsSince(ctx context.Context, since string) (Totals, error) {
	query := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(total_tokens),0), COALESCE(SUM(estimated_cost_usd),0), COALESCE(AVG(duration_ms),0)
		FROM conversations WHERE timestamp >= %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, since)
	var t Totals
	if err := row.Scan(&t.Requests, &t.TotalTokens, &t.EstimatedCostUSD, &t.AvgDurationMs); err != nil {
		return Totals{}, apperr.StoreError("aggregate totals since %s", err, since)
	}
	return t, nil
}

func (s *Store) breakdownSince(ctx context.Context, since, column string) ([]Breakdown, error) {
	query := fmt.Sprintf(`SELECT %s, COUNT(*), COALESCE(SUM(total_tokens),0), COALESCE(SUM(estimated_cost_usd),0), COALESCE(AVG(duration_ms),0)
		FROM conversations WHERE timestamp >= %s GROUP BY %s ORDER BY %s`, column, s.placeholder(1), column, column)
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, apperr.StoreError("aggregate breakdown by %s", err, column)
	}
	defer rows.Close()

	var out []Breakdown
	for rows.Next() {
		var b Breakdown
		if err := rows.Scan(&b.Key, &b.Requests, &b.TotalTokens, &b.EstimatedCostUSD, &b.AvgDurationMs); err != nil {
			return nil, apperr.StoreError("scan breakdown by %s", err, column)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StoreError("iterate breakdown by %s", err, column)
	}
	return out, nil
}

// CountConversations returns the total number of persisted conversations.
func (s *Store) CountConversations(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, apperr.StoreError("count conversations", err)
	}
	return n, nil
}

// LastConversationAt returns the timestamp of the most recent conversation,
// or nil if the store is empty.
func (s *Store) LastConversationAt(ctx context.Context) (*time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM conversations`)
	var ts *string
	if err := row.Scan(&ts); err != nil {
		return nil, apperr.StoreError("read last conversation timestamp", err)
	}
	if ts == nil {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, *ts)
	if err != nil {
		return nil, fmt.Errorf("store: parse last conversation timestamp %q: %w", *ts, err)
	}
	return &parsed, nil
}

// Ping verifies the underlying connection pool is reachable, for the
// health endpoint's memory.connected field.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.StoreError("ping store", err)
	}
	return nil
}

// SizeBytes returns the on-disk size of the database file. Only
// meaningful for the sqlite dialect; returns 0 for server-based dialects
// whose storage is not a single local file.
func (s *Store) SizeBytes() (int64, error) {
	if s.dialect != "sqlite" {
		return 0, nil
	}
	info, err := os.Stat(s.dsn)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: stat database file: %w", err)
	}
	return info.Size(), nil
}

// SearchResult is a substring match over persisted conversations.
type SearchResult = ConversationRecord

// Search returns conversations whose prompt or response contains q
// (case-insensitive substring), optionally filtered by agent, most recent
// first (spec §6 GET /memory/search).
func (s *Store) Search(ctx context.Context, q, agent string, limit int) ([]*ConversationRecord, error) {
	like := "%" + q + "%"
	query := fmt.Sprintf(`SELECT %s FROM conversations
		WHERE (LOWER(prompt) LIKE LOWER(%s) OR LOWER(response) LIKE LOWER(%s))`,
		conversationColumns, s.placeholder(1), s.placeholder(2))
	args := []any{like, like}
	if agent != "" {
		query += fmt.Sprintf(` AND agent = %s`, s.placeholder(3))
		args = append(args, agent)
	}
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %s`, s.placeholder(len(args)+1))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.StoreError("search conversations", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// Recent returns the most recent conversations, optionally filtered by
// agent (spec §6 GET /memory/recent).
func (s *Store) Recent(ctx context.Context, agent string, limit int) ([]*ConversationRecord, error) {
	if agent == "" {
		query := fmt.Sprintf(`SELECT %s FROM conversations ORDER BY timestamp DESC LIMIT %s`, conversationColumns, s.placeholder(1))
		rows, err := s.db.QueryContext(ctx, query, limit)
		if err != nil {
			return nil, apperr.StoreError("query recent conversations", err)
		}
		defer rows.Close()
		return scanAll(rows)
	}
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE agent = %s ORDER BY timestamp DESC LIMIT %s`,
		conversationColumns, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, agent, limit)
	if err != nil {
		return nil, apperr.StoreError("query recent conversations for agent", err)
	}
	defer rows.Close()
	return scanAll(rows)
}
