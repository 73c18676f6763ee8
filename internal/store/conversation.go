package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ensemble-run/ensemble/internal/apperr"
)

// ConversationRecord is one persisted LLM call (spec §3).
type ConversationRecord struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Agent            string    `json:"agent"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Prompt           string    `json:"prompt"`
	Response         string    `json:"response"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMs       float64   `json:"duration_ms"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	FallbackUsed     bool      `json:"fallback_used"`
	SessionID        *string   `json:"session_id,omitempty"`
	// Embedding is never serialized to the wire (spec §6 GET /logs,
	// GET /memory/search: "no embeddings").
	Embedding []byte `json:"-"`
}

// ErrNotFound is returned by GetByID when no record matches.
var ErrNotFound = errors.New("store: record not found")

func (r *ConversationRecord) validate() error {
	if r.PromptTokens > 0 || r.CompletionTokens > 0 {
		if r.TotalTokens != r.PromptTokens+r.CompletionTokens {
			return fmt.Errorf("total_tokens (%d) != prompt_tokens (%d) + completion_tokens (%d)", r.TotalTokens, r.PromptTokens, r.CompletionTokens)
		}
	}
	return nil
}

// InsertConversation inserts rec and returns its new id (spec §4.4).
func (s *Store) InsertConversation(ctx context.Context, rec *ConversationRecord) (int64, error) {
	if err := rec.validate(); err != nil {
		return 0, apperr.InvalidInput("%s", err.Error())
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO conversations
		(timestamp, agent, model, provider, prompt, response, prompt_tokens, completion_tokens, total_tokens, duration_ms, estimated_cost_usd, fallback_used, session_id, embedding)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10),
		s.placeholder(11), s.placeholder(12), s.placeholder(13), s.placeholder(14))

	res, err := s.db.ExecContext(ctx, query,
		rec.Timestamp.Format(time.RFC3339Nano), rec.Agent, rec.Model, rec.Provider, rec.Prompt, rec.Response,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.DurationMs, rec.EstimatedCostUSD,
		rec.FallbackUsed, rec.SessionID, rec.Embedding)
	if err != nil {
		return 0, apperr.StoreError("insert conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.StoreError("read inserted id", err)
	}
	return id, nil
}

func scanConversation(row interface {
	Scan(dest ...any) error
}) (*ConversationRecord, error) {
	var rec ConversationRecord
	var ts string
	var sessionID sql.NullString
	var embedding []byte
	var fallback int
	if err := row.Scan(&rec.ID, &ts, &rec.Agent, &rec.Model, &rec.Provider, &rec.Prompt, &rec.Response,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.DurationMs, &rec.EstimatedCostUSD,
		&fallback, &sessionID, &embedding); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	rec.Timestamp = parsed
	rec.FallbackUsed = fallback != 0
	if sessionID.Valid {
		v := sessionID.String
		rec.SessionID = &v
	}
	rec.Embedding = embedding
	return &rec, nil
}

const conversationColumns = `id, timestamp, agent, model, provider, prompt, response, prompt_tokens, completion_tokens, total_tokens, duration_ms, estimated_cost_usd, fallback_used, session_id, embedding`

// GetByID returns the conversation with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (*ConversationRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE id = %s`, conversationColumns, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.StoreError("get conversation %d", err, id)
	}
	return rec, nil
}

// GetRecentBySession returns conversations for session_id ordered oldest
// to newest (spec §4.4).
func (s *Store) GetRecentBySession(ctx context.Context, sessionID string, limit int) ([]*ConversationRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE session_id = %s ORDER BY timestamp ASC LIMIT %s`,
		conversationColumns, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, apperr.StoreError("query recent by session", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// QueryCandidates returns up to limit most recent conversations for agent
// with session_id != excludeSessionID, for Context Aggregator knowledge
// scoring (spec §4.4, §4.6).
func (s *Store) QueryCandidates(ctx context.Context, agent, excludeSessionID string, limit int) ([]*ConversationRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM conversations
		WHERE agent = %s AND (session_id IS NULL OR session_id != %s)
		ORDER BY timestamp DESC LIMIT %s`,
		conversationColumns, s.placeholder(1), s.placeholder(2), s.placeholder(3))
	rows, err := s.db.QueryContext(ctx, query, agent, excludeSessionID, limit)
	if err != nil {
		return nil, apperr.StoreError("query candidates", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// QueryCandidatesAcrossAgents returns up to limit most recent conversations
// from any agent with session_id != excludeSessionID. Used by the Context
// Aggregator's knowledge slice when scoring across agent boundaries (spec
// §4.6, §9 open question on same-agent exclusion).
func (s *Store) QueryCandidatesAcrossAgents(ctx context.Context, excludeSessionID string, limit int) ([]*ConversationRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM conversations
		WHERE (session_id IS NULL OR session_id != %s)
		ORDER BY timestamp DESC LIMIT %s`,
		conversationColumns, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, excludeSessionID, limit)
	if err != nil {
		return nil, apperr.StoreError("query candidates across agents", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*ConversationRecord, error) {
	var out []*ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, apperr.StoreError("scan conversation row", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StoreError("iterate conversation rows", err)
	}
	return out, nil
}

// Delete removes the conversation with id. Idempotent: deleting a missing
// id is a no-op success (spec §8).
func (s *Store) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM conversations WHERE id = %s`, s.placeholder(1))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return apperr.StoreError("delete conversation %d", err, id)
	}
	return nil
}

// UpdateEmbedding backfills the embedding blob for a conversation lazily
// scored by the Context Aggregator (spec §4.6).
func (s *Store) UpdateEmbedding(ctx context.Context, id int64, blob []byte) error {
	query := fmt.Sprintf(`UPDATE conversations SET embedding = %s WHERE id = %s`, s.placeholder(1), s.placeholder(2))
	if _, err := s.db.ExecContext(ctx, query, blob, id); err != nil {
		return apperr.StoreError("update embedding for %d", err, id)
	}
	return nil
}

// Cleanup deletes conversations whose session_id no longer exists in the
// sessions table (i.e. the session was pruned for inactivity; spec §4.4).
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM conversations WHERE session_id IS NOT NULL AND session_id NOT IN (SELECT session_id FROM sessions) AND timestamp < ` + s.placeholder(1)
	res, err := s.db.ExecContext(ctx, query, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, apperr.StoreError("cleanup orphaned conversations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.StoreError("read cleanup row count", err)
	}
	return n, nil
}
