package chain

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ensemble-run/ensemble/internal/logging"
	"github.com/ensemble-run/ensemble/internal/store"
)

// ConversationLog writes one append-only, scrubbed JSON file per LLM call
// to dir, named YYYYMMDD_HHMMSS-{agent}-{8-hex}.json (spec §6 on-disk
// layout). It is advisory only: the store, not the log directory, is the
// source of truth (spec §7).
type ConversationLog struct {
	dir string
}

// NewConversationLog builds a ConversationLog writing under dir. An empty
// dir disables file logging; Write becomes a no-op.
func NewConversationLog(dir string) *ConversationLog {
	return &ConversationLog{dir: dir}
}

type logEntry struct {
	ID               int64   `json:"id"`
	Timestamp        string  `json:"timestamp"`
	Agent            string  `json:"agent"`
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Prompt           string  `json:"prompt"`
	Response         string  `json:"response"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	FallbackUsed     bool    `json:"fallback_used"`
	SessionID        string  `json:"session_id,omitempty"`
}

// Write appends one scrubbed record for a persisted conversation.
func (l *ConversationLog) Write(agent string, id int64, rec *store.ConversationRecord) error {
	if l == nil || l.dir == "" {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("chain: create conversation log dir: %w", err)
	}

	sessionID := ""
	if rec.SessionID != nil {
		sessionID = *rec.SessionID
	}

	entry := logEntry{
		ID:               id,
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		Agent:            agent,
		Model:            rec.Model,
		Provider:         rec.Provider,
		Prompt:           logging.Scrub(rec.Prompt),
		Response:         logging.Scrub(rec.Response),
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		EstimatedCostUSD: rec.EstimatedCostUSD,
		FallbackUsed:     rec.FallbackUsed,
		SessionID:        sessionID,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("chain: marshal conversation log entry: %w", err)
	}

	path := filepath.Join(l.dir, fileName(agent))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("chain: open conversation log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("chain: write conversation log entry: %w", err)
	}
	return nil
}

func fileName(agent string) string {
	return fmt.Sprintf("%s-%s-%s.json", time.Now().UTC().Format("20060102_150405"), agent, randomHex(4))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "00000000"[:n*2]
	}
	return hex.EncodeToString(b)
}
