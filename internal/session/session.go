// Package session implements the Session Manager (spec §4.5): validates
// and mints session identifiers, reuses an active CLI session within an
// idle window, and probabilistically prunes inactive sessions (delegated
// to the store, which runs the prune inline on a random 10% of
// SaveSession calls).
package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ensemble-run/ensemble/internal/apperr"
	"github.com/ensemble-run/ensemble/internal/store"
)

// Source is the originator of a session, per spec §3.
type Source string

const (
	SourceCLI Source = "cli"
	SourceUI  Source = "ui"
	SourceAPI Source = "api"
)

// cliReuseWindow is the idle window within which a repeat CLI invocation
// from the same pid reuses its prior session (spec §4.5).
const cliReuseWindow = 2 * time.Hour

// pruneAge is how old a session must be, by last_active, to be pruned
// (spec §4.5).
const pruneAge = 7 * 24 * time.Hour

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks a session id against the persisted syntax (spec §6,
// bit-exact): non-empty, ≤64 chars, matching [A-Za-z0-9_-].
func Validate(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return apperr.InvalidInput("invalid session id %q: must be 1-64 characters from [A-Za-z0-9_-]", id)
	}
	return nil
}

func randomAlnum(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(s) > n {
		return s[:n]
	}
	return s
}

// GenerateCLI mints a CLI-sourced session id: cli-{pid}-{UTC compact timestamp}.
func GenerateCLI(pid int, now time.Time) string {
	return fmt.Sprintf("cli-%d-%s", pid, now.UTC().Format("20060102T150405"))
}

// GenerateUI mints a UI-sourced session id: ui-{unix_ms}-{8 random alnum}.
// The UI frontend typically assigns its own id; the backend only
// validates, but this generator exists for parity and for server-assigned
// fallback.
func GenerateUI(now time.Time) string {
	return fmt.Sprintf("ui-%d-%s", now.UnixMilli(), randomAlnum(8))
}

// GenerateAPI mints an API-sourced session id: api-{unix_ms}-{8 random alnum}.
func GenerateAPI(now time.Time) string {
	return fmt.Sprintf("api-%d-%s", now.UnixMilli(), randomAlnum(8))
}

// Manager is the Session Manager component.
type Manager struct {
	store *store.Store
}

// New builds a Manager backed by store.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// GetOrCreateCLI implements the CLI reuse rule (spec §4.5): reuse an
// active session for pid within cliReuseWindow, else mint and persist a
// new one. last_active is not bumped on a bare reuse; it advances only
// when a conversation actually lands against the session (via a
// subsequent SaveSession call from the chain runtime).
func (m *Manager) GetOrCreateCLI(ctx context.Context, pid int) (string, error) {
	existing, err := m.store.FindActiveCLISession(ctx, pid, cliReuseWindow)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.SessionID, nil
	}

	id := GenerateCLI(pid, time.Now())
	metadata := fmt.Sprintf(`{"pid":%d}`, pid)
	if err := m.store.SaveSession(ctx, &store.SessionRecord{SessionID: id, Source: string(SourceCLI), Metadata: metadata}); err != nil {
		return "", err
	}
	return id, nil
}

// Resolve validates a caller-supplied session id (API/UI sources) and
// persists it if not already known, or generates one when absent, per
// the source's generation rule (spec §4.5).
func (m *Manager) Resolve(ctx context.Context, source Source, callerSuppliedID string) (string, error) {
	var id string
	switch {
	case callerSuppliedID != "":
		if err := Validate(callerSuppliedID); err != nil {
			return "", err
		}
		id = callerSuppliedID
	case source == SourceUI:
		id = GenerateUI(time.Now())
	default:
		id = GenerateAPI(time.Now())
	}

	if err := m.store.SaveSession(ctx, &store.SessionRecord{SessionID: id, Source: string(source), Metadata: "{}"}); err != nil {
		return "", err
	}
	return id, nil
}

// Touch bumps last_active for sessionID now that a conversation has
// actually landed against it (spec §4.5: reuse does not reset
// last_active until a conversation lands). It preserves the session's
// existing source/metadata (e.g. a CLI session's pid) rather than
// overwriting them.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	existing, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	rec := &store.SessionRecord{SessionID: sessionID, Source: string(SourceAPI), Metadata: "{}"}
	if existing != nil {
		rec.Source = existing.Source
		rec.Metadata = existing.Metadata
		rec.CreatedAt = existing.CreatedAt
	}
	return m.store.SaveSession(ctx, rec)
}
