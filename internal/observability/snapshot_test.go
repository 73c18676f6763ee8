package observability

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/provider"
	"github.com/ensemble-run/ensemble/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildMetricsSnapshot_Empty(t *testing.T) {
	st := openTestStore(t)
	snap, err := BuildMetricsSnapshot(context.Background(), st)
	if err != nil {
		t.Fatalf("BuildMetricsSnapshot() error: %v", err)
	}
	if snap.Overall.Requests != 0 {
		t.Errorf("Requests = %d, want 0 on an empty store", snap.Overall.Requests)
	}
}

func TestBuildMetricsSnapshot_WithRecords(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := st.InsertConversation(ctx, &store.ConversationRecord{
			Agent: "builder", Model: "openai/gpt-4o", Provider: "openai",
			Prompt: "p", Response: "r", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
			DurationMs: 100, EstimatedCostUSD: 0.001,
		})
		if err != nil {
			t.Fatalf("InsertConversation() error: %v", err)
		}
	}

	snap, err := BuildMetricsSnapshot(ctx, st)
	if err != nil {
		t.Fatalf("BuildMetricsSnapshot() error: %v", err)
	}
	if snap.Overall.Requests != 3 {
		t.Errorf("Requests = %d, want 3", snap.Overall.Requests)
	}
	if snap.Overall.TotalTokens != 45 {
		t.Errorf("TotalTokens = %d, want 45", snap.Overall.TotalTokens)
	}
	if len(snap.ByAgent) != 1 || snap.ByAgent[0].Key != "builder" {
		t.Errorf("ByAgent = %+v, want one breakdown keyed builder", snap.ByAgent)
	}
}

func TestBuildHealthSnapshot_NoProviders(t *testing.T) {
	st := openTestStore(t)
	providers := provider.New(config.ProvidersConfig{})
	uptime := NewUptime(time.Now())

	snap, err := BuildHealthSnapshot(context.Background(), st, providers, uptime, time.Now())
	if err != nil {
		t.Fatalf("BuildHealthSnapshot() error: %v", err)
	}
	if snap.Status != HealthUnhealthy {
		t.Errorf("Status = %q, want unhealthy with zero providers", snap.Status)
	}
	if !snap.Memory.Connected {
		t.Error("Memory.Connected = false, want true for a freshly opened store")
	}
}

func TestBuildHealthSnapshot_OneProvider_Degraded(t *testing.T) {
	st := openTestStore(t)
	providers := provider.New(config.ProvidersConfig{"openai": {Type: "openai", APIKey: "sk-test"}})
	uptime := NewUptime(time.Now())

	snap, err := BuildHealthSnapshot(context.Background(), st, providers, uptime, time.Now())
	if err != nil {
		t.Fatalf("BuildHealthSnapshot() error: %v", err)
	}
	if snap.Status != HealthDegraded {
		t.Errorf("Status = %q, want degraded with exactly one provider", snap.Status)
	}
}

func TestBuildHealthSnapshot_TwoProviders_Healthy(t *testing.T) {
	st := openTestStore(t)
	providers := provider.New(config.ProvidersConfig{
		"openai":    {Type: "openai", APIKey: "sk-test"},
		"anthropic": {Type: "anthropic", APIKey: "sk-test2"},
	})
	uptime := NewUptime(time.Now())

	snap, err := BuildHealthSnapshot(context.Background(), st, providers, uptime, time.Now())
	if err != nil {
		t.Fatalf("BuildHealthSnapshot() error: %v", err)
	}
	if snap.Status != HealthHealthy {
		t.Errorf("Status = %q, want healthy with two providers", snap.Status)
	}
}

func TestUptime_TouchAndSince(t *testing.T) {
	start := time.Now()
	u := NewUptime(start)
	later := start.Add(5 * time.Second)
	u.Touch(later)

	elapsed, lastRequest := u.Since(start.Add(10 * time.Second))
	if elapsed < 9.9 || elapsed > 10.1 {
		t.Errorf("elapsed = %v, want ~10s", elapsed)
	}
	if lastRequest == nil || !lastRequest.Equal(later) {
		t.Errorf("lastRequest = %v, want %v", lastRequest, later)
	}
}
