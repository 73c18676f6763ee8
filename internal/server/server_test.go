package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ensemble-run/ensemble/internal/chain"
	"github.com/ensemble-run/ensemble/internal/compress"
	"github.com/ensemble-run/ensemble/internal/config"
	contextagg "github.com/ensemble-run/ensemble/internal/context"
	"github.com/ensemble-run/ensemble/internal/embedding"
	"github.com/ensemble-run/ensemble/internal/httpclient"
	"github.com/ensemble-run/ensemble/internal/llmconn"
	"github.com/ensemble-run/ensemble/internal/observability"
	"github.com/ensemble-run/ensemble/internal/provider"
	"github.com/ensemble-run/ensemble/internal/session"
	"github.com/ensemble-run/ensemble/internal/store"
	"github.com/ensemble-run/ensemble/pkg/tokenizer"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type noopEmbedModel struct{}

func (noopEmbedModel) Embed(ctx context.Context, text string) ([]float32, error) { return []float32{1}, nil }
func (noopEmbedModel) Dimension() int                                           { return 1 }

func testServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	cfg := &config.Config{
		Agents: []config.AgentConfig{
			{Name: "builder", Model: "mock/gpt", SystemPrompt: "build"},
			{Name: "closer", Model: "mock/gpt", SystemPrompt: "close"},
			{Name: "security", Model: "mock/gpt", SystemPrompt: "review security"},
		},
		Critics: config.CriticsConfig{
			Critics:         []config.CriticConfig{{Name: "security", Weight: 1, Keywords: []string{"auth"}}},
			MinCritics:      1,
			MaxCritics:      1,
			FallbackCritics: []string{"security"},
		},
		Providers: config.ProvidersConfig{"mock": {Type: "openai", APIKey: "sk-test"}},
		Compression: config.CompressionConfig{
			Model: "mock/gpt", TargetTokens: 500,
			StandardThresholdChars: 100000, MemoryThresholdChars: 100000, CloserThresholdChars: 100000,
		},
	}
	cfg.SetDefaults()

	sessions := session.New(st)
	counter, err := tokenizer.NewCounter("openai/gpt-4o")
	if err != nil {
		t.Fatalf("NewCounter() error: %v", err)
	}
	embEngine := embedding.New(func() (embedding.Model, error) { return noopEmbedModel{}, nil }, testLogger())
	aggregator := contextagg.New(st, counter, embEngine, testLogger())
	providers := provider.New(cfg.Providers)
	connector := llmconn.New(providers, nil, httpclient.DefaultBackoff(), testLogger(), true)
	callerFn := func(ctx context.Context, system, user string) (string, error) {
		resp, err := connector.Call(ctx, cfg.Compression.Model, nil, system, user, 0.1, 256, 0)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
	compressor := compress.New(cfg.Compression, callerFn, counter, testLogger())
	metrics := observability.New()

	rt := chain.New(cfg, st, sessions, aggregator, connector, compressor, embEngine, chain.NewConversationLog(""), metrics, testLogger())
	return New(rt, st, providers, metrics, testLogger())
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleAsk_Success(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/ask", map[string]string{"agent": "builder", "prompt": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result["agent"] != "builder" {
		t.Errorf("agent = %v, want builder", result["agent"])
	}
}

func TestHandleAsk_MissingFields(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/ask", map[string]string{"agent": "builder"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAsk_UnknownAgent(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/ask", map[string]string{"agent": "nonexistent", "prompt": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid_input", rec.Code)
	}
}

func TestHandleChain_Success(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/chain", map[string]string{"prompt": "build a widget"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var results []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(results) < 3 {
		t.Errorf("len(results) = %d, want at least 3", len(results))
	}
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if health["status"] != "degraded" {
		t.Errorf("status = %v, want degraded (one mock provider)", health["status"])
	}
}

func TestHandleMetrics(t *testing.T) {
	s := testServer(t)
	doRequest(t, s, http.MethodPost, "/chain", map[string]string{"prompt": "build a widget"})

	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMetricsProm(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/metrics/prom", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleLogsAndMemory(t *testing.T) {
	s := testServer(t)
	doRequest(t, s, http.MethodPost, "/ask", map[string]string{"agent": "builder", "prompt": "remember this fact"})

	rec := doRequest(t, s, http.MethodGet, "/logs?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var logs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}

	rec = doRequest(t, s, http.MethodGet, "/memory/search?q=remember", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	var found []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &found); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("len(found) = %d, want 1", len(found))
	}

	id := int64(found[0]["id"].(float64))
	idStr := strconv.FormatInt(id, 10)
	rec = doRequest(t, s, http.MethodDelete, "/memory/"+idStr, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}

	// Idempotent: deleting again is still a success.
	rec = doRequest(t, s, http.MethodDelete, "/memory/"+idStr, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("repeat delete status = %d, want 204", rec.Code)
	}
}
