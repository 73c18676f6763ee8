// Package app wires every component into a runnable instance: config
// loader, Conversation Store, Session Manager, Context Aggregator,
// Embedding Engine, LLM Connector, Compressor, Chain Runtime, and
// observability Metrics. Both the CLI and the HTTP entrypoint
// (cmd/ensemble) build their dependency graph through here so the wiring
// is defined once; the HTTP Server itself is built by cmd/ensemble serve.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ensemble-run/ensemble/internal/apperr"
	"github.com/ensemble-run/ensemble/internal/chain"
	"github.com/ensemble-run/ensemble/internal/compress"
	"github.com/ensemble-run/ensemble/internal/config"
	contextagg "github.com/ensemble-run/ensemble/internal/context"
	"github.com/ensemble-run/ensemble/internal/embedding"
	"github.com/ensemble-run/ensemble/internal/httpclient"
	"github.com/ensemble-run/ensemble/internal/llmconn"
	"github.com/ensemble-run/ensemble/internal/logging"
	"github.com/ensemble-run/ensemble/internal/observability"
	"github.com/ensemble-run/ensemble/internal/provider"
	"github.com/ensemble-run/ensemble/internal/session"
	"github.com/ensemble-run/ensemble/internal/store"
	"github.com/ensemble-run/ensemble/pkg/tokenizer"
)

// DefaultEmbeddingDim is the vector width used when no dimension is
// configured for the default HashModel.
const DefaultEmbeddingDim = 256

// App holds every wired component for the lifetime of a process.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Sessions  *session.Manager
	Providers *provider.Registry
	Connector *llmconn.Connector
	Metrics   *observability.Metrics
	Runtime   *chain.Runtime
	Logger    *slog.Logger
}

// Boot loads configuration from configPath, opens the store, and wires
// every downstream component. mockOverride, when non-nil, forces the LLM
// Connector's mock mode regardless of the LLM_MOCK environment variable
// (used by tests); pass nil in production code paths.
func Boot(ctx context.Context, configPath string, mockOverride *bool) (*App, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, apperr.ConfigError("%s", err.Error())
	}

	log, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, apperr.ConfigError("%s", err.Error())
	}

	st, err := store.Open(cfg.Database.Dialect, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("app: migrate store: %w", err)
	}

	sessions := session.New(st)
	counter, err := tokenizer.NewCounter("openai/gpt-4o")
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: build tokenizer: %w", err)
	}

	embEngine := embedding.New(func() (embedding.Model, error) {
		return embedding.NewHashModel(DefaultEmbeddingDim), nil
	}, log)
	aggregator := contextagg.New(st, counter, embEngine, log)

	providers := provider.New(cfg.Providers)
	connector := llmconn.New(providers, nil, httpclient.DefaultBackoff(), log, mockMode(mockOverride))

	callerFn := func(ctx context.Context, system, user string) (string, error) {
		resp, err := connector.Call(ctx, cfg.Compression.Model, nil, system, user, 0.1, 512, 1)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
	compressor := compress.New(cfg.Compression, callerFn, counter, log)

	metrics := observability.New()
	convLog := chain.NewConversationLog(cfg.Database.ConversationLogDir)

	rt := chain.New(cfg, st, sessions, aggregator, connector, compressor, embEngine, convLog, metrics, log)

	return &App{
		Config:    cfg,
		Store:     st,
		Sessions:  sessions,
		Providers: providers,
		Connector: connector,
		Metrics:   metrics,
		Runtime:   rt,
		Logger:    log,
	}, nil
}

// mockMode resolves the effective LLM_MOCK setting: an explicit override
// wins, otherwise the LLM_MOCK=1 environment variable (spec §6).
func mockMode(override *bool) bool {
	if override != nil {
		return *override
	}
	return os.Getenv("LLM_MOCK") == "1"
}

// Close releases the store's connection pool. Safe to call on a nil App.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
