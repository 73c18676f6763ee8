// Command ensemble is the CLI and HTTP entrypoint for the orchestration
// engine (spec §6): ask/chain/logs/memory subcommands, plus serve to run
// the HTTP surface. Grounded on the teacher's kong-based cmd pattern.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"

	"github.com/ensemble-run/ensemble/internal/app"
	"github.com/ensemble-run/ensemble/internal/apperr"
	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/server"
	"github.com/ensemble-run/ensemble/internal/session"
)

// exit codes (spec §6): 0 success, 2 invalid arguments, 3 config error,
// 4 all providers failed, 5 store error.
const (
	exitOK            = 0
	exitInvalidArgs   = 2
	exitConfigError   = 3
	exitProvidersDown = 4
	exitStoreError    = 5
)

type cli struct {
	Config string `help:"Path to the YAML configuration file." default:"ensemble.yaml" short:"c"`

	Ask       askCmd       `cmd:"" help:"Run a single agent against a prompt."`
	Chain     chainCmd     `cmd:"" help:"Run the full builder/critic/closer chain."`
	Logs      logsCmd      `cmd:"" help:"Show the most recent persisted conversations."`
	Last      lastCmd      `cmd:"" help:"Show the single most recent conversation."`
	LastChain lastChainCmd `cmd:"" name:"last-chain" help:"Show the conversations (oldest first, up to 100) of the session the most recent conversation belongs to; earlier runs in that session are included."`
	Memory    memoryCmd    `cmd:"" help:"Query and manage persisted conversation memory."`
	Serve     serveCmd     `cmd:"" help:"Run the HTTP server."`
	Schema    schemaCmd    `cmd:"" help:"Print the configuration file's JSON schema."`
}

func main() {
	// Best-effort: a missing .env is normal in production, where
	// credentials come from the real environment.
	_ = godotenv.Load()

	var c cli
	parseCtx := kong.Parse(&c,
		kong.Name("ensemble"),
		kong.Description("Multi-agent LLM orchestration engine."),
		kong.Exit(func(code int) {
			if code != 0 {
				os.Exit(exitInvalidArgs)
			}
			os.Exit(exitOK)
		}),
	)

	err := parseCtx.Run(&c)
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps a returned error to the spec §6 exit code taxonomy.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "ensemble:", err)

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return exitInvalidArgs
	}
	switch appErr.Kind {
	case apperr.KindInvalidInput:
		return exitInvalidArgs
	case apperr.KindConfigError:
		return exitConfigError
	case apperr.KindAllProvidersFailed, apperr.KindAllCriticsFailed:
		return exitProvidersDown
	case apperr.KindStoreError:
		return exitStoreError
	case apperr.KindStageFailed:
		var cause *apperr.Error
		if errors.As(appErr.Cause, &cause) {
			return exitCodeFor(cause)
		}
		return exitInvalidArgs
	default:
		return exitInvalidArgs
	}
}

// boot is the shared one-shot bootstrap path for every non-serve command:
// it opens the store for the duration of the command and closes it on
// return.
func boot(configPath string) (*app.App, func(), error) {
	a, err := app.Boot(context.Background(), configPath, nil)
	if err != nil {
		return nil, func() {}, err
	}
	return a, func() { a.Close() }, nil
}

func printResult(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

type askCmd struct {
	Agent     string `arg:"" help:"Name of the configured agent to call."`
	Prompt    string `arg:"" help:"Prompt text."`
	SessionID string `help:"Reuse or seed an explicit session id." name:"session"`
}

func (c *askCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	sessionID, err := cliSessionID(a, c.SessionID)
	if err != nil {
		return err
	}

	result, err := a.Runtime.Ask(context.Background(), c.Agent, c.Prompt, session.SourceCLI, sessionID, "")
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

type chainCmd struct {
	Prompt    string `arg:"" help:"Prompt text."`
	SessionID string `help:"Reuse or seed an explicit session id." name:"session"`
}

func (c *chainCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	sessionID, err := cliSessionID(a, c.SessionID)
	if err != nil {
		return err
	}

	results, err := a.Runtime.RunChain(context.Background(), c.Prompt, session.SourceCLI, sessionID, "")
	if err != nil {
		return err
	}
	printResult(results)
	return nil
}

// cliSessionID applies the CLI reuse rule (spec §4.5) unless the caller
// passed an explicit session id.
func cliSessionID(a *app.App, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	id, err := a.Sessions.GetOrCreateCLI(context.Background(), os.Getpid())
	if err != nil {
		a.Logger.Warn("cli session persistence failed; continuing without a session id", "error", err)
		return "", nil // session persistence is best-effort; continue without one (spec §7)
	}
	return id, nil
}

type logsCmd struct {
	Limit int `arg:"" optional:"" default:"20" help:"Number of records to show."`
}

func (c *logsCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := a.Store.Recent(context.Background(), "", c.Limit)
	if err != nil {
		return err
	}
	printResult(recs)
	return nil
}

type lastCmd struct{}

func (c *lastCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := a.Store.Recent(context.Background(), "", 1)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no conversations recorded yet")
		return nil
	}
	printResult(recs[0])
	return nil
}

type lastChainCmd struct{}

func (c *lastChainCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := a.Store.Recent(context.Background(), "", 1)
	if err != nil {
		return err
	}
	if len(recs) == 0 || recs[0].SessionID == nil {
		fmt.Println("no chain run recorded yet")
		return nil
	}

	chainRecs, err := a.Store.GetRecentBySession(context.Background(), *recs[0].SessionID, 100)
	if err != nil {
		return err
	}
	printResult(chainRecs)
	return nil
}

type memoryCmd struct {
	Search  memorySearchCmd  `cmd:"" help:"Substring search over persisted prompts/responses."`
	Recent  memoryRecentCmd  `cmd:"" help:"Most recent persisted conversations."`
	Stats   memoryStatsCmd   `cmd:"" help:"Totals and per-agent/per-model breakdowns over the last 24h."`
	Delete  memoryDeleteCmd  `cmd:"" help:"Delete a conversation by id."`
	Cleanup memoryCleanupCmd `cmd:"" help:"Delete conversations orphaned by pruned sessions."`
	Export  memoryExportCmd  `cmd:"" help:"Export recent conversations as newline-delimited JSON, one record per line."`
}

type memorySearchCmd struct {
	Query string `arg:"" help:"Substring to search for in prompt or response."`
	Agent string `help:"Restrict to one agent."`
	Limit int    `default:"50"`
}

func (c *memorySearchCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := a.Store.Search(context.Background(), c.Query, c.Agent, c.Limit)
	if err != nil {
		return err
	}
	printResult(recs)
	return nil
}

type memoryRecentCmd struct {
	Agent string `help:"Restrict to one agent."`
	Limit int    `default:"50"`
}

func (c *memoryRecentCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := a.Store.Recent(context.Background(), c.Agent, c.Limit)
	if err != nil {
		return err
	}
	printResult(recs)
	return nil
}

type memoryStatsCmd struct{}

func (c *memoryStatsCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	total, err := a.Store.CountConversations(context.Background())
	if err != nil {
		return err
	}
	overall, byAgent, byModel, err := a.Store.Stats24h(context.Background())
	if err != nil {
		return err
	}
	printResult(map[string]any{
		"total_conversations": total,
		"last_24h":            overall,
		"by_agent":            byAgent,
		"by_model":            byModel,
	})
	return nil
}

type memoryDeleteCmd struct {
	ID int64 `arg:"" help:"Conversation id to delete."`
}

func (c *memoryDeleteCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := a.Store.Delete(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Printf("deleted conversation %d\n", c.ID)
	return nil
}

type memoryCleanupCmd struct {
	OlderThan time.Duration `default:"720h" help:"Delete conversations older than this, orphaned by a pruned session."`
}

func (c *memoryCleanupCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := a.Store.Cleanup(context.Background(), time.Now().UTC().Add(-c.OlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d orphaned conversation(s)\n", n)
	return nil
}

type memoryExportCmd struct {
	Limit int `default:"1000"`
}

// Run writes one JSON object per line (credentials never enter a
// ConversationRecord in the first place; see logging.Scrub for the
// conversation log file's separate scrubbing pass).
func (c *memoryExportCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := a.Store.Recent(context.Background(), "", c.Limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("export: encode record %d: %w", rec.ID, err)
		}
	}
	return nil
}

type serveCmd struct{}

func (c *serveCmd) Run(root *cli) error {
	a, closeFn, err := boot(root.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	srv := server.New(a.Runtime, a.Store, a.Providers, a.Metrics, a.Logger)
	addr := a.Config.Server.Addr()
	a.Logger.Info("listening", "addr", addr)
	httpSrv := &http.Server{Addr: addr, Handler: srv}
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

type schemaCmd struct{}

func (c *schemaCmd) Run(root *cli) error {
	reflector := &jsonschema.Reflector{}
	schema := reflector.Reflect(&config.Config{})
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
