// Package chain implements the Chain Runtime (spec §4.11): it orchestrates
// one full request — context injection, builder, critic fan-out,
// refinement, closer — and persists one ConversationRecord per LLM call.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ensemble-run/ensemble/internal/apperr"
	contextagg "github.com/ensemble-run/ensemble/internal/context"
	"github.com/ensemble-run/ensemble/internal/compress"
	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/critic"
	"github.com/ensemble-run/ensemble/internal/embedding"
	"github.com/ensemble-run/ensemble/internal/llmconn"
	"github.com/ensemble-run/ensemble/internal/observability"
	"github.com/ensemble-run/ensemble/internal/refine"
	"github.com/ensemble-run/ensemble/internal/runresult"
	"github.com/ensemble-run/ensemble/internal/session"
	"github.com/ensemble-run/ensemble/internal/store"
)

// defaultRetries bounds how many times the LLM Connector retries a
// transient failure for a single candidate model (spec §4.1).
const defaultRetries = 3

// builderAgentName and closerAgentName are the reserved agent names the
// Chain Runtime looks up in config.Config.Agents for the fixed stages of
// a chain (spec §2 components 1 and 12). Every other configured agent is
// a critic candidate, matched by name against critics.critics.
const (
	builderAgentName = "builder"
	closerAgentName  = "closer"
)

// Runtime is the Chain Runtime component.
type Runtime struct {
	cfg        *config.Config
	store      *store.Store
	sessions   *session.Manager
	aggregator *contextagg.Aggregator
	connector  *llmconn.Connector
	compressor *compress.Compressor
	embedding  *embedding.Engine
	convLog    *ConversationLog
	metrics    *observability.Metrics
	log        *slog.Logger
	retries    int
}

// New builds a Runtime from its already-constructed dependencies. metrics
// may be nil, in which case Prometheus recording is skipped.
func New(cfg *config.Config, st *store.Store, sessions *session.Manager, aggregator *contextagg.Aggregator, connector *llmconn.Connector, compressor *compress.Compressor, emb *embedding.Engine, convLog *ConversationLog, metrics *observability.Metrics, log *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		aggregator: aggregator,
		connector:  connector,
		compressor: compressor,
		embedding:  emb,
		convLog:    convLog,
		metrics:    metrics,
		log:        log,
		retries:    defaultRetries,
	}
}

func (r *Runtime) agentByName(name string) (*config.AgentConfig, bool) {
	for i := range r.cfg.Agents {
		if r.cfg.Agents[i].Name == name {
			return &r.cfg.Agents[i], true
		}
	}
	return nil, false
}

func (r *Runtime) criticWeight(name string) float64 {
	for _, c := range r.cfg.Critics.Critics {
		if c.Name == name {
			return c.Weight
		}
	}
	return 1
}

// resolveSession resolves/validates/persists a session id for this
// request (spec §4.11 step 1). A malformed caller-supplied id is
// surfaced; a persistence failure is logged and swallowed, continuing
// with a NULL session id (spec §7 policy).
func (r *Runtime) resolveSession(ctx context.Context, source session.Source, callerSuppliedID string) (string, error) {
	id, err := r.sessions.Resolve(ctx, source, callerSuppliedID)
	if err == nil {
		return id, nil
	}
	if apperr.Is(err, apperr.KindInvalidInput) {
		return "", err
	}
	r.log.Warn("session persistence failed, continuing without a session id", "error", err)
	return "", nil
}

// Ask implements the single-agent call contract behind POST /ask and the
// `ask` CLI command: one LLM call against a named agent, with that
// agent's configured dual-context retrieval applied if enabled.
func (r *Runtime) Ask(ctx context.Context, agentName, prompt string, source session.Source, callerSessionID, overrideModel string) (*runresult.RunResult, error) {
	agentCfg, ok := r.agentByName(agentName)
	if !ok {
		return nil, apperr.InvalidInput("no agent named %q is configured", agentName)
	}

	sessionID, err := r.resolveSession(ctx, source, callerSessionID)
	if err != nil {
		return nil, err
	}

	result, err := r.callAgent(ctx, *agentCfg, prompt, sessionID, overrideModel)
	if err != nil {
		return nil, apperr.StageFailed(agentName, err)
	}
	return &result, nil
}

// RunChain implements the full chain contract behind POST /chain and the
// `chain` CLI command (spec §4.11).
func (r *Runtime) RunChain(ctx context.Context, prompt string, source session.Source, callerSessionID, overrideModel string) ([]runresult.RunResult, error) {
	builderCfg, ok := r.agentByName(builderAgentName)
	if !ok {
		return nil, apperr.ConfigError("no agent named %q is configured", builderAgentName)
	}
	closerCfg, ok := r.agentByName(closerAgentName)
	if !ok {
		return nil, apperr.ConfigError("no agent named %q is configured", closerAgentName)
	}

	sessionID, err := r.resolveSession(ctx, source, callerSessionID)
	if err != nil {
		return nil, err
	}

	// Builder stage (spec §4.11 step 2).
	builderResult, err := r.callAgent(ctx, *builderCfg, prompt, sessionID, overrideModel)
	if err != nil {
		return nil, apperr.StageFailed("builder", err)
	}
	builderResult.Agent = "builder"
	results := []runresult.RunResult{builderResult}

	// Critic stage (spec §4.11 step 3).
	criticInput := r.compressor.Compress(ctx, builderResult.Response, compress.ClassStandard)
	initialSelection := critic.Select(r.cfg.Critics, prompt, criticInput)
	critic.LogSelection(r.log, initialSelection)

	merged, err := r.runCritics(ctx, initialSelection.Selected, prompt, criticInput, sessionID)
	if err != nil {
		return nil, err
	}
	results = append(results, merged)

	// Refinement loop (spec §4.11 step 4, §4.10).
	if r.cfg.Refinement.Enabled {
		pinnedSelection := initialSelection.Selected

		builderFn := func(ctx context.Context, refinementPrompt string) (runresult.RunResult, error) {
			res, err := r.callAgent(ctx, *builderCfg, refinementPrompt, sessionID, overrideModel)
			if err != nil {
				return runresult.RunResult{}, err
			}
			return res, nil
		}
		criticFn := func(ctx context.Context, originalPrompt, builderOutput string) (runresult.RunResult, error) {
			compressed := r.compressor.Compress(ctx, builderOutput, compress.ClassStandard)
			selected := pinnedSelection
			if r.cfg.Refinement.ReselectCritics {
				sel := critic.Select(r.cfg.Critics, originalPrompt, compressed)
				critic.LogSelection(r.log, sel)
				selected = sel.Selected
			}
			return r.runCritics(ctx, selected, originalPrompt, compressed, sessionID)
		}

		outcome, err := refine.Run(ctx, r.cfg.Refinement, prompt, merged.Response, builderFn, criticFn)
		if err != nil {
			return nil, apperr.StageFailed("refinement", err)
		}
		results = append(results, outcome.Results...)
		if r.metrics != nil {
			r.metrics.RecordRefinementIterations(outcome.Iterations)
		}
	}

	// Closer stage (spec §4.11 step 5).
	closerInput := r.composeCloserInput(ctx, prompt, results)
	closerResult, err := r.callAgent(ctx, *closerCfg, closerInput, sessionID, "")
	if err != nil {
		return nil, apperr.StageFailed("closer", err)
	}
	closerResult.Agent = "closer"
	results = append(results, closerResult)

	return results, nil
}

// runCritics fans out one LLM call per selected critic in parallel (spec
// §5: max workers = |selected_critics|), collecting results in selection
// order for deterministic consensus formatting. A critic with no matching
// agent configuration, or whose call fails, is dropped; the stage only
// fails when every selected critic failed.
func (r *Runtime) runCritics(ctx context.Context, selected []string, prompt, builderOutput, sessionID string) (runresult.RunResult, error) {
	outcomes := make([]*critic.CriticOutcome, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range selected {
		i, name := i, name
		g.Go(func() error {
			agentCfg, ok := r.agentByName(name)
			if !ok {
				r.log.Warn("critic has no matching agent configuration, dropping", "critic", name)
				return nil
			}
			userInput := fmt.Sprintf("Original prompt:\n%s\n\nBuilder output under review:\n%s", prompt, builderOutput)
			result, err := r.callAgent(gctx, *agentCfg, userInput, sessionID, "")
			if err != nil {
				r.log.Warn("critic call failed, dropping from consensus", "critic", name, "error", err)
				if r.metrics != nil {
					r.metrics.RecordCriticFailure(name)
				}
				return nil
			}
			result.Agent = name
			outcomes[i] = &critic.CriticOutcome{Name: name, Weight: r.criticWeight(name), Result: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runresult.RunResult{}, apperr.AllCriticsFailed(err)
	}

	succeeded := make([]critic.CriticOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o != nil {
			succeeded = append(succeeded, *o)
		}
	}
	if len(succeeded) == 0 {
		return runresult.RunResult{}, apperr.AllCriticsFailed(fmt.Errorf("no critic among %v produced a response", selected))
	}

	merged := critic.Merge(sessionID, succeeded)
	return merged, nil
}

// composeCloserInput builds the closer's input from the original prompt
// plus a labeled, compressed summary of every preceding stage result
// (spec §4.11 step 5).
func (r *Runtime) composeCloserInput(ctx context.Context, prompt string, results []runresult.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original prompt:\n%s\n\n", prompt)
	for _, res := range results {
		summary := r.compressor.Compress(ctx, res.Response, compress.ClassCloser)
		fmt.Fprintf(&b, "## %s\n%s\n\n", res.Agent, summary)
	}
	return b.String()
}

// callAgent runs one LLM call for agentCfg: optional dual-context
// injection, the LLM Connector call, best-effort persistence of the
// resulting ConversationRecord, and a best-effort session touch.
func (r *Runtime) callAgent(ctx context.Context, agentCfg config.AgentConfig, prompt, sessionID, overrideModel string) (runresult.RunResult, error) {
	system := agentCfg.SystemPrompt
	var injectedTokens, sessionTokens, knowledgeTokens int

	if agentCfg.MemoryEnabled {
		ctxResult, err := r.aggregator.Aggregate(ctx, prompt, sessionID, agentCfg.Name, agentCfg.Memory)
		if err != nil {
			r.log.Warn("context aggregation failed, continuing without injected context", "agent", agentCfg.Name, "error", err)
		} else if ctxResult.Text != "" {
			system = ctxResult.Text + "\n\n" + system
			injectedTokens = ctxResult.Telemetry.TotalTokens
			sessionTokens = ctxResult.Telemetry.SessionTokens
			knowledgeTokens = ctxResult.Telemetry.KnowledgeTokens
		}
	}

	model := agentCfg.Model
	if overrideModel != "" {
		model = overrideModel
	}

	resp, err := r.connector.Call(ctx, model, agentCfg.FallbackModels, system, prompt, agentCfg.Temperature, agentCfg.MaxTokens, r.retries)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordLLMCall(agentCfg.Name, model, "", false, 0, 0, 0, 0, false, model)
		}
		return runresult.RunResult{}, err
	}
	if r.metrics != nil {
		r.metrics.RecordLLMCall(agentCfg.Name, resp.ModelUsed, resp.Provider, true, resp.DurationMs, resp.PromptTokens, resp.CompletionTokens, resp.EstimatedCostUSD, resp.FallbackUsed, model)
	}

	result := runresult.RunResult{
		Agent:                  agentCfg.Name,
		Model:                  resp.ModelUsed,
		Provider:               resp.Provider,
		Response:               resp.Text,
		PromptTokens:           resp.PromptTokens,
		CompletionTokens:       resp.CompletionTokens,
		TotalTokens:            resp.TotalTokens,
		DurationMs:             resp.DurationMs,
		EstimatedCostUSD:       resp.EstimatedCostUSD,
		FallbackUsed:           resp.FallbackUsed,
		FallbackReason:         resp.FallbackReason,
		InjectedContextTokens:  injectedTokens,
		SessionContextTokens:   sessionTokens,
		KnowledgeContextTokens: knowledgeTokens,
		SessionID:              sessionID,
	}

	r.persist(ctx, &result, prompt)

	if sessionID != "" {
		if err := r.sessions.Touch(ctx, sessionID); err != nil {
			r.log.Warn("session touch failed after landed conversation", "session_id", sessionID, "error", err)
		}
	}

	return result, nil
}

// persist writes one ConversationRecord for a completed call (spec §4.11:
// "one ConversationRecord per LLM call"). Embedding generation and
// storage are both best-effort; failures are logged, never surfaced.
func (r *Runtime) persist(ctx context.Context, result *runresult.RunResult, prompt string) {
	var sessionIDPtr *string
	if result.SessionID != "" {
		sessionIDPtr = &result.SessionID
	}

	var blob []byte
	if vec := r.embedding.Embed(ctx, prompt); len(vec) > 0 {
		blob = embedding.Serialize(vec)
	}

	rec := &store.ConversationRecord{
		Agent:            result.Agent,
		Model:            result.Model,
		Provider:         result.Provider,
		Prompt:           prompt,
		Response:         result.Response,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		DurationMs:       result.DurationMs,
		EstimatedCostUSD: result.EstimatedCostUSD,
		FallbackUsed:     result.FallbackUsed,
		SessionID:        sessionIDPtr,
		Embedding:        blob,
	}

	id, err := r.store.InsertConversation(ctx, rec)
	if err != nil {
		r.log.Warn("failed to persist conversation record", "agent", result.Agent, "error", err)
		return
	}

	if r.convLog != nil {
		if err := r.convLog.Write(result.Agent, id, rec); err != nil {
			r.log.Warn("failed to write conversation log file", "agent", result.Agent, "error", err)
		}
	}
}
