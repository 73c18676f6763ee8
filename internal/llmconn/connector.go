// Package llmconn implements the LLM Connector (spec §4.1): a single
// call(model, system, user, temperature, max_tokens, retries) operation
// with provider-level fallback, retry with exponential backoff, and
// token/cost accounting.
package llmconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensemble-run/ensemble/internal/apperr"
	"github.com/ensemble-run/ensemble/internal/httpclient"
	"github.com/ensemble-run/ensemble/internal/logging"
	"github.com/ensemble-run/ensemble/internal/provider"
	"github.com/ensemble-run/ensemble/pkg/tokenizer"
)

// Response is the result of a successful Call (spec §4.1, §3 RunResult
// token/cost fields).
type Response struct {
	Provider         string
	ModelUsed        string
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationMs       float64
	EstimatedCostUSD float64
	FallbackUsed     bool
	// FallbackReason explains why the requested model was skipped, set
	// only when FallbackUsed is true.
	FallbackReason string
}

// ProviderResolver is the subset of provider.Registry the connector needs,
// accepted as an interface so tests can substitute a fake.
type ProviderResolver interface {
	Resolve(modelRef string) (providerID, modelName string, err error)
	Enabled(providerID string) bool
	DisabledReason(providerID string) string
}

var _ ProviderResolver = (*provider.Registry)(nil)

// Connector is the LLM Connector component.
type Connector struct {
	registry ProviderResolver
	// providers maps a provider id to the LLMProvider that serves it. In
	// LLM_MOCK mode every provider id resolves to MockProvider regardless
	// of this map's contents.
	providers map[string]LLMProvider
	backoff   httpclient.BackoffConfig
	log       *slog.Logger
	mock      bool
}

// New builds a Connector. providers maps a provider id (as registered in
// the Provider Registry) to the LLMProvider implementation that serves it.
func New(registry ProviderResolver, providers map[string]LLMProvider, backoff httpclient.BackoffConfig, log *slog.Logger, mock bool) *Connector {
	return &Connector{registry: registry, providers: providers, backoff: backoff, log: log, mock: mock}
}

// Call implements the LLM Connector contract. candidateFallbacks is the
// caller-supplied agent.fallback_models list; the connector performs no
// cross-agent knowledge of its own (spec §4.1 step 2).
func (c *Connector) Call(ctx context.Context, model string, candidateFallbacks []string, system, user string, temperature float64, maxTokens int, retries int) (*Response, error) {
	candidates := append([]string{model}, candidateFallbacks...)
	var reasons []apperr.AllProvidersFailedDetail

	for _, candidate := range candidates {
		providerID, modelName, err := c.registry.Resolve(candidate)
		if err != nil {
			reasons = append(reasons, apperr.AllProvidersFailedDetail{Model: candidate, Reason: "unresolvable: " + err.Error()})
			continue
		}

		if !c.registry.Enabled(providerID) {
			reason := c.registry.DisabledReason(providerID)
			reasons = append(reasons, apperr.AllProvidersFailedDetail{Model: candidate, Reason: reason})
			continue
		}

		resp, reason, ok := c.tryCandidate(ctx, providerID, modelName, candidate, system, user, temperature, maxTokens, retries)
		if !ok {
			reasons = append(reasons, apperr.AllProvidersFailedDetail{Model: candidate, Reason: reason})
			continue
		}
		resp.FallbackUsed = candidate != model
		if resp.FallbackUsed {
			resp.FallbackReason = fmt.Sprintf("%s: %s", model, firstReason(reasons))
			c.log.Warn("llm connector used fallback model", "requested", model, "used", candidate, "reason", resp.FallbackReason)
		}
		return resp, nil
	}

	return nil, apperr.AllProvidersFailed(reasons)
}

// tryCandidate invokes one candidate model with retry/backoff, returning
// ok=false with a reason string on any terminal failure for this
// candidate.
func (c *Connector) tryCandidate(ctx context.Context, providerID, modelName, fullModel, system, user string, temperature float64, maxTokens, retries int) (*Response, string, bool) {
	req := CompletionRequest{
		Model:       modelName,
		Messages:    []Message{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	impl := c.implFor(providerID)

	var lastReason string
	for attempt := 1; attempt <= retries+1; attempt++ {
		start := time.Now()
		result, err := impl.Complete(ctx, req)
		duration := time.Since(start)

		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				c.log.Warn("llm candidate auth failed", "model", fullModel, "error", logging.Scrub(err.Error()))
				return nil, "auth_failed", false
			}

			var retryable *httpclient.RetryableError
			if errors.As(err, &retryable) && attempt <= retries {
				delay := c.backoff.Delay(attempt)
				if retryable.RetryAfter > delay {
					delay = retryable.RetryAfter
				}
				c.log.Warn("llm candidate transient error, retrying", "model", fullModel, "attempt", attempt, "delay", delay)
				select {
				case <-ctx.Done():
					return nil, "cancelled", false
				case <-time.After(delay):
				}
				lastReason = "transient_error: " + logging.Scrub(err.Error())
				continue
			}

			lastReason = "error: " + logging.Scrub(err.Error())
			return nil, lastReason, false
		}

		if result.Text == "" {
			return nil, "empty_response", false
		}
		if result.FinishReason == "content_filter" || result.FinishReason == "safety" {
			return nil, "content_filtered", false
		}

		promptTokens := result.PromptTokens
		completionTokens := result.CompletionTokens
		if promptTokens == 0 && completionTokens == 0 {
			promptTokens = tokenizer.CountTokens(fullModel, system+"\n"+user)
			completionTokens = tokenizer.CountTokens(fullModel, result.Text)
		}

		resp := &Response{
			Provider:         providerID,
			ModelUsed:        fullModel,
			Text:             result.Text,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
			DurationMs:       float64(duration.Microseconds()) / 1000.0,
			EstimatedCostUSD: tokenizer.EstimateCost(fullModel, promptTokens, completionTokens),
		}
		return resp, "", true
	}

	return nil, lastReason, false
}

func (c *Connector) implFor(providerID string) LLMProvider {
	if c.mock {
		return MockProvider{}
	}
	if impl, ok := c.providers[providerID]; ok {
		return impl
	}
	return MockProvider{}
}

// FallbackReason returns a human-readable explanation, suitable for
// RunResult.fallback_reason, of why a fallback was necessary, from the
// reasons recorded against the requested model by a prior failed Call.
func FallbackReason(err error) string {
	reasons, ok := apperr.Reasons(err)
	if !ok || len(reasons) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %s", reasons[0].Model, reasons[0].Reason)
}

// firstReason returns the first recorded failure reason, for annotating
// why a successful call had to fall back past the requested model.
func firstReason(reasons []apperr.AllProvidersFailedDetail) string {
	if len(reasons) == 0 {
		return "unknown"
	}
	return reasons[0].Reason
}
