package llmconn

import "context"

// Message is one chat turn in a completion request.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is the external LLM provider contract (spec §1,
// out of scope: "a remote LLM provider exposing chat-completion on a
// (model, messages, temperature, max_tokens) contract").
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// CompletionResult is a successful provider response. PromptTokens and
// CompletionTokens are the provider's own usage accounting when
// available; the Connector falls back to the Tokenizer & Cost Table
// component when a provider reports zero for both.
type CompletionResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	// FinishReason is "stop" on a normal completion, or "content_filter" /
	// "safety" when the provider suppressed output (spec §4.1).
	FinishReason string
}

// LLMProvider is the external collaborator each configured provider
// resolves to. Implementations live outside this module; the connector
// only depends on this interface.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// AuthError signals that a provider rejected the request's credentials.
// The connector treats this distinctly from a transient/retryable error:
// it records reason "auth_failed" and moves to the next fallback
// candidate without retrying the same one.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }
