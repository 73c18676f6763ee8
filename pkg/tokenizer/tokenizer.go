// Package tokenizer provides deterministic subword token counting and a
// static per-model USD cost table, shared by every component that needs to
// enforce or report a token budget.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a specific model's encoding.
//
// Counter is safe for concurrent use; encodings are cached process-wide so
// repeated construction for the same model is cheap.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// Message is a role/content pair, used for chat-format token accounting.
type Message struct {
	Role    string
	Content string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter returns a Counter for model, falling back to the cl100k_base
// encoding when the model is unknown to tiktoken. The fallback only affects
// which BPE table is used for counting — it is still an exact encode, never
// a character-length heuristic.
func NewCounter(model string) (*Counter, error) {
	encodingName := encodingForModel(model)

	cacheMu.RLock()
	enc, ok := encodingCache[encodingName]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: enc, model: model}, nil
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load encoding %q: %w", encodingName, err)
	}

	cacheMu.Lock()
	encodingCache[encodingName] = enc
	cacheMu.Unlock()

	return &Counter{encoding: enc, model: model}, nil
}

// Count returns the exact subword token count for text. This is the
// function budget math must use — never EstimateTokens.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens for a chat-style message list, including the
// per-message role/format overhead OpenAI's chat format imposes.
func (c *Counter) CountMessages(messages []Message) int {
	const tokensPerMessage = 3 // <|start|>role|message<|end|>
	total := 3                 // reply is primed with <|start|>assistant<|message|>
	for _, m := range messages {
		total += tokensPerMessage
		total += len(c.encoding.Encode(m.Role, nil, nil))
		total += len(c.encoding.Encode(m.Content, nil, nil))
	}
	return total
}

// Model returns the model name this Counter was constructed for.
func (c *Counter) Model() string { return c.model }

// defaultCounter is the process-wide counter used by the package-level
// CountTokens helper; most callers don't need a model-specific encoding and
// cl100k_base is a faithful approximation across providers (as
// encodingForModel falls back to it for anything it doesn't recognize).
var (
	defaultCounterOnce sync.Once
	defaultCounter     *Counter
)

func getDefaultCounter() *Counter {
	defaultCounterOnce.Do(func() {
		c, err := NewCounter("cl100k_base")
		if err != nil {
			panic(fmt.Sprintf("tokenizer: failed to initialize default encoding: %v", err))
		}
		defaultCounter = c
	})
	return defaultCounter
}

// CountTokens returns the exact token count for text under model's
// encoding. Budget enforcement throughout this module calls this function,
// never EstimateTokens.
func CountTokens(model, text string) int {
	c, err := NewCounter(model)
	if err != nil {
		return getDefaultCounter().Count(text)
	}
	return c.Count(text)
}

// EstimateTokens is a character-length heuristic (~4 chars/token). It exists
// only as a last-resort display estimate when no model is known yet — it
// must never be used for budget enforcement.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// encodingForModel maps a "provider/model" or bare model name to a tiktoken
// encoding name, defaulting to cl100k_base for anything unrecognized.
func encodingForModel(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	exact := map[string]string{
		"gpt-4o":        "o200k_base",
		"gpt-4o-mini":   "o200k_base",
		"gpt-4":         "cl100k_base",
		"gpt-4-turbo":   "cl100k_base",
		"gpt-3.5-turbo": "cl100k_base",
	}
	if enc, ok := exact[model]; ok {
		return enc
	}

	for prefix, enc := range exact {
		if strings.HasPrefix(model, prefix) {
			return enc
		}
	}
	return "cl100k_base"
}
