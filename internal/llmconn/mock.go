package llmconn

import (
	"context"
	"fmt"
)

// MockProvider implements LLMProvider with deterministic canned responses,
// activated by LLM_MOCK=1 (spec §6). It never fails and never needs
// credentials, so it is also useful in tests that exercise chain logic
// without a network dependency.
type MockProvider struct{}

func (MockProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	var userContent string
	for _, m := range req.Messages {
		if m.Role == "user" {
			userContent = m.Content
		}
	}
	text := fmt.Sprintf("[mock:%s] %s", req.Model, userContent)
	return CompletionResult{Text: text, FinishReason: "stop"}, nil
}
