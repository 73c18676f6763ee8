package critic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/runresult"
)

// priorityWeightThreshold marks a critic section with a priority marker
// when its weight is at or above this value (spec §4.9).
const priorityWeightThreshold = 1.5

// CriticOutcome pairs one critic's RunResult with its registered weight.
type CriticOutcome struct {
	Name   string
	Weight float64
	Result runresult.RunResult
}

// Merge aggregates critic outcomes into a single textual review and a
// synthetic multi-critic RunResult (spec §4.9).
func Merge(sessionID string, outcomes []CriticOutcome) runresult.RunResult {
	sorted := make([]CriticOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].Name < sorted[j].Name
	})

	var b strings.Builder
	var totalPrompt, totalCompletion int
	var totalCost float64
	var responses []string

	for _, o := range sorted {
		header := fmt.Sprintf("### %s", o.Name)
		if o.Weight >= priorityWeightThreshold {
			header = "[PRIORITY] " + header
		}
		fmt.Fprintf(&b, "%s\n%s\n\n", header, o.Result.Response)

		totalPrompt += o.Result.PromptTokens
		totalCompletion += o.Result.CompletionTokens
		totalCost += o.Result.EstimatedCostUSD
		responses = append(responses, o.Result.Response)
	}

	avgTokens := 0
	if len(sorted) > 0 {
		avgTokens = (totalPrompt + totalCompletion) / len(sorted)
	}
	fmt.Fprintf(&b, "Summary: %d critics, %d avg tokens per critic\n", len(sorted), avgTokens)

	return runresult.RunResult{
		Agent:            "multi-critic",
		Response:         b.String(),
		PromptTokens:     totalPrompt,
		CompletionTokens: totalCompletion,
		TotalTokens:      totalPrompt + totalCompletion,
		EstimatedCostUSD: totalCost,
		SessionID:        sessionID,
	}
}

// FallbackCriticsOf returns a copy of the configured fallback critic list,
// in configured order.
func FallbackCriticsOf(cfg config.CriticsConfig) []string {
	return append([]string(nil), cfg.FallbackCritics...)
}
