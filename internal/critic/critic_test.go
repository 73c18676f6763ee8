package critic

import (
	"testing"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/runresult"
)

func testCriticsConfig() config.CriticsConfig {
	return config.CriticsConfig{
		Critics: []config.CriticConfig{
			{Name: "security", Weight: 2.0, Keywords: []string{"jwt", "auth", "token"}},
			{Name: "performance", Weight: 1.0, Keywords: []string{"cache", "query"}},
			{Name: "quality", Weight: 1.0, Keywords: []string{"refactor", "design pattern"}},
		},
		MinCritics:       1,
		MaxCritics:       3,
		FallbackCritics:  []string{"quality"},
		DynamicSelection: config.DynamicSelectionConfig{Enabled: true},
	}
}

func TestSelect_DynamicSelectionDisabled_ReturnsAll(t *testing.T) {
	cfg := testCriticsConfig()
	cfg.DynamicSelection.Enabled = false
	sel := Select(cfg, "anything", "anything")
	if len(sel.Selected) != 3 {
		t.Errorf("Selected = %v, want all 3 critics", sel.Selected)
	}
}

func TestSelect_KeywordRelevance(t *testing.T) {
	cfg := testCriticsConfig()
	sel := Select(cfg, "Render a static HTML landing page", "plain HTML with no logic")
	for _, s := range sel.Selected {
		if s == "security" {
			t.Error("security critic should not be selected for a static HTML prompt")
		}
	}
}

func TestSelect_MinCriticsExtendsWithFallback(t *testing.T) {
	cfg := testCriticsConfig()
	cfg.MinCritics = 2
	sel := Select(cfg, "Render a static HTML landing page", "plain HTML with no logic")
	if len(sel.Selected) < cfg.MinCritics {
		t.Errorf("Selected = %v, want at least %d", sel.Selected, cfg.MinCritics)
	}
}

func TestSelect_MaxCriticsTruncates(t *testing.T) {
	cfg := testCriticsConfig()
	cfg.MaxCritics = 1
	sel := Select(cfg, "jwt auth token cache query refactor design pattern", "")
	if len(sel.Selected) > 1 {
		t.Errorf("Selected = %v, want at most 1", sel.Selected)
	}
}

func TestSelect_ScoreOrderingHighestFirst(t *testing.T) {
	cfg := testCriticsConfig()
	cfg.MaxCritics = 3
	sel := Select(cfg, "jwt jwt jwt auth cache", "")
	if len(sel.Selected) == 0 || sel.Selected[0] != "security" {
		t.Errorf("Selected = %v, want security first (highest score)", sel.Selected)
	}
}

func TestMerge_OrdersByWeightThenName(t *testing.T) {
	outcomes := []CriticOutcome{
		{Name: "quality", Weight: 1.0, Result: runresult.RunResult{Response: "quality review"}},
		{Name: "security", Weight: 2.0, Result: runresult.RunResult{Response: "security review"}},
		{Name: "performance", Weight: 1.0, Result: runresult.RunResult{Response: "performance review"}},
	}
	merged := Merge("sess-1", outcomes)
	if merged.Agent != "multi-critic" {
		t.Errorf("Agent = %q, want multi-critic", merged.Agent)
	}
	secIdx := indexOf(merged.Response, "security review")
	perfIdx := indexOf(merged.Response, "performance review")
	if secIdx < 0 || perfIdx < 0 || secIdx > perfIdx {
		t.Error("higher-weight critic section should appear first")
	}
}

func TestMerge_PriorityMarkerAboveThreshold(t *testing.T) {
	outcomes := []CriticOutcome{
		{Name: "security", Weight: 1.5, Result: runresult.RunResult{Response: "r"}},
		{Name: "quality", Weight: 1.0, Result: runresult.RunResult{Response: "r"}},
	}
	merged := Merge("", outcomes)
	if !containsAll(merged.Response, "[PRIORITY]", "### security") {
		t.Errorf("expected priority marker on weight>=1.5 critic, got %q", merged.Response)
	}
}

func TestMerge_AggregatesTokensAndCost(t *testing.T) {
	outcomes := []CriticOutcome{
		{Name: "a", Weight: 1, Result: runresult.RunResult{Response: "x", PromptTokens: 10, CompletionTokens: 5, EstimatedCostUSD: 0.01}},
		{Name: "b", Weight: 1, Result: runresult.RunResult{Response: "y", PromptTokens: 20, CompletionTokens: 10, EstimatedCostUSD: 0.02}},
	}
	merged := Merge("", outcomes)
	if merged.PromptTokens != 30 || merged.CompletionTokens != 15 {
		t.Errorf("token aggregation = %+v", merged)
	}
	if merged.TotalTokens != 45 {
		t.Errorf("TotalTokens = %d, want 45", merged.TotalTokens)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if indexOf(s, sub) < 0 {
			return false
		}
	}
	return true
}
