// Package critic implements the Critic Selector (spec §4.8) and Consensus
// Merger (spec §4.9).
package critic

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/ensemble-run/ensemble/internal/config"
)

// Selection is the outcome of one selector run, including the structured
// log the spec requires (spec §4.8 step 5).
type Selection struct {
	Selected []string
	Scores   map[string]int
	Skipped  []string
}

// Select chooses the critic subset for (prompt, builderOutput) per spec
// §4.8.
func Select(cfg config.CriticsConfig, prompt, builderOutput string) Selection {
	if !cfg.DynamicSelection.Enabled {
		names := make([]string, len(cfg.Critics))
		for i, c := range cfg.Critics {
			names[i] = c.Name
		}
		return Selection{Selected: names, Scores: map[string]int{}}
	}

	haystack := strings.ToLower(prompt + " " + builderOutput)
	scores := make(map[string]int, len(cfg.Critics))
	configOrder := make(map[string]int, len(cfg.Critics))
	for i, c := range cfg.Critics {
		configOrder[c.Name] = i
		scores[c.Name] = scoreKeywords(haystack, c.Keywords)
	}

	var selected, skipped []string
	for _, c := range cfg.Critics {
		if scores[c.Name] > 0 {
			selected = append(selected, c.Name)
		} else {
			skipped = append(skipped, c.Name)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if scores[selected[i]] != scores[selected[j]] {
			return scores[selected[i]] > scores[selected[j]]
		}
		return configOrder[selected[i]] < configOrder[selected[j]]
	})

	if len(selected) < cfg.MinCritics {
		have := make(map[string]bool, len(selected))
		for _, s := range selected {
			have[s] = true
		}
		for _, fb := range cfg.FallbackCritics {
			if len(selected) >= cfg.MinCritics {
				break
			}
			if have[fb] {
				continue
			}
			selected = append(selected, fb)
			have[fb] = true
			for i, s := range skipped {
				if s == fb {
					skipped = append(skipped[:i], skipped[i+1:]...)
					break
				}
			}
		}
	}

	if len(selected) > cfg.MaxCritics {
		skipped = append(skipped, selected[cfg.MaxCritics:]...)
		selected = selected[:cfg.MaxCritics]
	}

	return Selection{Selected: selected, Scores: scores, Skipped: skipped}
}

func scoreKeywords(haystack string, keywords []string) int {
	score := 0
	for _, kw := range keywords {
		score += strings.Count(haystack, kw)
	}
	return score
}

// LogSelection emits the structured selection log required by spec §4.8
// step 5.
func LogSelection(log *slog.Logger, sel Selection) {
	log.Info("critic selection", "selected", sel.Selected, "scores", sel.Scores, "skipped", sel.Skipped)
}
