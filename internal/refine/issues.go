// Package refine implements the Refinement Controller (spec §4.10): issue
// extraction from a critic review, and the bounded builder/critic
// iteration state machine.
package refine

import (
	"regexp"
	"strings"

	"github.com/ensemble-run/ensemble/internal/config"
)

// IssueExtractor counts "issues" in a review: a contiguous block
// containing a critical keyword (lowercased match) or matching one of the
// configured issue regex patterns (spec §4.10).
type IssueExtractor struct {
	criticalKeywords []string
	patterns         []*regexp.Regexp
}

// NewIssueExtractor compiles cfg's issue_patterns once.
func NewIssueExtractor(cfg config.RefinementConfig) (*IssueExtractor, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.IssuePatterns))
	for _, p := range cfg.IssuePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, re)
	}
	return &IssueExtractor{criticalKeywords: cfg.CriticalKeywords, patterns: patterns}, nil
}

// CountIssues counts the lines in review that either contain a critical
// keyword or match an issue pattern. Each qualifying line counts as one
// issue block.
func (e *IssueExtractor) CountIssues(review string) int {
	count := 0
	lower := strings.ToLower(review)
	for _, line := range strings.Split(lower, "\n") {
		if line == "" {
			continue
		}
		if e.lineHasCriticalKeyword(line) || e.lineMatchesPattern(line) {
			count++
		}
	}
	return count
}

func (e *IssueExtractor) lineHasCriticalKeyword(lowerLine string) bool {
	for _, kw := range e.criticalKeywords {
		if strings.Contains(lowerLine, kw) {
			return true
		}
	}
	return false
}

func (e *IssueExtractor) lineMatchesPattern(lowerLine string) bool {
	for _, p := range e.patterns {
		if p.MatchString(lowerLine) {
			return true
		}
	}
	return false
}
