package refine

import (
	"context"
	"fmt"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/runresult"
)

// Reason names a convergence outcome (spec §4.10).
const (
	ReasonSuccess       = "success"
	ReasonNoProgress    = "no_progress"
	ReasonMaxIterations = "max_iterations"
)

// BuilderFunc re-invokes the builder with a refinement prompt (original
// prompt + extracted critical issues + fix instruction).
type BuilderFunc func(ctx context.Context, refinementPrompt string) (runresult.RunResult, error)

// CriticFunc re-runs critic selection and consensus merging on a new
// builder output, returning the merged multi-critic RunResult.
type CriticFunc func(ctx context.Context, originalPrompt, builderOutput string) (runresult.RunResult, error)

// Outcome is the result of one refinement run.
type Outcome struct {
	Iterations int
	Reason     string // empty if S0 never transitioned (no issues in the initial review)
	Results    []runresult.RunResult
}

// Run drives the bounded builder/critic iteration state machine (spec
// §4.10). initialCriticReview is the consensus text from the chain's
// first (non-refinement) critic stage.
func Run(ctx context.Context, cfg config.RefinementConfig, originalPrompt, initialCriticReview string, builder BuilderFunc, runCritics CriticFunc) (*Outcome, error) {
	extractor, err := NewIssueExtractor(cfg)
	if err != nil {
		return nil, fmt.Errorf("refine: build issue extractor: %w", err)
	}

	issues := extractor.CountIssues(initialCriticReview)
	if issues == 0 {
		return &Outcome{}, nil
	}

	outcome := &Outcome{}
	prevIssues := issues

	for n := 1; ; n++ {
		refinementPrompt := buildRefinementPrompt(originalPrompt, initialCriticReview)

		builderResult, err := builder(ctx, refinementPrompt)
		if err != nil {
			return nil, fmt.Errorf("refine: iteration %d builder call: %w", n, err)
		}
		builderResult.Agent = fmt.Sprintf("builder-v%d", n+1)
		outcome.Results = append(outcome.Results, builderResult)

		criticResult, err := runCritics(ctx, originalPrompt, builderResult.Response)
		if err != nil {
			return nil, fmt.Errorf("refine: iteration %d critic call: %w", n, err)
		}
		criticResult.Agent = fmt.Sprintf("multi-critic-v%d", n+1)
		outcome.Results = append(outcome.Results, criticResult)

		outcome.Iterations = n
		currentIssues := extractor.CountIssues(criticResult.Response)

		switch {
		case currentIssues == 0:
			outcome.Reason = ReasonSuccess
			return outcome, nil
		case currentIssues >= prevIssues:
			outcome.Reason = ReasonNoProgress
			return outcome, nil
		case n >= cfg.MaxIterations:
			outcome.Reason = ReasonMaxIterations
			return outcome, nil
		default:
			prevIssues = currentIssues
			initialCriticReview = criticResult.Response
		}
	}
}

func buildRefinementPrompt(originalPrompt, criticalIssues string) string {
	return fmt.Sprintf("%s\n\nThe following issues were raised in review and must be fixed:\n%s\n\nProduce a corrected solution addressing every issue above.", originalPrompt, criticalIssues)
}
