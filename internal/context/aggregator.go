// Package contextagg implements the Context Aggregator (spec §4.6): the
// dual-context model combining a recent-turn session slice with a
// semantically ranked knowledge slice under a priority-capped token
// budget.
package contextagg

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/embedding"
	"github.com/ensemble-run/ensemble/internal/store"
	"github.com/ensemble-run/ensemble/pkg/tokenizer"
)

// candidatePoolSize bounds the knowledge candidate pool fetched per
// aggregation (spec §4.6: "a bounded candidate pool (e.g. 50)").
const candidatePoolSize = 50

// knowledgeTruncateChars caps a candidate response before token counting
// and formatting, so one long record cannot consume the whole budget
// (spec §4.6).
const knowledgeTruncateChars = 300

// Telemetry reports the token/message accounting for one aggregation call
// (spec §4.6).
type Telemetry struct {
	SessionTokens     int
	KnowledgeTokens   int
	TotalTokens       int
	SessionMessages   int
	KnowledgeMessages int
}

// Result is the formatted context block plus its telemetry.
type Result struct {
	Text      string
	Telemetry Telemetry
}

// Aggregator is the Context Aggregator component.
type Aggregator struct {
	store     *store.Store
	counter   *tokenizer.Counter
	embedding *embedding.Engine
	log       *slog.Logger
}

// New builds an Aggregator.
func New(s *store.Store, counter *tokenizer.Counter, emb *embedding.Engine, log *slog.Logger) *Aggregator {
	return &Aggregator{store: s, counter: counter, embedding: emb, log: log}
}

// Aggregate runs the full dual-context algorithm for one builder/critic
// call (spec §4.6).
func (a *Aggregator) Aggregate(ctx context.Context, prompt, sessionID, agentName string, mem config.MemoryConfig) (*Result, error) {
	budget := mem.MaxContextTokens

	sessionLines, sessionTokens, sessionMessages, err := a.sessionSlice(ctx, sessionID, mem, budget)
	if err != nil {
		return nil, fmt.Errorf("contextagg: session slice: %w", err)
	}

	knowledgeLines, knowledgeTokens, knowledgeMessages, err := a.knowledgeSlice(ctx, prompt, sessionID, agentName, mem, budget, sessionTokens)
	if err != nil {
		return nil, fmt.Errorf("contextagg: knowledge slice: %w", err)
	}

	if len(sessionLines) == 0 && len(knowledgeLines) == 0 {
		return &Result{}, nil
	}

	var b strings.Builder
	if len(sessionLines) > 0 {
		b.WriteString("## Session Context\n")
		for _, l := range sessionLines {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	if len(knowledgeLines) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Knowledge Context\n")
		for _, l := range knowledgeLines {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}

	return &Result{
		Text: b.String(),
		Telemetry: Telemetry{
			SessionTokens:     sessionTokens,
			KnowledgeTokens:   knowledgeTokens,
			TotalTokens:       sessionTokens + knowledgeTokens,
			SessionMessages:   sessionMessages,
			KnowledgeMessages: knowledgeMessages,
		},
	}, nil
}

func (a *Aggregator) sessionSlice(ctx context.Context, sessionID string, mem config.MemoryConfig, budget int) ([]string, int, int, error) {
	if sessionID == "" {
		return nil, 0, 0, nil
	}
	recs, err := a.store.GetRecentBySession(ctx, sessionID, mem.SessionLimit)
	if err != nil {
		return nil, 0, 0, err
	}

	sessionCap := int(math.Floor(0.75 * float64(budget)))

	type turn struct {
		line   string
		tokens int
	}
	turns := make([]turn, 0, len(recs))
	total := 0
	for _, r := range recs {
		line := fmt.Sprintf("User: %s\nAssistant: %s", r.Prompt, r.Response)
		tks := a.counter.Count(line)
		turns = append(turns, turn{line: line, tokens: tks})
		total += tks
	}

	// Trim from the front (oldest first) until the slice fits the cap.
	start := 0
	for total > sessionCap && start < len(turns) {
		total -= turns[start].tokens
		start++
	}
	turns = turns[start:]

	lines := make([]string, 0, len(turns))
	kept := 0
	for _, t := range turns {
		lines = append(lines, t.line)
		kept += t.tokens
	}
	return lines, kept, len(lines), nil
}

type scoredCandidate struct {
	rec   *store.ConversationRecord
	score float64
}

func (a *Aggregator) knowledgeSlice(ctx context.Context, prompt, sessionID, agentName string, mem config.MemoryConfig, budget, sessionTokens int) ([]string, int, int, error) {
	pool, err := a.store.QueryCandidatesAcrossAgents(ctx, sessionID, candidatePoolSize)
	if err != nil {
		return nil, 0, 0, err
	}
	if mem.ExcludeSameAgent {
		filtered := pool[:0:0]
		for _, c := range pool {
			if c.Agent != agentName {
				filtered = append(filtered, c)
			}
		}
		pool = filtered
	}
	if len(pool) == 0 {
		return nil, 0, 0, nil
	}

	now := time.Now().UTC()
	promptKeywords := keywordSet(prompt)
	var promptEmbedding []float32
	needsSemantic := mem.Strategy == config.MemorySemantic || mem.Strategy == config.MemoryHybrid
	if needsSemantic {
		promptEmbedding = a.embedding.Embed(ctx, prompt)
	}

	scored := make([]scoredCandidate, 0, len(pool))
	for _, c := range pool {
		ageHours := now.Sub(c.Timestamp).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		decay := math.Exp(-ageHours / mem.TimeDecayHours)

		var semanticScore, keywordScore float64
		if needsSemantic {
			candEmbedding := c.Embedding
			vec, decErr := embedding.Deserialize(candEmbedding)
			if decErr != nil || len(candEmbedding) == 0 {
				vec = a.embedding.Embed(ctx, c.Prompt)
				if len(vec) > 0 {
					blob := embedding.Serialize(vec)
					if updErr := a.store.UpdateEmbedding(ctx, c.ID, blob); updErr != nil {
						a.log.Warn("failed to backfill embedding", "id", c.ID, "error", updErr)
					}
				}
			}
			semanticScore = embedding.Cosine(promptEmbedding, vec) * decay
		}
		if mem.Strategy == config.MemoryKeywords || mem.Strategy == config.MemoryHybrid {
			keywordScore = keywordOverlap(promptKeywords, c.Prompt) * decay
		}

		var score float64
		switch mem.Strategy {
		case config.MemorySemantic:
			score = semanticScore
		case config.MemoryKeywords:
			score = keywordScore
		default: // hybrid
			score = 0.7*semanticScore + 0.3*keywordScore
		}
		scored = append(scored, scoredCandidate{rec: c, score: score})
	}

	qualified := make([]scoredCandidate, 0, len(scored))
	for _, sc := range scored {
		if sc.score >= mem.MinRelevance {
			qualified = append(qualified, sc)
		}
	}

	fallback := false
	if len(qualified) == 0 {
		// Fall back to the single most recent candidate across the pool
		// with a minimal sentinel score (spec §4.6, §8).
		mostRecent := scored[0]
		for _, sc := range scored {
			if sc.rec.Timestamp.After(mostRecent.rec.Timestamp) {
				mostRecent = sc
			}
		}
		qualified = []scoredCandidate{{rec: mostRecent.rec, score: 0}}
		fallback = true
		a.log.Warn("knowledge slice empty after filtering, falling back to most recent candidate", "id", mostRecent.rec.ID)
	}

	sort.SliceStable(qualified, func(i, j int) bool {
		if qualified[i].score != qualified[j].score {
			return qualified[i].score > qualified[j].score
		}
		if !qualified[i].rec.Timestamp.Equal(qualified[j].rec.Timestamp) {
			return qualified[i].rec.Timestamp.After(qualified[j].rec.Timestamp)
		}
		return qualified[i].rec.ID > qualified[j].rec.ID
	})

	lines := make([]string, 0, len(qualified))
	knowledgeTokens := 0
	count := 0
	for _, sc := range qualified {
		response := sc.rec.Response
		if len(response) > knowledgeTruncateChars {
			response = response[:knowledgeTruncateChars]
		}
		line := fmt.Sprintf("[%s] %s -> %s", sc.rec.Agent, sc.rec.Prompt, response)
		tks := a.counter.Count(line)
		if sessionTokens+knowledgeTokens+tks > budget {
			if fallback && count == 0 {
				// The sentinel fallback entry is always included even if
				// it alone would exceed the budget, so a reader always
				// has something (spec §8: the fallback path is always
				// observable).
			} else {
				break
			}
		}
		lines = append(lines, line)
		knowledgeTokens += tks
		count++
	}

	return lines, knowledgeTokens, len(lines), nil
}

func keywordSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func keywordOverlap(promptKeywords map[string]bool, candidateText string) float64 {
	if len(promptKeywords) == 0 {
		return 0
	}
	candidateKeywords := keywordSet(candidateText)
	overlap := 0
	for k := range promptKeywords {
		if candidateKeywords[k] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(promptKeywords))
}
