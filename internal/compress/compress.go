// Package compress implements the Semantic Compressor (spec §4.7): it
// reduces a prior stage's output to a compact structured summary using a
// cheap/fast model, falling back to sentence-aware truncation on failure.
package compress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/pkg/tokenizer"
)

// Summary is the wire-stable structured compression output (spec §6:
// "exact names are a contract — downstream consumers rely on them").
type Summary struct {
	KeyDecisions  []string          `json:"key_decisions"`
	Rationale     map[string]string `json:"rationale"`
	TradeOffs     []string          `json:"trade_offs"`
	OpenQuestions []string          `json:"open_questions"`
	TechnicalSpecs map[string]string `json:"technical_specs"`
}

// Format renders a Summary back into plain text for use as the next
// stage's input.
func (s *Summary) Format() string {
	var b strings.Builder
	if len(s.KeyDecisions) > 0 {
		b.WriteString("Key decisions:\n")
		for _, d := range s.KeyDecisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(s.Rationale) > 0 {
		b.WriteString("Rationale:\n")
		for k, v := range s.Rationale {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if len(s.TradeOffs) > 0 {
		b.WriteString("Trade-offs:\n")
		for _, t := range s.TradeOffs {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	if len(s.OpenQuestions) > 0 {
		b.WriteString("Open questions:\n")
		for _, q := range s.OpenQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	if len(s.TechnicalSpecs) > 0 {
		b.WriteString("Technical specs:\n")
		for k, v := range s.TechnicalSpecs {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	return b.String()
}

// Class identifies which per-agent threshold applies (spec §4.7).
type Class string

const (
	ClassStandard Class = "standard"
	ClassMemory   Class = "memory"
	ClassCloser   Class = "closer"
)

// Caller invokes the compression model. Separated from llmconn.Connector
// so this package depends only on the narrow capability it needs.
type Caller func(ctx context.Context, system, user string) (string, error)

// Compressor is the Semantic Compressor component.
type Compressor struct {
	cfg    config.CompressionConfig
	call   Caller
	counter *tokenizer.Counter
	log    *slog.Logger
}

// New builds a Compressor. call should invoke the configured compression
// model at low temperature.
func New(cfg config.CompressionConfig, call Caller, counter *tokenizer.Counter, log *slog.Logger) *Compressor {
	return &Compressor{cfg: cfg, call: call, counter: counter, log: log}
}

func (c *Compressor) threshold(class Class) int {
	switch class {
	case ClassMemory:
		return c.cfg.MemoryThresholdChars
	case ClassCloser:
		return c.cfg.CloserThresholdChars
	default:
		return c.cfg.StandardThresholdChars
	}
}

// Triggered reports whether text reaches or exceeds the trigger threshold
// for class.
func (c *Compressor) Triggered(text string, class Class) bool {
	return len(text) >= c.threshold(class)
}

const compressionPromptTemplate = `Summarize the following content into a JSON object with exactly these fields: key_decisions (array of strings), rationale (object mapping string to string), trade_offs (array of strings), open_questions (array of strings), technical_specs (object mapping string to string). Output JSON only, no prose.

Content:
%s`

// Compress reduces text to a compact structured summary if it reaches or
// exceeds class's trigger threshold; otherwise text is returned unchanged. On
// compression model failure or non-JSON output, falls back to
// sentence-aware truncation (spec §4.7).
func (c *Compressor) Compress(ctx context.Context, text string, class Class) string {
	if !c.Triggered(text, class) {
		return text
	}

	prompt := fmt.Sprintf(compressionPromptTemplate, text)
	raw, err := c.call(ctx, "You produce structured compressions of prior work for downstream agents.", prompt)
	if err != nil {
		c.log.Warn("compression call failed, falling back to truncation", "error", err)
		return c.truncate(text)
	}

	summary, err := parseSummary(raw)
	if err != nil {
		c.log.Warn("compression output was not valid JSON, falling back to truncation", "error", err)
		return c.truncate(text)
	}
	return summary.Format()
}

func parseSummary(raw string) (*Summary, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var s Summary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("compress: parse summary JSON: %w", err)
	}
	return &s, nil
}

// truncate implements the provably-terminating fallback: keep whole
// sentences from the start until the remainder fits the target token
// count (spec §4.7, §9).
func (c *Compressor) truncate(text string) string {
	sentences := splitSentences(text)
	var b strings.Builder
	for _, s := range sentences {
		candidate := b.String() + s
		if b.Len() > 0 && c.counter.Count(candidate) > c.cfg.TargetTokens {
			break
		}
		b.WriteString(s)
	}
	if b.Len() == 0 && len(sentences) > 0 {
		// Even a single sentence exceeds the target: keep it anyway
		// rather than return nothing (truncation must terminate with
		// some usable output).
		b.WriteString(sentences[0])
	}
	return strings.TrimSpace(b.String())
}

// splitSentences splits on sentence-ending punctuation, keeping the
// delimiter attached to each sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences = append(sentences, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}
