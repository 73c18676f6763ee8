// Package config holds the resolved configuration schema for the
// orchestration engine: agents, critics, refinement, compression, and the
// ambient services (logger, server, database). Loading YAML/env is a
// thin adapter (Loader in config.go); this file is the schema the rest of the
// engine depends on.
package config

import (
	"fmt"
	"regexp"
)

// MemoryStrategy selects how the Context Aggregator scores knowledge
// candidates (spec §4.6).
type MemoryStrategy string

const (
	MemorySemantic MemoryStrategy = "semantic"
	MemoryHybrid   MemoryStrategy = "hybrid"
	MemoryKeywords MemoryStrategy = "keywords"
)

// MemoryConfig configures one agent's dual-context retrieval (spec §3).
type MemoryConfig struct {
	Strategy        MemoryStrategy `yaml:"strategy,omitempty" jsonschema:"enum=semantic,enum=hybrid,enum=keywords,default=hybrid"`
	SessionLimit    int            `yaml:"session_limit,omitempty" jsonschema:"minimum=0,default=10"`
	MinRelevance    float64        `yaml:"min_relevance,omitempty" jsonschema:"minimum=0,maximum=1,default=0.3"`
	TimeDecayHours  float64        `yaml:"time_decay_hours,omitempty" jsonschema:"minimum=0.001,default=168"`
	MaxContextTokens int           `yaml:"max_context_tokens,omitempty" jsonschema:"minimum=1,default=2000"`
	// ExcludeSameAgent additionally excludes same-agent candidates from the
	// knowledge slice, not just same-session (SPEC_FULL open question #1).
	ExcludeSameAgent bool `yaml:"exclude_same_agent,omitempty" jsonschema:"default=true"`
}

// SetDefaults applies default values to MemoryConfig.
func (c *MemoryConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = MemoryHybrid
	}
	if c.SessionLimit == 0 {
		c.SessionLimit = 10
	}
	if c.TimeDecayHours == 0 {
		c.TimeDecayHours = 168
	}
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 2000
	}
}

// Validate checks MemoryConfig invariants.
func (c *MemoryConfig) Validate() error {
	switch c.Strategy {
	case MemorySemantic, MemoryHybrid, MemoryKeywords:
	default:
		return fmt.Errorf("memory: invalid strategy %q", c.Strategy)
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("memory: min_relevance must be in [0,1], got %v", c.MinRelevance)
	}
	if c.TimeDecayHours <= 0 {
		return fmt.Errorf("memory: time_decay_hours must be > 0, got %v", c.TimeDecayHours)
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("memory: max_context_tokens must be > 0, got %v", c.MaxContextTokens)
	}
	return nil
}

// AgentConfig is one named agent role (spec §3).
type AgentConfig struct {
	Name           string       `yaml:"name" jsonschema:"required"`
	Model          string       `yaml:"model" jsonschema:"required,description=provider/model identifier"`
	SystemPrompt   string       `yaml:"system_prompt,omitempty"`
	Temperature    float64      `yaml:"temperature,omitempty" jsonschema:"minimum=0,default=0.7"`
	MaxTokens      int          `yaml:"max_tokens,omitempty" jsonschema:"minimum=1,default=4096"`
	FallbackModels []string     `yaml:"fallback_models,omitempty"`
	MemoryEnabled  bool         `yaml:"memory_enabled,omitempty"`
	Memory         MemoryConfig `yaml:"memory,omitempty"`
}

// SetDefaults applies default values to AgentConfig.
func (c *AgentConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.MemoryEnabled {
		c.Memory.SetDefaults()
	}
}

var modelRefPattern = regexp.MustCompile(`^[a-z0-9_-]+/[A-Za-z0-9_.:-]+$`)

// Validate checks AgentConfig invariants, including that Model and every
// fallback are syntactically valid "provider/model" references.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent: name is required")
	}
	if !modelRefPattern.MatchString(c.Model) {
		return fmt.Errorf("agent %q: model %q is not a valid provider/model reference", c.Name, c.Model)
	}
	for _, fb := range c.FallbackModels {
		if !modelRefPattern.MatchString(fb) {
			return fmt.Errorf("agent %q: fallback model %q is not a valid provider/model reference", c.Name, fb)
		}
	}
	if c.Temperature < 0 {
		return fmt.Errorf("agent %q: temperature must be >= 0", c.Name)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("agent %q: max_tokens must be > 0", c.Name)
	}
	if c.MemoryEnabled {
		if err := c.Memory.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", c.Name, err)
		}
	}
	return nil
}

// CriticConfig is a critic's registration (spec §3): weight and the
// keywords that make it eligible for dynamic selection.
type CriticConfig struct {
	Name     string   `yaml:"name" jsonschema:"required"`
	Weight   float64  `yaml:"weight,omitempty" jsonschema:"minimum=0,exclusiveMinimum=true,default=1"`
	Keywords []string `yaml:"keywords,omitempty"`
}

// SetDefaults applies default values to CriticConfig.
func (c *CriticConfig) SetDefaults() {
	if c.Weight == 0 {
		c.Weight = 1
	}
	for i, kw := range c.Keywords {
		c.Keywords[i] = toLower(kw)
	}
}

// Validate checks CriticConfig invariants.
func (c *CriticConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("critic: name is required")
	}
	if c.Weight <= 0 {
		return fmt.Errorf("critic %q: weight must be > 0", c.Name)
	}
	return nil
}

// DynamicSelectionConfig toggles keyword-based critic selection (spec §4.8).
type DynamicSelectionConfig struct {
	Enabled bool `yaml:"enabled,omitempty" jsonschema:"default=true"`
}

// CriticsConfig is the global critic registry (spec §3).
type CriticsConfig struct {
	Critics          []CriticConfig         `yaml:"critics,omitempty"`
	MinCritics       int                    `yaml:"min_critics,omitempty" jsonschema:"minimum=1,default=1"`
	MaxCritics       int                    `yaml:"max_critics,omitempty" jsonschema:"minimum=1"`
	FallbackCritics  []string               `yaml:"fallback_critics,omitempty"`
	DynamicSelection DynamicSelectionConfig `yaml:"dynamic_selection,omitempty"`
}

// SetDefaults applies default values to CriticsConfig.
func (c *CriticsConfig) SetDefaults() {
	for i := range c.Critics {
		c.Critics[i].SetDefaults()
	}
	if c.MinCritics == 0 {
		c.MinCritics = 1
	}
	if c.MaxCritics == 0 {
		c.MaxCritics = len(c.Critics)
	}
}

// Validate checks CriticsConfig invariants, including
// 1 <= min_critics <= max_critics <= len(critics).
func (c *CriticsConfig) Validate() error {
	names := make(map[string]bool, len(c.Critics))
	for _, cc := range c.Critics {
		if err := cc.Validate(); err != nil {
			return err
		}
		if names[cc.Name] {
			return fmt.Errorf("critics: duplicate critic name %q", cc.Name)
		}
		names[cc.Name] = true
	}
	if c.MinCritics < 1 {
		return fmt.Errorf("critics: min_critics must be >= 1")
	}
	if c.MaxCritics < c.MinCritics {
		return fmt.Errorf("critics: max_critics (%d) must be >= min_critics (%d)", c.MaxCritics, c.MinCritics)
	}
	if c.MaxCritics > len(c.Critics) {
		return fmt.Errorf("critics: max_critics (%d) exceeds registered critic count (%d)", c.MaxCritics, len(c.Critics))
	}
	for _, fb := range c.FallbackCritics {
		if !names[fb] {
			return fmt.Errorf("critics: fallback_critics references unknown critic %q", fb)
		}
	}
	return nil
}

// RefinementConfig drives the bounded refinement loop (spec §3, §4.10).
type RefinementConfig struct {
	Enabled          bool     `yaml:"enabled,omitempty" jsonschema:"default=true"`
	MaxIterations    int      `yaml:"max_iterations,omitempty" jsonschema:"minimum=1,default=3"`
	CriticalKeywords []string `yaml:"critical_keywords,omitempty"`
	IssuePatterns    []string `yaml:"issue_patterns,omitempty"`
	// ReselectCritics re-runs critic selection each refinement iteration
	// when true; when false, the initial selection is pinned across
	// iterations (SPEC_FULL open question #2).
	ReselectCritics bool `yaml:"reselect_critics,omitempty" jsonschema:"default=true"`
}

// SetDefaults applies default values to RefinementConfig.
func (c *RefinementConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 3
	}
	for i, kw := range c.CriticalKeywords {
		c.CriticalKeywords[i] = toLower(kw)
	}
}

// Validate checks RefinementConfig invariants.
func (c *RefinementConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("refinement: max_iterations must be >= 1")
	}
	for _, p := range c.IssuePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("refinement: invalid issue_pattern %q: %w", p, err)
		}
	}
	return nil
}

// CompressionConfig configures the Semantic Compressor (spec §3, §4.7).
type CompressionConfig struct {
	Model                 string `yaml:"model" jsonschema:"required"`
	TargetTokens           int    `yaml:"target_tokens,omitempty" jsonschema:"minimum=1,default=500"`
	StandardThresholdChars int    `yaml:"standard_threshold_chars,omitempty" jsonschema:"default=1200"`
	MemoryThresholdChars   int    `yaml:"memory_threshold_chars,omitempty" jsonschema:"default=800"`
	CloserThresholdChars   int    `yaml:"closer_threshold_chars,omitempty" jsonschema:"default=1500"`
}

// SetDefaults applies default values to CompressionConfig.
func (c *CompressionConfig) SetDefaults() {
	if c.TargetTokens == 0 {
		c.TargetTokens = 500
	}
	if c.StandardThresholdChars == 0 {
		c.StandardThresholdChars = 1200
	}
	if c.MemoryThresholdChars == 0 {
		c.MemoryThresholdChars = 800
	}
	if c.CloserThresholdChars == 0 {
		c.CloserThresholdChars = 1500
	}
}

// Validate checks CompressionConfig invariants.
func (c *CompressionConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("compression: model is required")
	}
	if !modelRefPattern.MatchString(c.Model) {
		return fmt.Errorf("compression: model %q is not a valid provider/model reference", c.Model)
	}
	return nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
