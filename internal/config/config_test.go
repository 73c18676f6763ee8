package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

const validYAML = `
providers:
  openai:
    type: openai
    api_key: test-key
agents:
  - name: builder
    model: openai/gpt-4o
critics:
  critics:
    - name: security
      keywords: [auth, token]
compression:
  model: openai/gpt-4o-mini
`

func TestLoader_Load_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	cfg, err := NewLoader(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "builder" {
		t.Errorf("Agents = %+v, want one agent named builder", cfg.Agents)
	}
	if cfg.Agents[0].Temperature != 0.7 {
		t.Errorf("Agents[0].Temperature = %v, want default 0.7", cfg.Agents[0].Temperature)
	}
	if cfg.Critics.MinCritics != 1 {
		t.Errorf("Critics.MinCritics = %d, want default 1", cfg.Critics.MinCritics)
	}
}

func TestLoader_Load_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "expanded-key")
	dir := t.TempDir()
	yaml := `
providers:
  openai:
    type: openai
    api_key: "${TEST_OPENAI_KEY}"
agents:
  - name: builder
    model: openai/gpt-4o
compression:
  model: openai/gpt-4o
`
	path := writeConfig(t, dir, yaml)
	cfg, err := NewLoader(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Providers["openai"].APIKey != "expanded-key" {
		t.Errorf("APIKey = %q, want expanded-key", cfg.Providers["openai"].APIKey)
	}
}

func TestLoader_Load_UnregisteredProviderRejected(t *testing.T) {
	dir := t.TempDir()
	yaml := `
agents:
  - name: builder
    model: openai/gpt-4o
compression:
  model: openai/gpt-4o
`
	path := writeConfig(t, dir, yaml)
	if _, err := NewLoader(path).Load(context.Background()); err == nil {
		t.Error("Load() expected error for reference to unregistered provider")
	}
}

func TestLoader_Load_MissingFile(t *testing.T) {
	if _, err := NewLoader("/no/such/file.yaml").Load(context.Background()); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestConfig_Validate_NoAgents(t *testing.T) {
	c := &Config{Providers: ProvidersConfig{}}
	if err := c.Validate(); err == nil {
		t.Error("Validate() expected error for zero agents")
	}
}

func TestConfig_Validate_DuplicateAgentNames(t *testing.T) {
	c := &Config{
		Providers: ProvidersConfig{"openai": {Type: "openai", APIKey: "x"}},
		Agents: []AgentConfig{
			{Name: "a", Model: "openai/gpt-4o"},
			{Name: "a", Model: "openai/gpt-4o"},
		},
		Compression: CompressionConfig{Model: "openai/gpt-4o"},
	}
	c.SetDefaults()
	if err := c.Validate(); err == nil {
		t.Error("Validate() expected error for duplicate agent names")
	}
}

func TestProviderConfig_Enabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProviderConfig
		want bool
	}{
		{"ollama needs no key", ProviderConfig{Type: "ollama"}, true},
		{"openai without key", ProviderConfig{Type: "openai"}, false},
		{"openai with key", ProviderConfig{Type: "openai", APIKey: "x"}, true},
		{"disabled overrides key", ProviderConfig{Type: "openai", APIKey: "x", Disabled: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSplitModelRef(t *testing.T) {
	p, m, err := SplitModelRef("openai/gpt-4o")
	if err != nil || p != "openai" || m != "gpt-4o" {
		t.Errorf("SplitModelRef() = (%q, %q, %v), want (openai, gpt-4o, nil)", p, m, err)
	}
	if _, _, err := SplitModelRef("no-slash"); err == nil {
		t.Error("SplitModelRef() expected error for missing slash")
	}
	if _, _, err := SplitModelRef("/model"); err == nil {
		t.Error("SplitModelRef() expected error for empty provider")
	}
}

func TestCriticsConfig_Validate_MaxExceedsRegistered(t *testing.T) {
	c := CriticsConfig{
		Critics:    []CriticConfig{{Name: "a", Weight: 1}},
		MinCritics: 1,
		MaxCritics: 2,
	}
	if err := c.Validate(); err == nil {
		t.Error("Validate() expected error when max_critics exceeds registered critics")
	}
}

func TestMemoryConfig_Validate_BadRelevance(t *testing.T) {
	c := MemoryConfig{Strategy: MemoryHybrid, TimeDecayHours: 1, MaxContextTokens: 1, MinRelevance: 1.5}
	if err := c.Validate(); err == nil {
		t.Error("Validate() expected error for min_relevance > 1")
	}
}
