package provider

import (
	"testing"

	"github.com/ensemble-run/ensemble/internal/config"
)

func testConfig() config.ProvidersConfig {
	return config.ProvidersConfig{
		"openai":    {Type: "openai", APIKey: "sk-test"},
		"anthropic": {Type: "anthropic"},
		"ollama":    {Type: "ollama"},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := New(testConfig())
	id, model, err := r.Resolve("openai/gpt-4o")
	if err != nil || id != "openai" || model != "gpt-4o" {
		t.Fatalf("Resolve() = (%q, %q, %v)", id, model, err)
	}
	if _, _, err := r.Resolve("unknown/model"); err == nil {
		t.Error("Resolve() expected error for unregistered provider")
	}
	if _, _, err := r.Resolve("not-a-ref"); err == nil {
		t.Error("Resolve() expected error for malformed reference")
	}
}

func TestRegistry_Enabled(t *testing.T) {
	r := New(testConfig())
	if !r.Enabled("openai") {
		t.Error("openai should be enabled (has key)")
	}
	if r.Enabled("anthropic") {
		t.Error("anthropic should be disabled (no key)")
	}
	if !r.Enabled("ollama") {
		t.Error("ollama should be enabled (no key required)")
	}
	if r.Enabled("nonexistent") {
		t.Error("unregistered provider should never be enabled")
	}
}

func TestRegistry_DisabledReason(t *testing.T) {
	r := New(testConfig())
	if got := r.DisabledReason("anthropic"); got != "missing_credential" {
		t.Errorf("DisabledReason(anthropic) = %q, want missing_credential", got)
	}
	if got := r.DisabledReason("openai"); got != "" {
		t.Errorf("DisabledReason(openai) = %q, want empty", got)
	}

	explicit := config.ProvidersConfig{"openai": {Type: "openai", APIKey: "sk-test", Disabled: true}}
	r2 := New(explicit)
	if got := r2.DisabledReason("openai"); got != "provider_disabled" {
		t.Errorf("DisabledReason(openai) = %q, want provider_disabled", got)
	}
}

func TestRegistry_Health(t *testing.T) {
	r := New(testConfig())
	health := r.Health()
	if len(health) != 3 {
		t.Fatalf("Health() returned %d entries, want 3", len(health))
	}
	if !health["openai"].Available {
		t.Error("openai should be available")
	}
	if health["anthropic"].Available {
		t.Error("anthropic should be unavailable")
	}
	if health["anthropic"].Reason != "missing_credential" {
		t.Errorf("anthropic reason = %q", health["anthropic"].Reason)
	}
}

func TestRegistry_EnabledCount(t *testing.T) {
	r := New(testConfig())
	if got := r.EnabledCount(); got != 2 {
		t.Errorf("EnabledCount() = %d, want 2", got)
	}
}

func TestRegistry_MockMode(t *testing.T) {
	t.Setenv("LLM_MOCK", "1")
	r := New(config.ProvidersConfig{"anthropic": {Type: "anthropic"}})
	if !r.Enabled("anthropic") {
		t.Error("LLM_MOCK=1 should force every registered provider enabled")
	}
}
