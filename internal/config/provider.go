package config

import (
	"fmt"
	"os"
	"strings"
)

// ProviderConfig holds the credential and capability info for one LLM
// provider (openai, anthropic, gemini, ollama, ...), grounded on the
// teacher's per-provider env-detection in pkg/config/llm.go.
type ProviderConfig struct {
	Type       string `yaml:"type" jsonschema:"required,description=openai|anthropic|gemini|ollama"`
	APIKey     string `yaml:"api_key,omitempty" jsonschema:"description=falls back to <TYPE>_API_KEY env var"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Disabled   bool   `yaml:"disabled,omitempty"`
}

// envKeyName returns the conventional env var name for a provider's API key,
// e.g. "openai" -> "OPENAI_API_KEY".
func envKeyName(providerType string) string {
	return strings.ToUpper(providerType) + "_API_KEY"
}

// disableEnvName returns the env var that force-disables a provider
// regardless of credential presence, e.g. "openai" -> "DISABLE_OPENAI".
func disableEnvName(providerType string) string {
	return "DISABLE_" + strings.ToUpper(providerType)
}

// SetDefaults resolves APIKey from the environment when unset, in the
// teacher's auto-detect style.
func (c *ProviderConfig) SetDefaults() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv(envKeyName(c.Type))
	}
	if os.Getenv(disableEnvName(c.Type)) != "" {
		c.Disabled = true
	}
}

// Enabled reports whether this provider may be used: not explicitly
// disabled, and ollama (which needs no key) or a non-empty API key.
func (c *ProviderConfig) Enabled() bool {
	if c.Disabled {
		return false
	}
	if c.Type == "ollama" {
		return true
	}
	return c.APIKey != ""
}

// Validate checks ProviderConfig invariants.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "gemini", "ollama":
	default:
		return fmt.Errorf("provider: unknown type %q", c.Type)
	}
	return nil
}

// ProvidersConfig is the set of registered providers, keyed by provider id
// (the left-hand side of a "provider/model" reference).
type ProvidersConfig map[string]ProviderConfig

// SetDefaults applies per-provider defaults.
func (c ProvidersConfig) SetDefaults() {
	for id, p := range c {
		p.Type = firstNonEmpty(p.Type, id)
		p.SetDefaults()
		c[id] = p
	}
}

// Validate checks every registered provider.
func (c ProvidersConfig) Validate() error {
	for id, p := range c {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers[%s]: %w", id, err)
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SplitModelRef splits a "provider/model" reference into its two parts.
func SplitModelRef(ref string) (provider, model string, err error) {
	idx := strings.Index(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", fmt.Errorf("config: %q is not a valid provider/model reference", ref)
	}
	return ref[:idx], ref[idx+1:], nil
}
