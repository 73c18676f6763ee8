// Package provider implements the Provider Registry (spec §2.2): it
// resolves a "provider/model" identifier into a provider id and reports
// which providers are currently enabled, based on configuration and
// credentials.
package provider

import (
	"fmt"
	"os"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/pkg/registry"
)

// Status reports a provider's current availability, surfaced on
// GET /health (spec §6).
type Status struct {
	Available bool
	Reason    string
}

// Registry resolves model references and reports provider availability.
// Grounded on the teacher's generic pkg/registry.BaseRegistry, specialized
// to config.ProviderConfig. ids is kept alongside base because
// BaseRegistry.List() returns values without their registration keys.
type Registry struct {
	base *registry.BaseRegistry[config.ProviderConfig]
	ids  []string
	mock bool
}

// New builds a Registry from the resolved provider configuration. When the
// LLM_MOCK environment variable is set, every registered provider is
// reported enabled regardless of credentials, matching the deterministic
// test mode of spec §6.
func New(cfg config.ProvidersConfig) *Registry {
	base := registry.NewBaseRegistry[config.ProviderConfig]()
	ids := make([]string, 0, len(cfg))
	for id, p := range cfg {
		// Registration cannot fail here: ids are unique map keys.
		_ = base.Register(id, p)
		ids = append(ids, id)
	}
	return &Registry{base: base, ids: ids, mock: os.Getenv("LLM_MOCK") != ""}
}

// Resolve splits a "provider/model" reference and confirms the provider is
// registered.
func (r *Registry) Resolve(modelRef string) (providerID, modelName string, err error) {
	providerID, modelName, err = config.SplitModelRef(modelRef)
	if err != nil {
		return "", "", err
	}
	if _, ok := r.base.Get(providerID); !ok {
		return "", "", fmt.Errorf("provider: unregistered provider %q", providerID)
	}
	return providerID, modelName, nil
}

// Enabled reports whether providerID may currently serve requests.
func (r *Registry) Enabled(providerID string) bool {
	if r.mock {
		_, ok := r.base.Get(providerID)
		return ok
	}
	p, ok := r.base.Get(providerID)
	if !ok {
		return false
	}
	return p.Enabled()
}

// DisabledReason explains why providerID is unavailable, for the
// fallback-reason reporting of spec §4.1 ("missing_credential" |
// "provider_disabled"). Returns "" if the provider is enabled.
func (r *Registry) DisabledReason(providerID string) string {
	if r.Enabled(providerID) {
		return ""
	}
	p, ok := r.base.Get(providerID)
	if !ok {
		return "provider_disabled"
	}
	if p.Disabled {
		return "provider_disabled"
	}
	return "missing_credential"
}

// Health reports the availability of every registered provider, for the
// health endpoint of spec §6.
func (r *Registry) Health() map[string]Status {
	out := make(map[string]Status, len(r.ids))
	for _, id := range r.ids {
		if r.Enabled(id) {
			out[id] = Status{Available: true}
			continue
		}
		out[id] = Status{Available: false, Reason: r.DisabledReason(id)}
	}
	return out
}

// EnabledCount returns the number of currently-enabled providers, used by
// the health endpoint's healthy/degraded/unhealthy classification.
func (r *Registry) EnabledCount() int {
	n := 0
	for _, id := range r.ids {
		if r.Enabled(id) {
			n++
		}
	}
	return n
}
