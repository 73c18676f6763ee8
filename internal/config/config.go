package config

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ensemble-run/ensemble/internal/logging"
)

// Config is the root configuration document (spec §3, §6): the full set
// of agents, critics, refinement/compression behavior, and the ambient
// services the chain runtime depends on.
type Config struct {
	Agents      []AgentConfig      `yaml:"agents,omitempty" jsonschema:"required"`
	Providers   ProvidersConfig    `yaml:"providers,omitempty"`
	Critics     CriticsConfig      `yaml:"critics,omitempty"`
	Refinement  RefinementConfig   `yaml:"refinement,omitempty"`
	Compression CompressionConfig  `yaml:"compression,omitempty"`
	Server      ServerConfig       `yaml:"server,omitempty"`
	Database    DatabaseConfig     `yaml:"database,omitempty"`
	Logger      logging.Config     `yaml:"logger,omitempty"`
}

// SetDefaults applies defaults across the whole document.
func (c *Config) SetDefaults() {
	for i := range c.Agents {
		c.Agents[i].SetDefaults()
	}
	c.Providers.SetDefaults()
	c.Critics.SetDefaults()
	c.Refinement.SetDefaults()
	c.Compression.SetDefaults()
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks the whole document, including cross-references from
// agent/compression model strings to a registered provider.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent is required")
	}
	names := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if err := a.Validate(); err != nil {
			return err
		}
		if names[a.Name] {
			return fmt.Errorf("config: duplicate agent name %q", a.Name)
		}
		names[a.Name] = true
		if err := c.checkProviderRef(a.Model); err != nil {
			return fmt.Errorf("agent %q: %w", a.Name, err)
		}
		for _, fb := range a.FallbackModels {
			if err := c.checkProviderRef(fb); err != nil {
				return fmt.Errorf("agent %q fallback: %w", a.Name, err)
			}
		}
	}
	if err := c.Providers.Validate(); err != nil {
		return err
	}
	if err := c.Critics.Validate(); err != nil {
		return err
	}
	if err := c.Refinement.Validate(); err != nil {
		return err
	}
	if err := c.Compression.Validate(); err != nil {
		return err
	}
	if err := c.checkProviderRef(c.Compression.Model); err != nil {
		return fmt.Errorf("compression: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	return c.Logger.Validate()
}

func (c *Config) checkProviderRef(ref string) error {
	providerID, _, err := SplitModelRef(ref)
	if err != nil {
		return err
	}
	if _, ok := c.Providers[providerID]; !ok {
		return fmt.Errorf("references unregistered provider %q", providerID)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} occurrences with the value of the named
// environment variable, leaving unset variables as an empty string.
func expandEnvVars(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// OnChangeFunc receives the newly-loaded, validated configuration on every
// successful hot reload.
type OnChangeFunc func(*Config)

// Loader reads, expands, and decodes Config from a YAML file, optionally
// watching it for changes (fsnotify), matching the teacher's
// read->parse->expand->decode loader pipeline.
type Loader struct {
	path     string
	onChange OnChangeFunc
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader for the file at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// WithOnChange registers a callback invoked after each successful reload
// triggered by Watch.
func (l *Loader) WithOnChange(fn OnChangeFunc) *Loader {
	l.onChange = fn
	return l
}

// Load reads, expands, decodes, defaults, and validates the config file.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", l.path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(expandEnvVars(raw), &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", l.path, err)
	}

	cfg := &Config{}
	// Booleans that default to true; only an explicit false in the file clears them.
	cfg.Critics.DynamicSelection.Enabled = true
	cfg.Refinement.Enabled, cfg.Refinement.ReselectCritics = true, true
	cfg.Server.MetricsEnabled = true
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "yaml",
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", l.path, err)
	}
	rawAgents, _ := doc["agents"].([]any)
	for i := range cfg.Agents {
		var agentDoc map[string]any
		if i < len(rawAgents) {
			agentDoc, _ = rawAgents[i].(map[string]any)
		}
		memDoc, _ := agentDoc["memory"].(map[string]any)
		if _, set := memDoc["exclude_same_agent"]; !set {
			cfg.Agents[i].Memory.ExcludeSameAgent = true
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", l.path, err)
	}
	return cfg, nil
}

// Watch starts an fsnotify watch on the config file and reloads on every
// write event. A reload that fails validation is logged and discarded,
// keeping the last good configuration in effect — config errors must
// never take down a running process (spec §9 design notes).
func (l *Loader) Watch(ctx context.Context, log interface {
	Warn(msg string, args ...any)
}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	l.watcher = w
	if err := w.Add(l.path); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", l.path, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := l.Load(ctx)
				if err != nil {
					log.Warn("config reload failed, keeping last good config", "error", err)
					continue
				}
				if l.onChange != nil {
					l.onChange(cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the underlying filesystem watcher, if one was started.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
