// Package logging constructs the process-wide structured logger from
// configuration, and provides Scrub, which redacts credential-shaped
// substrings from text before a caller writes it out.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// Config mirrors the teacher's LoggerConfig schema: level, destination
// file (empty = stderr), and format.
type Config struct {
	Level  string `yaml:"level,omitempty"`
	File   string `yaml:"file,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks the logger configuration.
func (c *Config) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	return nil
}

func levelFor(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a *slog.Logger from Config. Callers own the returned file
// handle's lifetime indirectly: New opens it and never closes it itself,
// matching process-lifetime logging (closed only on process exit).
func New(cfg Config) (*slog.Logger, error) {
	cfg.SetDefaults()

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: levelFor(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "verbose":
		handler = slog.NewTextHandler(w, opts)
	default: // "simple" and any custom value fall back to JSON for machine-parseable logs
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), nil
}

// credentialPatterns matches common credential shapes that must never
// reach a persisted log or on-disk conversation file.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`(?i)(api[_-]?key)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]+`),
}

const redacted = "[REDACTED]"

// Scrub replaces credential-shaped substrings in s with a redaction marker.
// The on-disk conversation log (chain.ConversationLog) and the error text
// the LLM Connector logs and reports pass through Scrub; the logger built
// by New does not scrub the lines it writes.
func Scrub(s string) string {
	for _, p := range credentialPatterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}
