package config

import "fmt"

// ServerConfig configures the HTTP surface (spec §6).
type ServerConfig struct {
	Host           string `yaml:"host,omitempty" jsonschema:"default=0.0.0.0"`
	Port           int    `yaml:"port,omitempty" jsonschema:"minimum=1,maximum=65535,default=8080"`
	MetricsEnabled bool   `yaml:"metrics_enabled,omitempty" jsonschema:"default=true"`
}

// SetDefaults applies default values to ServerConfig.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// Validate checks ServerConfig invariants.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Port)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the Conversation Store's backing SQL database
// (spec §4.4), dialect-switched the way the teacher's SQLSessionService is.
type DatabaseConfig struct {
	Dialect string `yaml:"dialect,omitempty" jsonschema:"enum=sqlite,enum=postgres,enum=mysql,default=sqlite"`
	DSN     string `yaml:"dsn,omitempty" jsonschema:"description=connection string or, for sqlite, a file path"`
	// ConversationLogDir is the append-only scrubbed JSON log directory
	// (spec §6 on-disk layout). Empty disables file logging.
	ConversationLogDir string `yaml:"conversation_log_dir,omitempty" jsonschema:"default=logs/conversations"`
}

// SetDefaults applies default values to DatabaseConfig.
func (c *DatabaseConfig) SetDefaults() {
	if c.Dialect == "" {
		c.Dialect = "sqlite"
	}
	if c.DSN == "" && c.Dialect == "sqlite" {
		c.DSN = "ensemble.db"
	}
	if c.ConversationLogDir == "" {
		c.ConversationLogDir = "logs/conversations"
	}
}

// Validate checks DatabaseConfig invariants.
func (c *DatabaseConfig) Validate() error {
	switch c.Dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database: unsupported dialect %q", c.Dialect)
	}
	if c.DSN == "" {
		return fmt.Errorf("database: dsn is required for dialect %q", c.Dialect)
	}
	return nil
}
