// Package config loads Scintilla's process configuration from a YAML file
// with ${VAR}/${VAR:-default} environment-variable expansion, following the
// teacher's pkg/config env-expansion convention (pkg/config/env.go) at a
// scope matched to a single-service broker rather than a multi-agent
// platform: one database, one pair of LLM provider credentials, one HTTP
// listener, one observability block.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trilogy-group/scintilla-sub000/internal/observability"
)

// Config is Scintilla's root configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server,omitempty"`
	Database      DatabaseConfig       `yaml:"database,omitempty"`
	LLM           LLMConfig            `yaml:"llm,omitempty"`
	Logging       LoggingConfig        `yaml:"logging,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port,omitempty"`
}

// DatabaseConfig configures the backing relational store (C1).
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // sqlite3, postgres, mysql
	Source string `yaml:"source,omitempty"` // DSN or file path
}

// LLMConfig configures the default LLM provider used by the Agent Loop
// when a query doesn't name one explicitly.
type LLMConfig struct {
	Provider string `yaml:"provider,omitempty"` // anthropic, openai
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // json or text
}

// SetDefaults fills in zero-value fields with Scintilla's defaults.
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Source == "" {
		c.Database.Source = "scintilla.db"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Observability.SetDefaults()
}

// Validate checks that required fields are present once defaults have
// been applied.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required (set directly or via ${ENV_VAR} expansion)")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unsupported llm provider %q", c.LLM.Provider)
	}
	return nil
}

// LoadDotEnv loads .env.local then .env into the process environment,
// ignoring a missing file. Values already set in the environment are
// never overwritten (godotenv.Load's own behavior).
func LoadDotEnv() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads path, expands environment variables, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnvVars(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with the
// current environment's values, following pkg/config/env.go's two-pass
// convention (defaulted form first, then bare braced form).
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	return s
}
