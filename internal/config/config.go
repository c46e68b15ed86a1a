// Package config provides configuration loading for complianced.
//
// Configuration is read from a YAML file and overridden by environment
// variables. Each pipeline package defines its own Config type with koanf
// tags, defaults and validation; this package composes them into the full
// daemon configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/complianced/internal/assistant"
	"github.com/fyrsmithlabs/complianced/internal/chunking"
	"github.com/fyrsmithlabs/complianced/internal/conversation"
	"github.com/fyrsmithlabs/complianced/internal/embeddings"
	"github.com/fyrsmithlabs/complianced/internal/generation"
	"github.com/fyrsmithlabs/complianced/internal/retrieval"
	"github.com/fyrsmithlabs/complianced/internal/telemetry"
	"github.com/fyrsmithlabs/complianced/internal/vectorstore"
)

const maxConfigFileSize = 1024 * 1024

// ErrInvalidConfig indicates invalid daemon configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete complianced configuration.
type Config struct {
	Server       ServerConfig        `koanf:"server"`
	Logging      LoggingConfig       `koanf:"logging"`
	Chunking     chunking.Config     `koanf:"chunking"`
	Embeddings   embeddings.Config   `koanf:"embeddings"`
	VectorStore  vectorstore.Config  `koanf:"vectorstore"`
	Retrieval    retrieval.Config    `koanf:"retrieval"`
	Conversation conversation.Config `koanf:"conversation"`
	Generation   generation.Config   `koanf:"generation"`
	Assistant    assistant.Config    `koanf:"assistant"`
	Requirements RequirementsConfig  `koanf:"requirements"`
	Telemetry    telemetry.Config    `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Port is the HTTP listen port. Default: 8710.
	Port int `koanf:"port"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// APIKey, when set, is required in the X-API-Key header of every
	// request except the health check.
	APIKey string `koanf:"api_key"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	// Default: info.
	Level string `koanf:"level"`

	// Format selects the encoder: "json" or "console". Default: json.
	Format string `koanf:"format"`
}

// RequirementsConfig locates the requirement catalog.
type RequirementsConfig struct {
	// CatalogPath is the JSON file holding the deugdelijkheidseisen.
	CatalogPath string `koanf:"catalog_path"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8710
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Requirements.CatalogPath == "" {
		cfg.Requirements.CatalogPath = "deugdelijkheidseisen.json"
	}
	cfg.Chunking.ApplyDefaults()
	cfg.Embeddings.ApplyDefaults()
	cfg.VectorStore.ApplyDefaults()
	cfg.Retrieval.ApplyDefaults()
	cfg.Conversation.ApplyDefaults()
	cfg.Generation.ApplyDefaults()
	cfg.Assistant.ApplyDefaults()
	cfg.Telemetry.ApplyDefaults()
}

// Validate validates the composed configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port %d", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if err := c.Embeddings.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Conversation.Validate(); err != nil {
		return err
	}
	if err := c.Generation.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

// Load reads configuration from the YAML file at configPath (skipped when
// the file does not exist), then overrides with environment variables.
//
// Environment variables map to config keys by lowercasing and splitting on
// the first underscore: SERVER_PORT -> server.port,
// EMBEDDINGS_BASE_URL -> embeddings.base_url.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "complianced", "config.yaml")
	}

	if f, err := os.Open(configPath); err == nil {
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("%w: config file exceeds %d bytes", ErrInvalidConfig, maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening config file: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
