package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a Store backend.
type Config struct {
	// Provider selects the backend: "chromem" (embedded, default) or
	// "qdrant" (external server).
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	c.Chromem.ApplyDefaults()
	c.Qdrant.ApplyDefaults()
}

// NewStore creates a Store based on the configured provider.
//
// The chromem provider is the default: embedded, persistent, no external
// dependencies. The qdrant provider requires a reachable Qdrant server and
// suits deployments where the index outgrows a single process.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	cfg.ApplyDefaults()

	switch cfg.Provider {
	case "chromem":
		return NewChromemStore(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantStore(ctx, cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: chromem, qdrant)",
			ErrInvalidConfig, cfg.Provider)
	}
}
