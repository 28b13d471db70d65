package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Resolver turns configuration values into secrets.
type Resolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// Config selects the secrets backend.
type Config struct {
	// Backend is "1password", "none" or "auto" (default). Auto uses
	// 1Password when Connect is configured.
	Backend     string
	OnePassword OnePasswordConfig
}

// ConfigFromEnv reads PINGRELAY_SECRETS_BACKEND, OP_CONNECT_HOST and OP_CONNECT_TOKEN.
func ConfigFromEnv() Config {
	return Config{
		Backend: getEnv("PINGRELAY_SECRETS_BACKEND", "auto"),
		OnePassword: OnePasswordConfig{
			Host:  os.Getenv("OP_CONNECT_HOST"),
			Token: os.Getenv("OP_CONNECT_TOKEN"),
		},
	}
}

// NewResolver creates a Resolver for cfg.
func NewResolver(cfg Config, logger *slog.Logger) (Resolver, error) {
	switch cfg.Backend {
	case "1password":
		return NewOnePasswordResolver(cfg.OnePassword, logger)
	case "none":
		return passthrough{}, nil
	case "", "auto":
		if cfg.OnePassword.Host != "" && cfg.OnePassword.Token != "" {
			return NewOnePasswordResolver(cfg.OnePassword, logger)
		}
		logger.Debug("1Password Connect not configured, secret references disabled")
		return passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", cfg.Backend)
	}
}

// passthrough returns plain values and rejects references.
type passthrough struct{}

func (passthrough) Resolve(ctx context.Context, value string) (string, error) {
	if IsReference(value) {
		return "", fmt.Errorf("%w: cannot resolve %s", ErrNoBackend, value)
	}
	return value, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
