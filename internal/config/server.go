package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig configures the development relay.
type ServerConfig struct {
	Port string
	// SigningKey signs channel grants. An empty key makes the relay
	// generate one at startup.
	SigningKey string
	GrantTTL   time.Duration
	// Keepalive is the heartbeat period on event streams.
	Keepalive time.Duration
	// PollLimit caps the events returned by one poll.
	PollLimit int
	// Retention bounds how long published events stay pollable.
	Retention time.Duration
}

func LoadServerConfig() (*ServerConfig, error) {
	grantTTL, err := time.ParseDuration(getEnvOrDefault("RELAY_GRANT_TTL", "10m"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_GRANT_TTL: %w", err)
	}
	keepalive, err := time.ParseDuration(getEnvOrDefault("RELAY_KEEPALIVE", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_KEEPALIVE: %w", err)
	}
	retention, err := time.ParseDuration(getEnvOrDefault("RELAY_RETENTION", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_RETENTION: %w", err)
	}
	pollLimit, err := strconv.Atoi(getEnvOrDefault("RELAY_POLL_LIMIT", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_POLL_LIMIT: %w", err)
	}

	cfg := &ServerConfig{
		Port:       getEnvOrDefault("PORT", "8080"),
		SigningKey: getEnvOrDefault("RELAY_SIGNING_KEY", ""),
		GrantTTL:   grantTTL,
		Keepalive:  keepalive,
		PollLimit:  pollLimit,
		Retention:  retention,
	}

	// Validate
	if cfg.GrantTTL <= 0 || cfg.Keepalive <= 0 || cfg.Retention <= 0 {
		return nil, fmt.Errorf("RELAY_GRANT_TTL, RELAY_KEEPALIVE and RELAY_RETENTION must be positive")
	}
	if cfg.PollLimit < 1 {
		return nil, fmt.Errorf("invalid RELAY_POLL_LIMIT: %d (must be >= 1)", cfg.PollLimit)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
