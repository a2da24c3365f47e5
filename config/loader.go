package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and unmarshals it into the specified type.
// T must be a struct type that can be unmarshaled from YAML.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadAgentConfig reads, defaults and validates an agent configuration.
func LoadAgentConfig(path string) (*Agent, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Agent](path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent configuration validation failed: %w", err)
	}
	if err := cfg.Relay.LoadCertificates(); err != nil {
		return nil, err
	}

	logger.Info().
		Str("device_id", cfg.DeviceID).
		Str("relay", cfg.Relay.URL).
		Int("peers", len(cfg.Relay.Peers)).
		Msg("loaded agent configuration")
	return cfg, nil
}

// LoadRelayConfig reads, defaults and validates a relay configuration.
func LoadRelayConfig(path string) (*Relay, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Relay](path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay configuration validation failed: %w", err)
	}
	if err := cfg.TLS.LoadCertificates(); err != nil {
		return nil, err
	}

	logger.Info().
		Str("listen", cfg.Listen).
		Bool("quic", cfg.Quic.Enabled).
		Int("tokens", len(cfg.Tokens)).
		Msg("loaded relay configuration")
	return cfg, nil
}
