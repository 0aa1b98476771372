package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "ANNEX_CONFIG"
	// DefaultConfigDir is the default config directory name under $HOME.
	DefaultConfigDir = ".annex"
	// DefaultConfigFile is the default config file name.
	DefaultConfigFile = "config.json"
)

// ConfigPath returns the path to the config file, honoring ANNEX_CONFIG.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigPath)); explicit != "" {
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Load loads configuration with precedence defaults < file < environment,
// per §6's "Environment overrides file; file overrides defaults."
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// no file; defaults stand.
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := envconfig.Process("ANNEX", cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := envconfig.Process("ANNEX_DB", &cfg.DB); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := envconfig.Process("ANNEX_MERKLE", &cfg.Merkle); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := envconfig.Process("ANNEX_PRESENCE", &cfg.Presence); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := envconfig.Process("ANNEX_RETENTION", &cfg.Retention); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the config file, 0600 like the signing key.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
