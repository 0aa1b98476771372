// Package config provides configuration types and loading for the annex node.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Host      string    `json:"host" envconfig:"HOST"`
	Port      int       `json:"port" envconfig:"PORT"`
	PublicURL string    `json:"publicUrl" envconfig:"PUBLIC_URL"`
	DB        DBConfig  `json:"db"`
	Merkle    MerkleConfig
	Presence  PresenceConfig
	Retention RetentionConfig
	SigningKeyHex string `json:"signingKeyHex" envconfig:"SIGNING_KEY_HEX"`
}

// DBConfig groups the storage engine settings.
type DBConfig struct {
	Path          string `json:"path" envconfig:"DB_PATH"`
	BusyTimeoutMs int    `json:"busyTimeoutMs" envconfig:"DB_BUSY_TIMEOUT_MS"`
	PoolMaxSize   int    `json:"poolMaxSize" envconfig:"DB_POOL_MAX_SIZE"`
}

// MerkleConfig groups Merkle registry settings.
type MerkleConfig struct {
	TreeDepth int `json:"merkleTreeDepth" envconfig:"MERKLE_TREE_DEPTH"`
}

// PresenceConfig groups presence/broadcast settings.
type PresenceConfig struct {
	BroadcastCapacity int `json:"presenceBroadcastCapacity" envconfig:"PRESENCE_BROADCAST_CAPACITY"`
}

// RetentionConfig groups retention/pruning settings.
type RetentionConfig struct {
	CheckIntervalSeconds  int `json:"retentionCheckIntervalSeconds" envconfig:"RETENTION_CHECK_INTERVAL_SECONDS"`
	InactivityThresholdSeconds int `json:"inactivityThresholdSeconds" envconfig:"INACTIVITY_THRESHOLD_SECONDS"`
}

// DefaultConfig returns the configuration with built-in defaults. File
// values override these; environment variables override the file.
func DefaultConfig() *Config {
	return &Config{
		Host:      "127.0.0.1",
		Port:      8787,
		PublicURL: "http://127.0.0.1:8787",
		DB: DBConfig{
			Path:          "./data/annex.db",
			BusyTimeoutMs: 5000,
			PoolMaxSize:   8,
		},
		Merkle: MerkleConfig{
			TreeDepth: 20,
		},
		Presence: PresenceConfig{
			BroadcastCapacity: 1024,
		},
		Retention: RetentionConfig{
			CheckIntervalSeconds:       60,
			InactivityThresholdSeconds: int((30 * 24 * time.Hour).Seconds()),
		},
	}
}

// Validate checks configuration values against the bounds the spec requires.
func (c *Config) Validate() error {
	if c.DB.BusyTimeoutMs < 1 || c.DB.BusyTimeoutMs > 60000 {
		return errRange("db.busy_timeout_ms", 1, 60000)
	}
	if c.DB.PoolMaxSize < 1 || c.DB.PoolMaxSize > 64 {
		return errRange("db.pool_max_size", 1, 64)
	}
	if c.Merkle.TreeDepth < 1 || c.Merkle.TreeDepth > 30 {
		return errRange("merkle_tree_depth", 1, 30)
	}
	if c.Presence.BroadcastCapacity < 16 || c.Presence.BroadcastCapacity > 10000 {
		return errRange("presence_broadcast_capacity", 16, 10000)
	}
	if c.Retention.CheckIntervalSeconds < 1 {
		return fmt.Errorf("retention_check_interval_seconds must be >= 1, got %d", c.Retention.CheckIntervalSeconds)
	}
	return nil
}

func errRange(field string, lo, hi int) error {
	return fmt.Errorf("%s must be between %d and %d", field, lo, hi)
}
