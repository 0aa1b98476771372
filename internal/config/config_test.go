package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsOutOfRangeBusyTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DB.BusyTimeoutMs = 61000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for busy_timeout_ms above bound")
	}
}

func TestValidateRejectsOutOfRangeTreeDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merkle.TreeDepth = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for merkle_tree_depth below bound")
	}
	cfg.Merkle.TreeDepth = 31
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for merkle_tree_depth above bound")
	}
}

func TestValidateRejectsOutOfRangePresenceCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Presence.BroadcastCapacity = 8
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for presence_broadcast_capacity below bound")
	}
}

func TestConfigPathHonorsEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/custom-annex-config.json")
	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if path != "/tmp/custom-annex-config.json" {
		t.Fatalf("expected override path, got %s", path)
	}
}
