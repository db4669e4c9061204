package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.SyncInterval != 60*time.Second {
		t.Errorf("SyncInterval = %s, want 60s", cfg.SyncInterval)
	}
	if cfg.CycleDeadline != 5*time.Minute {
		t.Errorf("CycleDeadline = %s, want 5m", cfg.CycleDeadline)
	}
	if cfg.AdapterConcurrency != 8 {
		t.Errorf("AdapterConcurrency = %d, want 8", cfg.AdapterConcurrency)
	}
	if cfg.FailStreakThreshold != 5 {
		t.Errorf("FailStreakThreshold = %d, want 5", cfg.FailStreakThreshold)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "90s")
	t.Setenv("CYCLE_DEADLINE", "120") // bare integer means seconds
	t.Setenv("ADAPTER_CONCURRENCY", "16")
	t.Setenv("DB_NAME", "panelbridge_test")

	cfg := LoadConfig()
	if cfg.SyncInterval != 90*time.Second {
		t.Errorf("SyncInterval = %s, want 90s", cfg.SyncInterval)
	}
	if cfg.CycleDeadline != 120*time.Second {
		t.Errorf("CycleDeadline = %s, want 120s", cfg.CycleDeadline)
	}
	if cfg.AdapterConcurrency != 16 {
		t.Errorf("AdapterConcurrency = %d, want 16", cfg.AdapterConcurrency)
	}
	if cfg.DBName != "panelbridge_test" {
		t.Errorf("DBName = %q, want panelbridge_test", cfg.DBName)
	}
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "often")
	t.Setenv("FAIL_STREAK_THRESHOLD", "many")

	cfg := LoadConfig()
	if cfg.SyncInterval != 60*time.Second {
		t.Errorf("SyncInterval = %s, want the 60s default", cfg.SyncInterval)
	}
	if cfg.FailStreakThreshold != 5 {
		t.Errorf("FailStreakThreshold = %d, want the default 5", cfg.FailStreakThreshold)
	}
}
