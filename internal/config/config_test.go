package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultTimeouts(t *testing.T) {
	cfg := Default()
	if cfg.Timeout() != 5*time.Second {
		t.Fatalf("Timeout() = %v, want 5s", cfg.Timeout())
	}
	if cfg.MinTimerInterval() != 100*time.Millisecond {
		t.Fatalf("MinTimerInterval() = %v, want 100ms", cfg.MinTimerInterval())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedupe.toml")
	contents := `
timeout_interval_ms = 2000
parent_device_name = "sdb"
index_region_blocks = 2048
nonce = 99
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeout() != 2*time.Second {
		t.Fatalf("Timeout() = %v, want 2s", cfg.Timeout())
	}
	// min_timer_interval_ms was omitted, so the default should survive.
	if cfg.MinTimerInterval() != 100*time.Millisecond {
		t.Fatalf("MinTimerInterval() = %v, want default 100ms", cfg.MinTimerInterval())
	}
	if cfg.ParentDeviceName != "sdb" {
		t.Fatalf("ParentDeviceName = %q, want sdb", cfg.ParentDeviceName)
	}
}

func TestIndexNameFormat(t *testing.T) {
	cfg := Default()
	cfg.ParentDeviceName = "sdb"
	cfg.IndexRegionBlocks = 10
	want := "dev=sdb offset=4096 size=40960"
	if got := cfg.IndexName(); got != want {
		t.Fatalf("IndexName() = %q, want %q", got, want)
	}
}
