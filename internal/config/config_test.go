package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MONITOR_PORT", "9090")
	t.Setenv("SURGE_MULTIPLIER", "not-a-number")
	t.Setenv("METRIC_TIMEOUT_SECONDS", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Thresholds.EventsCritical != 100 || cfg.Thresholds.UsersCritical != 50 {
		t.Fatalf("unexpected default thresholds: %+v", cfg.Thresholds)
	}
	if cfg.Thresholds.SurgeMultiplier != 2.0 {
		t.Fatalf("expected invalid float to fall back, got %v", cfg.Thresholds.SurgeMultiplier)
	}
	if cfg.Sentry.MetricTimeout != 12*time.Second {
		t.Fatalf("unexpected metric timeout %s", cfg.Sentry.MetricTimeout)
	}
	if cfg.Intervals.MinMinutes != 30 || cfg.Intervals.MinTestMinutes != 1 {
		t.Fatalf("unexpected interval policy: %+v", cfg.Intervals)
	}
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	content := []byte("thresholds:\n  eventsCritical: 250\n  surgeLookback: 3\nintervals:\n  maxDays: 14\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file failed: %v", err)
	}
	t.Setenv("MONITOR_CONFIG_FILE", path)
	t.Setenv("USERS_CRITICAL_THRESHOLD", "75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Thresholds.EventsCritical != 250 || cfg.Thresholds.SurgeLookback != 3 {
		t.Fatalf("expected file thresholds, got %+v", cfg.Thresholds)
	}
	if cfg.Thresholds.UsersCritical != 75 {
		t.Fatalf("expected env threshold to survive overlay, got %d", cfg.Thresholds.UsersCritical)
	}
	if cfg.Intervals.MaxDays != 14 || cfg.Intervals.DefaultDays != 7 {
		t.Fatalf("unexpected intervals: %+v", cfg.Intervals)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	if err := os.WriteFile(path, []byte("thresholds: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config file failed: %v", err)
	}
	t.Setenv("MONITOR_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected malformed config file to fail")
	}
}

func TestParseCSVFallsBackToWildcard(t *testing.T) {
	if got := parseCSV(" , "); len(got) != 1 || got[0] != "*" {
		t.Fatalf("unexpected csv result %#v", got)
	}
	if got := parseCSV("https://a.example, https://b.example"); len(got) != 2 {
		t.Fatalf("unexpected csv result %#v", got)
	}
}
