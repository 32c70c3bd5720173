package archive

import (
	"context"
	"errors"
	"testing"

	"releasewatch/services/monitor/internal/store"
)

func TestReportKey(t *testing.T) {
	if got := ReportKey("/monitor-history/", store.PlatformIOS, "mon_1"); got != "monitor-history/ios/mon_1.json" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := ReportKey("", store.PlatformAndroid, "mon_2"); got != "monitor-history/android/mon_2.json" {
		t.Fatalf("unexpected default key %q", got)
	}
}

func TestNoopStoreReportsNotConfigured(t *testing.T) {
	noop := NewNoopStore()
	if err := noop.StoreJSON(context.Background(), "k", []byte(`{}`)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := noop.LoadJSON(context.Background(), "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestLifecycleRules(t *testing.T) {
	if _, err := lifecycleRules(0, nil); err == nil {
		t.Fatal("expected zero days to be rejected")
	}

	rules, err := lifecycleRules(30, []string{"monitor-history", "monitor-history/", " "})
	if err != nil {
		t.Fatalf("lifecycle rules failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected deduplicated prefixes, got %d rules", len(rules))
	}
	if rules[0].Filter.Prefix == nil || *rules[0].Filter.Prefix != "monitor-history/" {
		t.Fatalf("unexpected first prefix %v", rules[0].Filter.Prefix)
	}
	if rules[1].Filter.Prefix != nil {
		t.Fatalf("expected bucket-wide rule for blank prefix, got %v", *rules[1].Filter.Prefix)
	}
	if *rules[0].Expiration.Days != 30 {
		t.Fatalf("unexpected expiration %d", *rules[0].Expiration.Days)
	}
}
