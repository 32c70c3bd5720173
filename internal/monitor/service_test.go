package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"releasewatch/services/monitor/internal/archive"
	"releasewatch/services/monitor/internal/store"
)

func TestListMonitorsSweepsExpiryAndDerivesTotals(t *testing.T) {
	f := newFixture()
	short := createMonitor(t, f, CreateRequest{Platform: "ios", BaseRelease: "3.4.0", Days: 1, IntervalMinutes: 60})
	long := createMonitor(t, f, defaultRequest())

	f.clock.Advance(time.Hour)
	if _, err := f.service.Tick(context.Background(), long.ID); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	if _, err := f.service.Tick(context.Background(), long.ID); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	f.clock.Advance(24 * time.Hour)
	views, err := f.service.ListMonitors(context.Background())
	if err != nil {
		t.Fatalf("list monitors failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 monitors, got %d", len(views))
	}

	byID := map[string]MonitorView{}
	for _, view := range views {
		byID[view.ID] = view
	}
	if byID[short.ID].Status != store.StatusExpired || byID[short.ID].NextExecutionAt != nil {
		t.Fatalf("expected short session to be expired, got %+v", byID[short.ID])
	}
	longView := byID[long.ID]
	if longView.Totals.Ticks != 2 || longView.Totals.Events != 20 {
		t.Fatalf("unexpected totals %+v", longView.Totals)
	}
	if longView.LastExecutedAt == nil || longView.NextExecutionAt == nil ||
		!longView.NextExecutionAt.Equal(longView.LastExecutedAt.Add(time.Hour)) {
		t.Fatalf("unexpected schedule fields %+v", longView)
	}
}

func TestGetMonitorReturnsRecentHistory(t *testing.T) {
	f := newFixture()
	session := createMonitor(t, f, defaultRequest())
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		if _, err := f.service.Tick(context.Background(), session.ID); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
	}

	detail, err := f.service.GetMonitor(context.Background(), session.ID, 2)
	if err != nil {
		t.Fatalf("get monitor failed: %v", err)
	}
	if len(detail.History) != 2 || detail.Totals.Ticks != 3 {
		t.Fatalf("expected 2 recent rows and 3 total ticks, got %d/%d", len(detail.History), detail.Totals.Ticks)
	}
	if !detail.History[1].WindowEnd.Equal(f.clock.Now()) {
		t.Fatalf("expected newest row last, got %+v", detail.History)
	}

	if _, err := f.service.GetMonitor(context.Background(), "missing", 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTickUnknownSession(t *testing.T) {
	f := newFixture()
	if _, err := f.service.Tick(context.Background(), "mon_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduleSummary(t *testing.T) {
	f := newFixture()
	fresh := createMonitor(t, f, defaultRequest())
	ticked := createMonitor(t, f, CreateRequest{Platform: "ios", BaseRelease: "3.4.0", Days: 7, IntervalMinutes: 120})
	paused := createMonitor(t, f, CreateRequest{Platform: "ios", BaseRelease: "3.5.0", Days: 7, IntervalMinutes: 30})
	if _, err := f.service.PauseMonitor(context.Background(), paused.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.service.Tick(context.Background(), ticked.ID); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	summary, err := f.service.GetScheduleSummary(context.Background())
	if err != nil {
		t.Fatalf("schedule summary failed: %v", err)
	}
	if summary.Total != 2 || summary.DueNow != 1 || summary.Waiting != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.ByIntervalBucket["31-60m"] != 1 || summary.ByIntervalBucket["61-180m"] != 1 {
		t.Fatalf("unexpected buckets %v", summary.ByIntervalBucket)
	}
	for _, entry := range summary.Entries {
		if entry.SessionID == fresh.ID && !entry.Due {
			t.Fatalf("never-ticked session should be due, got %+v", entry)
		}
	}
}

func TestMonitorReportIsLiveForActiveSession(t *testing.T) {
	f := newFixture()
	session := createMonitor(t, f, defaultRequest())
	f.clock.Advance(time.Hour)
	if _, err := f.service.Tick(context.Background(), session.ID); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	payload, err := f.service.MonitorReport(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("monitor report failed: %v", err)
	}
	report := archive.Report{}
	if err := json.Unmarshal(payload, &report); err != nil {
		t.Fatalf("decode report failed: %v", err)
	}
	if report.Session.Status != store.StatusActive || report.Totals.Ticks != 1 {
		t.Fatalf("unexpected live report %+v", report)
	}
}

func TestRestoreLocalRunners(t *testing.T) {
	f := newFixture(withoutScheduler())
	active := createMonitor(t, f, defaultRequest())
	paused := createMonitor(t, f, defaultRequest())
	if _, err := f.service.PauseMonitor(context.Background(), paused.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	restarted := newStubRunner()
	f.service.runner = restarted
	count, err := f.service.RestoreLocalRunners(context.Background())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if count != 1 || !restarted.Running(active.ID) || restarted.Running(paused.ID) {
		t.Fatalf("expected only the active session to be restored, count=%d", count)
	}

	again, _ := f.service.RestoreLocalRunners(context.Background())
	if again != 0 {
		t.Fatalf("restore must be idempotent, started %d more", again)
	}
}

func TestRestoreLocalRunnersIgnoredWithScheduler(t *testing.T) {
	f := newFixture()
	createMonitor(t, f, defaultRequest())

	count, err := f.service.RestoreLocalRunners(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("expected no local runners with an external scheduler, got %d err=%v", count, err)
	}
}

func TestTriggeredTickExpiresLocalSession(t *testing.T) {
	f := newFixture(withoutScheduler())
	session := createMonitor(t, f, CreateRequest{Platform: "ios", BaseRelease: "3.4.0", Days: 1, IntervalMinutes: 60})
	if !f.runner.Running(session.ID) {
		t.Fatal("expected local runner to be started")
	}

	f.clock.Advance(25 * time.Hour)
	f.service.TickSession(context.Background(), session.ID)

	expired, err := f.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if expired.Status != store.StatusExpired {
		t.Fatalf("expected triggered tick to apply expiry, got %s", expired.Status)
	}
	if f.runner.Running(session.ID) {
		t.Fatal("expected local runner to stop once the session expired")
	}
}

func TestTriggeredTickRetiresOrphanedLocalJob(t *testing.T) {
	f := newFixture(withoutScheduler())
	session := createMonitor(t, f, defaultRequest())
	if _, err := f.service.StopMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := f.runner.Start(session.ID, time.Hour); err != nil {
		t.Fatalf("restart runner failed: %v", err)
	}

	f.clock.Advance(time.Hour)
	f.service.TickSession(context.Background(), session.ID)
	if f.runner.Running(session.ID) {
		t.Fatal("expected the orphaned job of a stopped session to be retired")
	}

	if _, err := f.runner.Start("mon_missing", time.Hour); err != nil {
		t.Fatalf("start runner failed: %v", err)
	}
	f.service.TickSession(context.Background(), "mon_missing")
	if f.runner.Running("mon_missing") {
		t.Fatal("expected the job of an unknown session to be retired")
	}
}

func TestTriggeredTickKeepsActiveLocalJob(t *testing.T) {
	f := newFixture(withoutScheduler())
	session := createMonitor(t, f, defaultRequest())

	f.clock.Advance(time.Hour)
	f.service.TickSession(context.Background(), session.ID)
	f.service.TickSession(context.Background(), session.ID)
	if !f.runner.Running(session.ID) {
		t.Fatal("an empty window must not retire the trigger of an active session")
	}
}
