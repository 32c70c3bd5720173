package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"releasewatch/services/monitor/internal/archive"
	"releasewatch/services/monitor/internal/store"
)

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name    string
		request CreateRequest
	}{
		{name: "unknown platform", request: CreateRequest{Platform: "web", BaseRelease: "1.0.0", Days: 7, IntervalMinutes: 60}},
		{name: "missing release", request: CreateRequest{Platform: "ios", BaseRelease: "  ", Days: 7, IntervalMinutes: 60}},
		{name: "too many days", request: CreateRequest{Platform: "ios", BaseRelease: "1.0.0", Days: 31, IntervalMinutes: 60}},
		{name: "negative days", request: CreateRequest{Platform: "ios", BaseRelease: "1.0.0", Days: -1, IntervalMinutes: 60}},
		{name: "short interval", request: CreateRequest{Platform: "ios", BaseRelease: "1.0.0", Days: 7, IntervalMinutes: 5}},
		{name: "long interval", request: CreateRequest{Platform: "ios", BaseRelease: "1.0.0", Days: 7, IntervalMinutes: 1441}},
	}

	f := newFixture()
	for _, tc := range cases {
		if _, err := f.service.CreateMonitor(context.Background(), tc.request); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	sessions, _ := f.store.ListSessions(context.Background())
	if len(sessions) != 0 {
		t.Fatalf("rejected requests must not persist sessions, got %d", len(sessions))
	}
	if f.scheduler.ActiveCount() != 0 {
		t.Fatalf("rejected requests must not register schedules, got %d", f.scheduler.ActiveCount())
	}
}

func TestCreateAppliesDefaultsAndTestModeFloor(t *testing.T) {
	f := newFixture()

	session := createMonitor(t, f, CreateRequest{Platform: "Android", BaseRelease: " 5.12.0 "})
	if session.CustomIntervalMinutes != 60 || !session.ExpiresAt.Equal(baseTime.Add(7*24*time.Hour)) {
		t.Fatalf("expected default interval and days, got %+v", session)
	}
	if session.Platform != store.PlatformAndroid || session.BaseRelease != "5.12.0" {
		t.Fatalf("expected normalized input, got %+v", session)
	}

	testSession := createMonitor(t, f, CreateRequest{Platform: "ios", BaseRelease: "3.4.0", Days: 1, IntervalMinutes: 5, IsTestMode: true})
	if testSession.CustomIntervalMinutes != 5 || !testSession.IsTestMode {
		t.Fatalf("expected test session with 5 minute interval, got %+v", testSession)
	}
}

func TestCreateSurvivesRegistrationFailure(t *testing.T) {
	f := newFixture()
	f.scheduler.registerErr = errors.New("scheduler unavailable")

	outcome, err := f.service.CreateMonitor(context.Background(), defaultRequest())
	if err != nil {
		t.Fatalf("create must not fail on registration error: %v", err)
	}
	if outcome.Session.Status != store.StatusActive || outcome.Session.ExternalScheduleHandle != nil {
		t.Fatalf("expected active session without handle, got %+v", outcome.Session)
	}
	if len(outcome.Warnings) != 1 || !strings.Contains(outcome.Warnings[0], "scheduler unavailable") {
		t.Fatalf("expected registration warning, got %v", outcome.Warnings)
	}
}

func TestCreateCancelsScheduleWhenHandleCannotBeStored(t *testing.T) {
	flaky := &flakyStore{Memory: store.NewMemory()}
	f := newFixture(withStore(flaky))

	flaky.failUpdates = true
	if _, err := f.service.CreateMonitor(context.Background(), defaultRequest()); err == nil {
		t.Fatal("expected create to fail when the handle cannot be stored")
	}
	if f.scheduler.ActiveCount() != 0 {
		t.Fatalf("expected compensating cancel, %d schedules still active", f.scheduler.ActiveCount())
	}
	if len(f.scheduler.cancelled) != 1 || f.scheduler.cancelled[0] != "sch_1" {
		t.Fatalf("expected sch_1 to be cancelled, got %v", f.scheduler.cancelled)
	}
}

func TestIllegalTransitionsDoNotMutate(t *testing.T) {
	f := newFixture()
	session := createMonitor(t, f, defaultRequest())

	if _, err := f.service.ResumeMonitor(context.Background(), session.ID); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused for active session, got %v", err)
	}

	f.clock.Advance(time.Minute)
	stopped, err := f.service.StopMonitor(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.service.PauseMonitor(context.Background(), session.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive for stopped session, got %v", err)
	}
	if _, err := f.service.ResumeMonitor(context.Background(), session.ID); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused for stopped session, got %v", err)
	}
	if _, err := f.service.StopMonitor(context.Background(), session.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}

	after, err := f.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if after.Status != store.StatusStopped || after.Pause != nil || !after.UpdatedAt.Equal(stopped.UpdatedAt) {
		t.Fatalf("session mutated by rejected transitions: before=%+v after=%+v", stopped, after)
	}
}

func TestPauseTwiceIsRejected(t *testing.T) {
	f := newFixture()
	session := createMonitor(t, f, defaultRequest())

	if _, err := f.service.PauseMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if _, err := f.service.PauseMonitor(context.Background(), session.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive on second pause, got %v", err)
	}
}

func TestResumeRegistersFreshSchedule(t *testing.T) {
	f := newFixture()
	session := createMonitor(t, f, defaultRequest())
	if _, err := f.service.PauseMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	outcome, err := f.service.ResumeMonitor(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	resumed := outcome.Session
	if resumed.Paused() || !resumed.HasSchedule() {
		t.Fatalf("expected unpaused session with a schedule, got %+v", resumed)
	}
	if *resumed.ExternalScheduleHandle == *session.ExternalScheduleHandle {
		t.Fatalf("expected a new handle, got %s again", *resumed.ExternalScheduleHandle)
	}
	if f.scheduler.ActiveCount() != 1 {
		t.Fatalf("expected exactly one active schedule, got %d", f.scheduler.ActiveCount())
	}
}

func TestStopSucceedsWhenCancelFails(t *testing.T) {
	f := newFixture()
	session := createMonitor(t, f, defaultRequest())
	f.scheduler.cancelErr = errors.New("scheduler timeout")

	stopped, err := f.service.StopMonitor(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("stop must not fail on cancel error: %v", err)
	}
	if stopped.Status != store.StatusStopped || stopped.ExternalScheduleHandle != nil {
		t.Fatalf("unexpected stopped session %+v", stopped)
	}

	f.clock.Advance(time.Hour)
	batch, err := f.service.Tick(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("orphaned trigger tick failed: %v", err)
	}
	if batch.Results[0].Status != ResultSkipped || batch.Results[0].Reason != ReasonExpiredOrInactive {
		t.Fatalf("orphaned trigger must be a no-op, got %+v", batch.Results[0])
	}
}

func TestStopArchivesReport(t *testing.T) {
	f := newFixture()
	session := createMonitor(t, f, defaultRequest())
	f.clock.Advance(time.Hour)
	if _, err := f.service.Tick(context.Background(), session.ID); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if _, err := f.service.StopMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	key := archive.ReportKey("monitor-history", store.PlatformAndroid, session.ID)
	payload, err := f.archive.LoadJSON(context.Background(), key)
	if err != nil {
		t.Fatalf("expected archived report at %s: %v", key, err)
	}
	report := archive.Report{}
	if err := json.Unmarshal(payload, &report); err != nil {
		t.Fatalf("decode report failed: %v", err)
	}
	if report.Session.Status != store.StatusStopped || len(report.History) != 1 || report.Totals.Events != 10 {
		t.Fatalf("unexpected report %+v", report)
	}

	served, err := f.service.MonitorReport(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("monitor report failed: %v", err)
	}
	if string(served) != string(payload) {
		t.Fatal("expected terminal session report to be served from the archive")
	}
}

func TestLocalRunnerWithoutScheduler(t *testing.T) {
	f := newFixture(withoutScheduler())
	session := createMonitor(t, f, defaultRequest())
	if session.HasSchedule() {
		t.Fatalf("local sessions must not carry an external handle, got %v", *session.ExternalScheduleHandle)
	}
	if !f.runner.Running(session.ID) {
		t.Fatal("expected local runner to be started")
	}

	if _, err := f.service.PauseMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if f.runner.Running(session.ID) {
		t.Fatal("expected local runner to stop on pause")
	}

	if _, err := f.service.ResumeMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !f.runner.Running(session.ID) {
		t.Fatal("expected local runner to restart on resume")
	}

	if _, err := f.service.StopMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if f.runner.Running(session.ID) {
		t.Fatal("expected local runner to stop on stop")
	}
}

func TestResumeLosesToStopBeforeUnpause(t *testing.T) {
	sessions := &interleavingStore{Memory: store.NewMemory()}
	f := newFixture(withStore(sessions))
	session := createMonitor(t, f, defaultRequest())
	if _, err := f.service.PauseMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	var stopErr error
	sessions.when = func(patch store.SessionPatch) bool { return patch.ClearPause }
	sessions.interleave = func() { _, stopErr = f.service.StopMonitor(context.Background(), session.ID) }

	if _, err := f.service.ResumeMonitor(context.Background(), session.ID); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused after concurrent stop, got %v", err)
	}
	if stopErr != nil {
		t.Fatalf("concurrent stop failed: %v", stopErr)
	}

	stored, _ := f.store.GetSession(context.Background(), session.ID)
	if stored.Status != store.StatusStopped || stored.HasSchedule() {
		t.Fatalf("expected stopped session without a schedule, got %+v", stored)
	}
	if f.scheduler.ActiveCount() != 0 {
		t.Fatalf("expected no active schedules, got %d", f.scheduler.ActiveCount())
	}
}

func TestStopDuringResumeRegistrationCancelsNewSchedule(t *testing.T) {
	sessions := &interleavingStore{Memory: store.NewMemory()}
	f := newFixture(withStore(sessions))
	session := createMonitor(t, f, defaultRequest())
	if _, err := f.service.PauseMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	var stopErr error
	sessions.when = func(patch store.SessionPatch) bool { return patch.ExternalScheduleHandle != nil }
	sessions.interleave = func() { _, stopErr = f.service.StopMonitor(context.Background(), session.ID) }

	outcome, err := f.service.ResumeMonitor(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("resume must degrade rather than fail, got %v", err)
	}
	if stopErr != nil {
		t.Fatalf("concurrent stop failed: %v", stopErr)
	}
	if len(outcome.Warnings) == 0 {
		t.Fatal("expected a warning about the discarded schedule")
	}
	if outcome.Session.Status != store.StatusStopped {
		t.Fatalf("expected resume to report the stopped session, got %+v", outcome.Session)
	}

	stored, _ := f.store.GetSession(context.Background(), session.ID)
	if stored.Status != store.StatusStopped || stored.HasSchedule() {
		t.Fatalf("expected stopped session without a schedule, got %+v", stored)
	}
	if f.scheduler.ActiveCount() != 0 {
		t.Fatalf("resume left %d schedules behind a stopped session", f.scheduler.ActiveCount())
	}
}

func TestStopDuringLocalResumeStopsRunner(t *testing.T) {
	f := newFixture(withoutScheduler())
	session := createMonitor(t, f, defaultRequest())
	if _, err := f.service.PauseMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	var stopErr error
	f.runner.beforeStart = func(id string) { _, stopErr = f.service.StopMonitor(context.Background(), id) }

	if _, err := f.service.ResumeMonitor(context.Background(), session.ID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if stopErr != nil {
		t.Fatalf("concurrent stop failed: %v", stopErr)
	}
	if f.runner.Running(session.ID) {
		t.Fatal("expected local runner to be withdrawn for the stopped session")
	}
}

func TestCleanupExpiredYieldsToConcurrentStop(t *testing.T) {
	sessions := &interleavingStore{Memory: store.NewMemory()}
	f := newFixture(withStore(sessions))
	session := createMonitor(t, f, CreateRequest{Platform: "ios", BaseRelease: "3.4.0", Days: 1, IntervalMinutes: 60})
	f.clock.Advance(25 * time.Hour)

	var stopErr error
	sessions.when = func(patch store.SessionPatch) bool {
		return patch.Status != nil && *patch.Status == store.StatusExpired
	}
	sessions.interleave = func() { _, stopErr = f.service.StopMonitor(context.Background(), session.ID) }

	count, err := f.service.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if stopErr != nil {
		t.Fatalf("concurrent stop failed: %v", stopErr)
	}
	if count != 0 {
		t.Fatalf("expected the stopped session to be left alone, got count=%d", count)
	}

	stored, _ := f.store.GetSession(context.Background(), session.ID)
	if stored.Status != store.StatusStopped {
		t.Fatalf("stop must not be overwritten by expiry, got %s", stored.Status)
	}
	if f.scheduler.ActiveCount() != 0 {
		t.Fatalf("expected no active schedules, got %d", f.scheduler.ActiveCount())
	}
}
