package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"releasewatch/services/monitor/internal/archive"
	"releasewatch/services/monitor/internal/config"
	"releasewatch/services/monitor/internal/notify"
	"releasewatch/services/monitor/internal/source"
	"releasewatch/services/monitor/internal/store"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type window struct {
	release string
	start   time.Time
	end     time.Time
}

type stubSource struct {
	mu          sync.Mutex
	aggregation source.Aggregation
	failRelease string
	calls       []window
}

func (s *stubSource) AggregateWindow(_ context.Context, _ store.Platform, release string, start, end time.Time) (source.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, window{release: release, start: start, end: end})
	if s.failRelease != "" && release == s.failRelease {
		return source.Aggregation{}, errors.New("sentry status=502")
	}
	return s.aggregation, nil
}

func (s *stubSource) Calls() []window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]window(nil), s.calls...)
}

// additiveSource reports one event per elapsed minute, so sums over disjoint
// windows equal the count of their union.
type additiveSource struct{}

func (additiveSource) AggregateWindow(_ context.Context, _ store.Platform, _ string, start, end time.Time) (source.Aggregation, error) {
	minutes := int(end.Sub(start) / time.Minute)
	return source.Aggregation{EventsCount: minutes, IssuesCount: minutes / 10, UsersCount: minutes / 2}, nil
}

// barrierSource holds every caller until `parties` of them are inside
// AggregateWindow.
type barrierSource struct {
	arrived sync.WaitGroup
	events  int
}

func newBarrierSource(parties, events int) *barrierSource {
	b := &barrierSource{events: events}
	b.arrived.Add(parties)
	return b
}

func (b *barrierSource) AggregateWindow(context.Context, store.Platform, string, time.Time, time.Time) (source.Aggregation, error) {
	b.arrived.Done()
	b.arrived.Wait()
	return source.Aggregation{EventsCount: b.events}, nil
}

type resolvingSource struct {
	stubSource
	matched string
}

func (r *resolvingSource) ResolveRelease(context.Context, store.Platform, string) (string, error) {
	if r.matched == "" {
		return "", source.ErrReleaseNotFound
	}
	return r.matched, nil
}

type stubNotifier struct {
	mu        sync.Mutex
	err       error
	summaries []notify.Summary
}

func (n *stubNotifier) Notify(_ context.Context, summary notify.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, summary)
	return n.err
}

func (n *stubNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.summaries)
}

type stubScheduler struct {
	mu          sync.Mutex
	registerErr error
	cancelErr   error
	next        int
	active      map[string]string
	cancelled   []string
}

func newStubScheduler() *stubScheduler {
	return &stubScheduler{active: map[string]string{}}
}

func (s *stubScheduler) RegisterRecurring(_ context.Context, sessionID string, _ int, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return "", s.registerErr
	}
	s.next++
	handle := fmt.Sprintf("sch_%d", s.next)
	s.active[handle] = sessionID
	return handle, nil
}

func (s *stubScheduler) Cancel(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, handle)
	if s.cancelErr != nil {
		return s.cancelErr
	}
	delete(s.active, handle)
	return nil
}

func (s *stubScheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

type stubRunner struct {
	mu      sync.Mutex
	running map[string]time.Duration
	starts  int
	// beforeStart runs ahead of registration, outside the lock.
	beforeStart func(sessionID string)
}

func newStubRunner() *stubRunner {
	return &stubRunner{running: map[string]time.Duration{}}
}

func (r *stubRunner) Start(sessionID string, interval time.Duration) (bool, error) {
	if hook := r.beforeStart; hook != nil {
		r.beforeStart = nil
		hook(sessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[sessionID]; ok {
		return false, nil
	}
	r.running[sessionID] = interval
	r.starts++
	return true, nil
}

func (r *stubRunner) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	delete(r.running, sessionID)
	return ok
}

func (r *stubRunner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string]json.RawMessage
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{objects: map[string]json.RawMessage{}}
}

func (a *memoryArchive) StoreJSON(_ context.Context, key string, payload json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = append(json.RawMessage(nil), payload...)
	return nil
}

func (a *memoryArchive) LoadJSON(_ context.Context, key string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload, ok := a.objects[key]
	if !ok {
		return nil, archive.ErrObjectNotFound
	}
	return payload, nil
}

func (a *memoryArchive) Close() error {
	return nil
}

// flakyStore fails session updates once failUpdates is set.
type flakyStore struct {
	*store.Memory
	failUpdates bool
}

func (f *flakyStore) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (store.MonitorSession, error) {
	if f.failUpdates {
		return store.MonitorSession{}, errors.New("connection reset")
	}
	return f.Memory.UpdateSession(ctx, id, patch)
}

// stallingSource never answers for stallRelease before the caller gives up.
type stallingSource struct {
	stallRelease string
}

func (s stallingSource) AggregateWindow(ctx context.Context, _ store.Platform, release string, _, _ time.Time) (source.Aggregation, error) {
	if release == s.stallRelease {
		<-ctx.Done()
		return source.Aggregation{}, ctx.Err()
	}
	return source.Aggregation{EventsCount: 5}, nil
}

// interleavingStore runs interleave once, right before the first session
// update accepted by when, standing in for a concurrent writer.
type interleavingStore struct {
	*store.Memory
	mu         sync.Mutex
	when       func(store.SessionPatch) bool
	interleave func()
	fired      bool
}

func (s *interleavingStore) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (store.MonitorSession, error) {
	s.mu.Lock()
	run := !s.fired && s.when != nil && s.when(patch)
	if run {
		s.fired = true
	}
	s.mu.Unlock()

	if run {
		s.interleave()
	}
	return s.Memory.UpdateSession(ctx, id, patch)
}

func testThresholds() config.Thresholds {
	return config.Thresholds{
		EventsCritical:  100,
		UsersCritical:   50,
		SurgeMultiplier: 2,
		SurgeMinEvents:  20,
		SurgeLookback:   6,
	}
}

func testIntervals() config.IntervalPolicy {
	return config.IntervalPolicy{
		DefaultMinutes: 60,
		MinMinutes:     30,
		MinTestMinutes: 1,
		MaxMinutes:     1440,
		DefaultDays:    7,
		MaxDays:        30,
	}
}

type fixture struct {
	service   *Service
	store     store.Store
	source    source.MetricSource
	notifier  *stubNotifier
	scheduler *stubScheduler
	runner    *stubRunner
	archive   *memoryArchive
	clock     *testClock
}

type fixtureOption func(*Dependencies, *Settings)

func withoutScheduler() fixtureOption {
	return func(deps *Dependencies, _ *Settings) { deps.Scheduler = nil }
}

func withStore(s store.Store) fixtureOption {
	return func(deps *Dependencies, _ *Settings) { deps.Store = s }
}

func withSource(src source.MetricSource) fixtureOption {
	return func(deps *Dependencies, _ *Settings) { deps.Source = src }
}

func withMetricTimeout(timeout time.Duration) fixtureOption {
	return func(_ *Dependencies, settings *Settings) { settings.MetricTimeout = timeout }
}

func newFixture(opts ...fixtureOption) *fixture {
	f := &fixture{
		notifier:  &stubNotifier{},
		scheduler: newStubScheduler(),
		runner:    newStubRunner(),
		archive:   newMemoryArchive(),
		clock:     &testClock{now: baseTime},
	}
	deps := Dependencies{
		Store:     store.NewMemory(),
		Source:    &stubSource{aggregation: source.Aggregation{EventsCount: 10, IssuesCount: 2, UsersCount: 3}},
		Notifier:  f.notifier,
		Scheduler: f.scheduler,
		Runner:    f.runner,
		Archive:   f.archive,
	}
	settings := Settings{
		Thresholds:     testThresholds(),
		Intervals:      testIntervals(),
		MetricTimeout:  time.Second,
		CallbackTarget: "monitor.tick",
		ArchivePrefix:  "monitor-history",
	}
	for _, opt := range opts {
		opt(&deps, &settings)
	}

	f.store = deps.Store
	f.source = deps.Source
	f.service = NewService(deps, settings)
	f.service.SetClock(f.clock.Now)
	return f
}
