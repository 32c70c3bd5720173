package source

import (
	"context"
	"errors"
	"sort"
	"time"

	"releasewatch/services/monitor/internal/store"
)

const TopIssueLimit = 10

var (
	ErrReleaseNotFound = errors.New("no release matches base release")
	ErrNotConfigured   = errors.New("metric source not configured")
)

type Aggregation struct {
	EventsCount int              `json:"eventsCount"`
	IssuesCount int              `json:"issuesCount"`
	UsersCount  int              `json:"usersCount"`
	TopIssues   []store.TopIssue `json:"topIssues"`
}

// MetricSource returns counts for [start, end) only. Callers own any
// cumulative view.
type MetricSource interface {
	AggregateWindow(ctx context.Context, platform store.Platform, release string, start, end time.Time) (Aggregation, error)
}

type ReleaseResolver interface {
	ResolveRelease(ctx context.Context, platform store.Platform, baseRelease string) (string, error)
}

// NoopSource fails every window. Ticks against it are reported as errors and
// leave the window open.
type NoopSource struct{}

func (NoopSource) AggregateWindow(context.Context, store.Platform, string, time.Time, time.Time) (Aggregation, error) {
	return Aggregation{}, ErrNotConfigured
}

// RankTopIssues orders issues by event count and keeps the first TopIssueLimit.
func RankTopIssues(issues []store.TopIssue) []store.TopIssue {
	ranked := make([]store.TopIssue, len(issues))
	copy(ranked, issues)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].EventCount > ranked[j].EventCount
	})
	if len(ranked) > TopIssueLimit {
		ranked = ranked[:TopIssueLimit]
	}
	return ranked
}
