package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"releasewatch/services/monitor/internal/store"
)

var ErrNoSinks = errors.New("no notification sinks configured")

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Counts struct {
	Events int `json:"events"`
	Issues int `json:"issues"`
	Users  int `json:"users"`
}

func (c Counts) Sub(other Counts) Counts {
	return Counts{
		Events: c.Events - other.Events,
		Issues: c.Issues - other.Issues,
		Users:  c.Users - other.Users,
	}
}

type Summary struct {
	SessionID       string           `json:"sessionId"`
	Platform        store.Platform   `json:"platform"`
	BaseRelease     string           `json:"baseRelease"`
	Release         string           `json:"release"`
	TestMode        bool             `json:"testMode"`
	IntervalMinutes int              `json:"intervalMinutes"`
	WindowStart     time.Time        `json:"windowStart"`
	WindowEnd       time.Time        `json:"windowEnd"`
	Current         Counts           `json:"current"`
	Previous        *Counts          `json:"previous,omitempty"`
	Cumulative      Counts           `json:"cumulative"`
	TopIssues       []store.TopIssue `json:"topIssues"`
	Severity        Severity         `json:"severity"`
	Reason          string           `json:"reason"`
}

// Delta is the change against the previous window, zero on a first tick.
func (s Summary) Delta() Counts {
	if s.Previous == nil {
		return Counts{}
	}
	return s.Current.Sub(*s.Previous)
}

type Notifier interface {
	Notify(ctx context.Context, summary Summary) error
}

// Multi delivers to every sink and succeeds when at least one of them did.
type Multi struct {
	sinks []Notifier
}

func NewMulti(sinks ...Notifier) *Multi {
	kept := make([]Notifier, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &Multi{sinks: kept}
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

func (m *Multi) Notify(ctx context.Context, summary Summary) error {
	if len(m.sinks) == 0 {
		return ErrNoSinks
	}

	var errs []error
	delivered := 0
	for index, sink := range m.sinks {
		if err := sink.Notify(ctx, summary); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", index, err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
