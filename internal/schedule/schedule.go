package schedule

import (
	"sort"
	"time"
)

// IsDue reports whether a session should tick at now. A session that never ran
// is due as soon as it has started.
func IsDue(startedAt time.Time, intervalMinutes int, lastExecutedAt *time.Time, now time.Time) bool {
	if now.Before(startedAt) {
		return false
	}
	if lastExecutedAt == nil {
		return true
	}
	return now.Sub(*lastExecutedAt) >= minutes(intervalMinutes)
}

func NextExecutionAt(startedAt time.Time, lastExecutedAt *time.Time, intervalMinutes int) time.Time {
	base := startedAt
	if lastExecutedAt != nil {
		base = *lastExecutedAt
	}
	return base.Add(minutes(intervalMinutes))
}

func minutes(value int) time.Duration {
	if value < 0 {
		value = 0
	}
	return time.Duration(value) * time.Minute
}

type Entry struct {
	SessionID       string
	StartedAt       time.Time
	IntervalMinutes int
	LastExecutedAt  *time.Time
}

type EntryStatus struct {
	SessionID       string     `json:"sessionId"`
	IntervalMinutes int        `json:"intervalMinutes"`
	Due             bool       `json:"due"`
	LastExecutedAt  *time.Time `json:"lastExecutedAt,omitempty"`
	NextExecutionAt time.Time  `json:"nextExecutionAt"`
}

type Summary struct {
	Total            int            `json:"total"`
	DueNow           int            `json:"dueNow"`
	Waiting          int            `json:"waiting"`
	ByIntervalBucket map[string]int `json:"byIntervalBucket"`
	NextDueAt        *time.Time     `json:"nextDueAt,omitempty"`
	Entries          []EntryStatus  `json:"entries"`
}

// Summarize is reporting only; trigger sources decide when ticks run.
func Summarize(entries []Entry, now time.Time) Summary {
	summary := Summary{
		Total:            len(entries),
		ByIntervalBucket: map[string]int{},
		Entries:          make([]EntryStatus, 0, len(entries)),
	}

	for _, entry := range entries {
		due := IsDue(entry.StartedAt, entry.IntervalMinutes, entry.LastExecutedAt, now)
		next := NextExecutionAt(entry.StartedAt, entry.LastExecutedAt, entry.IntervalMinutes)
		if due {
			summary.DueNow++
		} else {
			summary.Waiting++
			if summary.NextDueAt == nil || next.Before(*summary.NextDueAt) {
				candidate := next
				summary.NextDueAt = &candidate
			}
		}
		summary.ByIntervalBucket[IntervalBucket(entry.IntervalMinutes)]++
		summary.Entries = append(summary.Entries, EntryStatus{
			SessionID:       entry.SessionID,
			IntervalMinutes: entry.IntervalMinutes,
			Due:             due,
			LastExecutedAt:  entry.LastExecutedAt,
			NextExecutionAt: next,
		})
	}

	sort.SliceStable(summary.Entries, func(i, j int) bool {
		return summary.Entries[i].NextExecutionAt.Before(summary.Entries[j].NextExecutionAt)
	})
	return summary
}

func IntervalBucket(intervalMinutes int) string {
	switch {
	case intervalMinutes <= 15:
		return "<=15m"
	case intervalMinutes <= 30:
		return "16-30m"
	case intervalMinutes <= 60:
		return "31-60m"
	case intervalMinutes <= 180:
		return "61-180m"
	default:
		return ">180m"
	}
}
