package store

import (
	"strings"
	"time"
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func ParsePlatform(value string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(value))) {
	case PlatformAndroid:
		return PlatformAndroid, true
	case PlatformIOS:
		return PlatformIOS, true
	default:
		return "", false
	}
}

type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusExpired
}

type PauseInfo struct {
	At time.Time `json:"at"`
}

type MonitorSession struct {
	ID                     string     `json:"id"`
	Platform               Platform   `json:"platform"`
	BaseRelease            string     `json:"baseRelease"`
	MatchedRelease         *string    `json:"matchedRelease,omitempty"`
	Status                 Status     `json:"status"`
	StartedAt              time.Time  `json:"startedAt"`
	ExpiresAt              time.Time  `json:"expiresAt"`
	CustomIntervalMinutes  int        `json:"customIntervalMinutes"`
	ExternalScheduleHandle *string    `json:"externalScheduleHandle,omitempty"`
	Pause                  *PauseInfo `json:"pause,omitempty"`
	IsTestMode             bool       `json:"isTestMode"`
	LastHistoryID          *string    `json:"lastHistoryId,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

func (s MonitorSession) Paused() bool {
	return s.Pause != nil
}

func (s MonitorSession) HasSchedule() bool {
	return s.ExternalScheduleHandle != nil && *s.ExternalScheduleHandle != ""
}

// ReleaseIdentifier is the release the metric source is queried with.
func (s MonitorSession) ReleaseIdentifier() string {
	if s.MatchedRelease != nil && strings.TrimSpace(*s.MatchedRelease) != "" {
		return *s.MatchedRelease
	}
	return s.BaseRelease
}

func (s MonitorSession) Interval() time.Duration {
	return time.Duration(s.CustomIntervalMinutes) * time.Minute
}

type TopIssue struct {
	IssueID    string `json:"issueId"`
	Title      string `json:"title"`
	EventCount int    `json:"eventCount"`
	UserCount  int    `json:"userCount"`
}

type MonitorHistory struct {
	ID               string     `json:"id"`
	MonitorID        string     `json:"monitorId"`
	ExecutedAt       time.Time  `json:"executedAt"`
	WindowStart      time.Time  `json:"windowStart"`
	WindowEnd        time.Time  `json:"windowEnd"`
	EventsCount      int        `json:"eventsCount"`
	IssuesCount      int        `json:"issuesCount"`
	UsersCount       int        `json:"usersCount"`
	TopIssues        []TopIssue `json:"topIssues"`
	NotificationSent bool       `json:"notificationSent"`
}

// Totals are derived from history rows and never stored.
type Totals struct {
	Ticks             int `json:"ticks"`
	Events            int `json:"events"`
	Issues            int `json:"issues"`
	Users             int `json:"users"`
	NotificationsSent int `json:"notificationsSent"`
}

func (t Totals) Add(row MonitorHistory) Totals {
	t.Ticks++
	t.Events += row.EventsCount
	t.Issues += row.IssuesCount
	t.Users += row.UsersCount
	if row.NotificationSent {
		t.NotificationsSent++
	}
	return t
}

// SessionPatch is a partial update. Nil fields are left untouched.
//
// The Expect fields make the update conditional on the stored row; when one
// does not match, UpdateSession returns ErrStaleSession and writes nothing.
type SessionPatch struct {
	Status                 *Status
	MatchedRelease         *string
	ExternalScheduleHandle *string
	ClearScheduleHandle    bool
	Pause                  *PauseInfo
	ClearPause             bool

	ExpectStatus *Status
	ExpectPaused *bool
	// ExpectHandle is compared only when CheckHandle is set; nil means no handle.
	CheckHandle  bool
	ExpectHandle *string
}

// Expecting returns p conditioned on the status, pause state and schedule
// handle session was read with.
func (p SessionPatch) Expecting(session MonitorSession) SessionPatch {
	status := session.Status
	paused := session.Paused()
	p.ExpectStatus = &status
	p.ExpectPaused = &paused
	p.CheckHandle = true
	p.ExpectHandle = nil
	if session.HasSchedule() {
		handle := *session.ExternalScheduleHandle
		p.ExpectHandle = &handle
	}
	return p
}

func (p SessionPatch) conditional() bool {
	return p.ExpectStatus != nil || p.ExpectPaused != nil || p.CheckHandle
}

func (p SessionPatch) matches(session MonitorSession) bool {
	if p.ExpectStatus != nil && session.Status != *p.ExpectStatus {
		return false
	}
	if p.ExpectPaused != nil && session.Paused() != *p.ExpectPaused {
		return false
	}
	if p.CheckHandle {
		current := ""
		if session.HasSchedule() {
			current = *session.ExternalScheduleHandle
		}
		expected := ""
		if p.ExpectHandle != nil {
			expected = *p.ExpectHandle
		}
		if current != expected {
			return false
		}
	}
	return true
}

func (p SessionPatch) Empty() bool {
	return p.Status == nil &&
		p.MatchedRelease == nil &&
		p.ExternalScheduleHandle == nil &&
		!p.ClearScheduleHandle &&
		p.Pause == nil &&
		!p.ClearPause
}

func (p SessionPatch) apply(session *MonitorSession) {
	if p.Status != nil {
		session.Status = *p.Status
	}
	if p.MatchedRelease != nil {
		matched := *p.MatchedRelease
		session.MatchedRelease = &matched
	}
	if p.ClearScheduleHandle {
		session.ExternalScheduleHandle = nil
	}
	if p.ExternalScheduleHandle != nil {
		handle := *p.ExternalScheduleHandle
		session.ExternalScheduleHandle = &handle
	}
	if p.ClearPause {
		session.Pause = nil
	}
	if p.Pause != nil {
		pause := *p.Pause
		session.Pause = &pause
	}
}
