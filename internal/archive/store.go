package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"releasewatch/services/monitor/internal/store"
)

var ErrNotConfigured = errors.New("archive store not configured")

type Store interface {
	StoreJSON(ctx context.Context, objectKey string, payload json.RawMessage) error
	LoadJSON(ctx context.Context, objectKey string) (json.RawMessage, error)
	Close() error
}

type LifecycleConfigurer interface {
	EnsureLifecyclePolicy(ctx context.Context, expirationDays int, prefixes []string) error
}

// Report is the snapshot written when a session reaches a terminal status.
type Report struct {
	Session    store.MonitorSession   `json:"session"`
	History    []store.MonitorHistory `json:"history"`
	Totals     store.Totals           `json:"totals"`
	ArchivedAt time.Time              `json:"archivedAt"`
}

func ReportKey(prefix string, platform store.Platform, sessionID string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "monitor-history"
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, platform, sessionID)
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) StoreJSON(_ context.Context, _ string, _ json.RawMessage) error {
	return ErrNotConfigured
}

func (s *NoopStore) LoadJSON(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}

func (s *NoopStore) EnsureLifecyclePolicy(_ context.Context, _ int, _ []string) error {
	return ErrNotConfigured
}
