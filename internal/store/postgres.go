package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS monitor_sessions (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL CHECK (platform IN ('android', 'ios')),
  base_release TEXT NOT NULL,
  matched_release TEXT,
  status TEXT NOT NULL CHECK (status IN ('active', 'stopped', 'expired')),
  started_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  custom_interval_minutes INTEGER NOT NULL CHECK (custom_interval_minutes > 0),
  external_schedule_handle TEXT,
  paused_at TIMESTAMPTZ,
  is_test_mode BOOLEAN NOT NULL DEFAULT FALSE,
  last_history_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  CHECK (expires_at > started_at)
);

CREATE INDEX IF NOT EXISTS monitor_sessions_status_idx ON monitor_sessions (status, expires_at);

CREATE TABLE IF NOT EXISTS monitor_history (
  seq BIGSERIAL,
  id TEXT PRIMARY KEY,
  monitor_id TEXT NOT NULL REFERENCES monitor_sessions(id) ON DELETE CASCADE,
  executed_at TIMESTAMPTZ NOT NULL,
  window_start TIMESTAMPTZ NOT NULL,
  window_end TIMESTAMPTZ NOT NULL,
  events_count INTEGER NOT NULL CHECK (events_count >= 0),
  issues_count INTEGER NOT NULL CHECK (issues_count >= 0),
  users_count INTEGER NOT NULL CHECK (users_count >= 0),
  top_issues JSONB NOT NULL DEFAULT '[]'::jsonb,
  notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
  CHECK (window_end > window_start)
);

CREATE INDEX IF NOT EXISTS monitor_history_monitor_idx ON monitor_history (monitor_id, executed_at, seq);
`

const sessionColumns = `id, platform, base_release, matched_release, status, started_at, expires_at,
	custom_interval_minutes, external_schedule_handle, paused_at, is_test_mode, last_history_id,
	created_at, updated_at`

const historyColumns = `id, monitor_id, executed_at, window_start, window_end,
	events_count, issues_count, users_count, top_issues, notification_sent`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure monitor schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) GetSession(ctx context.Context, id string) (MonitorSession, error) {
	session, err := scanSession(p.pool.QueryRow(
		ctx,
		`SELECT `+sessionColumns+` FROM monitor_sessions WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return MonitorSession{}, ErrNotFound
	}
	return session, err
}

func (p *Postgres) ListSessions(ctx context.Context) ([]MonitorSession, error) {
	return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM monitor_sessions ORDER BY created_at DESC, id ASC`)
}

func (p *Postgres) ListActiveSessions(ctx context.Context) ([]MonitorSession, error) {
	return p.querySessions(
		ctx,
		`SELECT `+sessionColumns+` FROM monitor_sessions WHERE status = $1 ORDER BY created_at DESC, id ASC`,
		string(StatusActive),
	)
}

func (p *Postgres) querySessions(ctx context.Context, query string, args ...any) ([]MonitorSession, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]MonitorSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sessions, nil
}

func (p *Postgres) CreateSession(ctx context.Context, session MonitorSession) (MonitorSession, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = StatusActive
	}

	var pausedAt *time.Time
	if session.Pause != nil {
		at := session.Pause.At
		pausedAt = &at
	}

	return scanSession(p.pool.QueryRow(
		ctx,
		`INSERT INTO monitor_sessions (
		   id, platform, base_release, matched_release, status, started_at, expires_at,
		   custom_interval_minutes, external_schedule_handle, paused_at, is_test_mode
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+sessionColumns,
		session.ID,
		string(session.Platform),
		session.BaseRelease,
		session.MatchedRelease,
		string(session.Status),
		session.StartedAt,
		session.ExpiresAt,
		session.CustomIntervalMinutes,
		session.ExternalScheduleHandle,
		pausedAt,
		session.IsTestMode,
	))
}

func (p *Postgres) UpdateSession(ctx context.Context, id string, patch SessionPatch) (MonitorSession, error) {
	if patch.Empty() {
		session, err := p.GetSession(ctx, id)
		if err == nil && !patch.matches(session) {
			return MonitorSession{}, ErrStaleSession
		}
		return session, err
	}

	query, args := buildSessionUpdate(id, patch, time.Now().UTC())
	session, err := scanSession(p.pool.QueryRow(ctx, query, args...))
	if !errors.Is(err, pgx.ErrNoRows) {
		return session, err
	}
	if !patch.conditional() {
		return MonitorSession{}, ErrNotFound
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM monitor_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return MonitorSession{}, err
	}
	if !exists {
		return MonitorSession{}, ErrNotFound
	}
	return MonitorSession{}, ErrStaleSession
}

// buildSessionUpdate renders the partial UPDATE for a patch. $1 is always the id.
func buildSessionUpdate(id string, patch SessionPatch, now time.Time) (string, []any) {
	args := []any{id}
	assignments := make([]string, 0, 6)
	set := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.MatchedRelease != nil {
		set("matched_release", *patch.MatchedRelease)
	}
	switch {
	case patch.ExternalScheduleHandle != nil:
		set("external_schedule_handle", *patch.ExternalScheduleHandle)
	case patch.ClearScheduleHandle:
		assignments = append(assignments, "external_schedule_handle = NULL")
	}
	switch {
	case patch.Pause != nil:
		set("paused_at", patch.Pause.At)
	case patch.ClearPause:
		assignments = append(assignments, "paused_at = NULL")
	}
	set("updated_at", now)

	conditions := []string{"id = $1"}
	if patch.ExpectStatus != nil {
		args = append(args, string(*patch.ExpectStatus))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if patch.ExpectPaused != nil {
		if *patch.ExpectPaused {
			conditions = append(conditions, "paused_at IS NOT NULL")
		} else {
			conditions = append(conditions, "paused_at IS NULL")
		}
	}
	if patch.CheckHandle {
		args = append(args, patch.ExpectHandle)
		conditions = append(conditions, fmt.Sprintf("external_schedule_handle IS NOT DISTINCT FROM $%d::text", len(args)))
	}

	query := `UPDATE monitor_sessions SET ` + strings.Join(assignments, ", ") +
		` WHERE ` + strings.Join(conditions, " AND ") + ` RETURNING ` + sessionColumns
	return query, args
}

func (p *Postgres) AppendHistory(ctx context.Context, row MonitorHistory) (MonitorHistory, error) {
	return p.appendHistory(ctx, row, false, nil)
}

func (p *Postgres) AppendHistoryAfter(ctx context.Context, row MonitorHistory, expectedLastID *string) (MonitorHistory, error) {
	return p.appendHistory(ctx, row, true, expectedLastID)
}

func (p *Postgres) appendHistory(
	ctx context.Context,
	row MonitorHistory,
	guarded bool,
	expectedLastID *string,
) (MonitorHistory, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.TopIssues == nil {
		row.TopIssues = []TopIssue{}
	}
	topIssues, err := json.Marshal(row.TopIssues)
	if err != nil {
		return MonitorHistory{}, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return MonitorHistory{}, err
	}
	defer tx.Rollback(ctx)

	updateSQL := `UPDATE monitor_sessions SET last_history_id = $2, updated_at = NOW() WHERE id = $1`
	updateArgs := []any{row.MonitorID, row.ID}
	if guarded {
		updateSQL += ` AND last_history_id IS NOT DISTINCT FROM $3::text`
		updateArgs = append(updateArgs, expectedLastID)
	}

	tag, err := tx.Exec(ctx, updateSQL, updateArgs...)
	if err != nil {
		return MonitorHistory{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM monitor_sessions WHERE id = $1)`, row.MonitorID).Scan(&exists); err != nil {
			return MonitorHistory{}, err
		}
		if !exists {
			return MonitorHistory{}, ErrNotFound
		}
		return MonitorHistory{}, ErrHistoryConflict
	}

	stored, err := scanHistory(tx.QueryRow(
		ctx,
		`INSERT INTO monitor_history (
		   id, monitor_id, executed_at, window_start, window_end,
		   events_count, issues_count, users_count, top_issues, notification_sent
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+historyColumns,
		row.ID,
		row.MonitorID,
		row.ExecutedAt,
		row.WindowStart,
		row.WindowEnd,
		row.EventsCount,
		row.IssuesCount,
		row.UsersCount,
		topIssues,
		row.NotificationSent,
	))
	if err != nil {
		return MonitorHistory{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return MonitorHistory{}, err
	}
	return stored, nil
}

func (p *Postgres) GetLastHistory(ctx context.Context, monitorID string) (*MonitorHistory, error) {
	row, err := scanHistory(p.pool.QueryRow(
		ctx,
		`SELECT `+historyColumns+`
		 FROM monitor_history
		 WHERE monitor_id = $1
		 ORDER BY executed_at DESC, seq DESC
		 LIMIT 1`,
		monitorID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (p *Postgres) ListHistory(ctx context.Context, monitorID string, limit int) ([]MonitorHistory, error) {
	query := `SELECT ` + historyColumns + `
	 FROM monitor_history
	 WHERE monitor_id = $1
	 ORDER BY executed_at ASC, seq ASC`
	args := []any{monitorID}
	if limit > 0 {
		query = `SELECT ` + historyColumns + ` FROM (
		   SELECT seq, ` + historyColumns + `
		   FROM monitor_history
		   WHERE monitor_id = $1
		   ORDER BY executed_at DESC, seq DESC
		   LIMIT $2
		 ) recent
		 ORDER BY executed_at ASC, seq ASC`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]MonitorHistory, 0)
	for rows.Next() {
		row, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, row)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return history, nil
}

func (p *Postgres) HistoryTotals(ctx context.Context, monitorID string) (Totals, error) {
	totals := Totals{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT
		   COUNT(*),
		   COALESCE(SUM(events_count), 0),
		   COALESCE(SUM(issues_count), 0),
		   COALESCE(SUM(users_count), 0),
		   COUNT(*) FILTER (WHERE notification_sent)
		 FROM monitor_history
		 WHERE monitor_id = $1`,
		monitorID,
	).Scan(
		&totals.Ticks,
		&totals.Events,
		&totals.Issues,
		&totals.Users,
		&totals.NotificationsSent,
	)
	if err != nil {
		return Totals{}, err
	}
	return totals, nil
}

func scanSession(row pgx.Row) (MonitorSession, error) {
	session := MonitorSession{}
	var platform, status string
	var pausedAt *time.Time
	err := row.Scan(
		&session.ID,
		&platform,
		&session.BaseRelease,
		&session.MatchedRelease,
		&status,
		&session.StartedAt,
		&session.ExpiresAt,
		&session.CustomIntervalMinutes,
		&session.ExternalScheduleHandle,
		&pausedAt,
		&session.IsTestMode,
		&session.LastHistoryID,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return MonitorSession{}, err
	}

	session.Platform = Platform(platform)
	session.Status = Status(status)
	if pausedAt != nil {
		session.Pause = &PauseInfo{At: pausedAt.UTC()}
	}
	return session, nil
}

func scanHistory(row pgx.Row) (MonitorHistory, error) {
	history := MonitorHistory{}
	var topIssues []byte
	err := row.Scan(
		&history.ID,
		&history.MonitorID,
		&history.ExecutedAt,
		&history.WindowStart,
		&history.WindowEnd,
		&history.EventsCount,
		&history.IssuesCount,
		&history.UsersCount,
		&topIssues,
		&history.NotificationSent,
	)
	if err != nil {
		return MonitorHistory{}, err
	}

	history.TopIssues = []TopIssue{}
	if len(topIssues) > 0 {
		if err := json.Unmarshal(topIssues, &history.TopIssues); err != nil {
			return MonitorHistory{}, fmt.Errorf("decode top issues: %w", err)
		}
	}
	return history, nil
}
