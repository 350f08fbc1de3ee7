package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetThreadState returns a thread's timer row; found=false means idle.
func (s *Store) GetThreadState(ctx context.Context, rootURI string) (ThreadState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT root_uri, state, debounce_until, debounce_started_at,
		       cooldown_until, notification_count, last_notification_at, updated_at
		FROM thread_state WHERE root_uri = ?`, rootURI)
	ts, err := scanThreadState(row)
	if err == sql.ErrNoRows {
		return ThreadState{}, false, nil
	}
	if err != nil {
		return ThreadState{}, false, err
	}
	return ts, true, nil
}

// PutThreadState inserts or replaces a thread's timer row.
func (s *Store) PutThreadState(ctx context.Context, ts ThreadState) error {
	if ts.UpdatedAt == "" {
		ts.UpdatedAt = Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state
			(root_uri, state, debounce_until, debounce_started_at,
			 cooldown_until, notification_count, last_notification_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_uri) DO UPDATE SET
			state = excluded.state,
			debounce_until = excluded.debounce_until,
			debounce_started_at = excluded.debounce_started_at,
			cooldown_until = excluded.cooldown_until,
			notification_count = excluded.notification_count,
			last_notification_at = excluded.last_notification_at,
			updated_at = excluded.updated_at`,
		ts.RootURI, string(ts.State), nullStr(ts.DebounceUntil), nullStr(ts.DebounceStartedAt),
		nullStr(ts.CooldownUntil), ts.NotificationCount, nullStr(ts.LastNotificationAt), ts.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put thread state: %w", err)
	}
	return nil
}

// DeleteThreadState removes the timer row entirely; the thread returns to
// idle. Batch history is untouched.
func (s *Store) DeleteThreadState(ctx context.Context, rootURI string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_state WHERE root_uri = ?`, rootURI)
	return err
}

// ExpiredDebounces lists threads whose shared timer has fired.
func (s *Store) ExpiredDebounces(ctx context.Context) ([]ThreadState, error) {
	return s.threadStatesWhere(ctx,
		`state = 'debouncing' AND debounce_until IS NOT NULL AND debounce_until <= ?`, Now())
}

// ExpiredCooldowns lists threads whose quiet period is over.
func (s *Store) ExpiredCooldowns(ctx context.Context) ([]ThreadState, error) {
	return s.threadStatesWhere(ctx,
		`state = 'cooldown' AND cooldown_until IS NOT NULL AND cooldown_until <= ?`, Now())
}

func (s *Store) threadStatesWhere(ctx context.Context, where string, args ...any) ([]ThreadState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT root_uri, state, debounce_until, debounce_started_at,
		       cooldown_until, notification_count, last_notification_at, updated_at
		FROM thread_state WHERE `+where+` ORDER BY root_uri`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ThreadState
	for rows.Next() {
		ts, err := scanThreadState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanThreadState(r rowScanner) (ThreadState, error) {
	var ts ThreadState
	var state string
	var debounceUntil, startedAt, cooldownUntil, lastNotifAt, updatedAt sql.NullString
	err := r.Scan(&ts.RootURI, &state, &debounceUntil, &startedAt,
		&cooldownUntil, &ts.NotificationCount, &lastNotifAt, &updatedAt)
	if err != nil {
		return ThreadState{}, err
	}
	ts.State = ThreadStateName(state)
	ts.DebounceUntil = debounceUntil.String
	ts.DebounceStartedAt = startedAt.String
	ts.CooldownUntil = cooldownUntil.String
	ts.LastNotificationAt = lastNotifAt.String
	ts.UpdatedAt = updatedAt.String
	return ts, nil
}
