package store

import (
	"context"
	"database/sql"
)

// StartSession opens a new scheduler session and returns its id.
func (s *Store) StartSession(ctx context.Context) (int64, error) {
	now := Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (started_at, last_seen_at) VALUES (?, ?)`, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateSession adds counter deltas to a session. Counters accumulate in the
// database rather than in process memory so restarts and concurrent
// schedulers stay auditable.
func (s *Store) UpdateSession(ctx context.Context, id int64, processed, skipped, errored int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_seen_at = ?,
		    notifications_processed = notifications_processed + ?,
		    notifications_skipped = notifications_skipped + ?,
		    notifications_error = notifications_error + ?
		WHERE id = ?`, Now(), processed, skipped, errored, id)
	return err
}

// EndSession stamps ended_at.
func (s *Store) EndSession(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ?`, Now(), id)
	return err
}

// GetSession returns one session row.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	var sess Session
	var endedAt, lastSeenAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, last_seen_at,
		       notifications_processed, notifications_skipped, notifications_error
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.StartedAt, &endedAt, &lastSeenAt,
			&sess.Processed, &sess.Skipped, &sess.Errored)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.EndedAt = endedAt.String
	sess.LastSeenAt = lastSeenAt.String
	return sess, nil
}
