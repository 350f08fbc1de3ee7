package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	logx "harkbot/pkg/logx"
)

const notificationColumns = `uri, indexed_at, processed_at, status, reason,
	author_handle, author_did, text, parent_uri, root_uri, error, metadata,
	retry_count, last_retry_at, debounce_until, debounce_reason,
	thread_chain_id, auto_debounced, high_traffic_thread`

// maxTextLen is the stored snippet length in runes.
const maxTextLen = 500

// truncateRunes caps s at n runes, never splitting a multibyte sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Insert stores a new notification as pending. The existence check and the
// insert run in one immediate transaction: two concurrent ingestions of the
// same uri cannot both succeed.
func (s *Store) Insert(ctx context.Context, n Notification) (InsertResult, error) {
	if n.URI == "" {
		return InsertDuplicate, ErrMissingURI
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertDuplicate, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE uri = ?`, n.URI).Scan(&exists)
	switch {
	case err == nil:
		return InsertDuplicate, nil
	case err != sql.ErrNoRows:
		return InsertDuplicate, fmt.Errorf("check existing: %w", err)
	}

	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return InsertDuplicate, fmt.Errorf("encode metadata: %w", err)
	}

	// Truncate stored text; the store keeps a snippet, not the full post.
	text := truncateRunes(n.Text, maxTextLen)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications
			(uri, indexed_at, reason, author_handle, author_did, text,
			 parent_uri, root_uri, status, metadata, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, 0)`,
		n.URI, n.IndexedAt, n.Reason, n.AuthorHandle, n.AuthorDID, text,
		nullStr(n.ParentURI), nullStr(n.RootURI), string(meta),
	)
	if err != nil {
		return InsertDuplicate, fmt.Errorf("insert notification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return InsertDuplicate, fmt.Errorf("commit insert: %w", err)
	}
	return InsertAdded, nil
}

// Get returns one notification by uri.
func (s *Store) Get(ctx context.Context, uri string) (Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE uri = ?`, uri)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return Notification{}, ErrNotFound
	}
	return n, err
}

// MarkInProgress claims a pending notification. It is a soft claim via
// conditional update, not a lock: claimed=false means someone else got
// there first (or the record left pending), and the caller should skip.
func (s *Store) MarkInProgress(ctx context.Context, uri string) (claimed bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = 'in_progress' WHERE uri = ? AND status = 'pending'`, uri)
	if err != nil {
		return false, fmt.Errorf("mark in_progress: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

// Release puts an in_progress notification back to pending (a transient
// dispatch failure keeps the record eligible for the next cycle).
func (s *Store) Release(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = 'pending' WHERE uri = ? AND status = 'in_progress'`, uri)
	return err
}

// MarkProcessed transitions a notification to a terminal status.
func (s *Store) MarkProcessed(ctx context.Context, uri string, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, processed_at = ?, error = ? WHERE uri = ?`,
		string(status), Now(), nullStr(errMsg), uri)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter and stamps last_retry_at,
// returning the new count.
func (s *Store) IncrementRetry(ctx context.Context, uri string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET retry_count = retry_count + 1, last_retry_at = ?
		WHERE uri = ?
		RETURNING retry_count`, Now(), uri).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// GetUnprocessed returns pending notifications, FIFO by indexed_at.
// Rows still inside a debounce window are excluded.
func (s *Store) GetUnprocessed(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = 'pending'
		  AND (debounce_until IS NULL OR debounce_until <= ?)
		ORDER BY indexed_at ASC
		LIMIT ?`, Now(), limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// LatestProcessedTime returns the indexed_at of the most recently handled
// notification, or empty when nothing has been handled yet.
func (s *Store) LatestProcessedTime(ctx context.Context) (string, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(indexed_at) FROM notifications
		WHERE status IN ('processed', 'ignored', 'no_reply')`).Scan(&latest)
	if err != nil {
		return "", err
	}
	return latest.String, nil
}

// NotificationForRoot returns the representative active notification for a
// thread root: mention beats reply beats anything else, earliest first.
func (s *Store) NotificationForRoot(ctx context.Context, rootURI string) (Notification, bool, error) {
	return s.representative(ctx, `root_uri`, rootURI)
}

// NotificationForParent is NotificationForRoot keyed on the parent post.
func (s *Store) NotificationForParent(ctx context.Context, parentURI string) (Notification, bool, error) {
	return s.representative(ctx, `parent_uri`, parentURI)
}

func (s *Store) representative(ctx context.Context, column, uri string) (Notification, bool, error) {
	if uri == "" {
		return Notification{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE (`+column+` = ? OR uri = ?)
		  AND status IN ('pending', 'processed', 'ignored', 'no_reply')
		ORDER BY
			CASE reason
				WHEN 'mention' THEN 1
				WHEN 'reply' THEN 2
				ELSE 3
			END,
			indexed_at ASC
		LIMIT 1`, uri, uri)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, err
	}
	return n, true, nil
}

// ThreadNotificationCount counts a thread's notifications inside the
// lookback window ending now.
func (s *Store) ThreadNotificationCount(ctx context.Context, rootURI string, window time.Duration) (int, error) {
	cutoff := timeText(time.Now().Add(-window))
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE (root_uri = ? OR uri = ?) AND indexed_at >= ?`,
		rootURI, rootURI, cutoff).Scan(&count)
	return count, err
}

// SetAutoDebounce stamps the shared thread timer onto one notification and
// flags it as part of a high-traffic thread.
func (s *Store) SetAutoDebounce(ctx context.Context, uri, until, reason, chainID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET debounce_until = ?, debounce_reason = ?, thread_chain_id = ?,
		    auto_debounced = 1, high_traffic_thread = 1
		WHERE uri = ?`, until, nullStr(reason), nullStr(chainID), uri)
	return err
}

// SetDebounce re-arms a single notification's debounce (responder-requested
// revisit) without the high-traffic flags.
func (s *Store) SetDebounce(ctx context.Context, uri, until, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET debounce_until = ?, debounce_reason = ?
		WHERE uri = ?`, until, nullStr(reason), uri)
	return err
}

// ArmThreadDebounce stamps the shared timer and high-traffic flags onto
// every pending row of a thread at once, returning how many rows it hit.
// Used both when a thread first crosses the threshold (rows queued before
// the crossing join the timer too) and on every extension.
func (s *Store) ArmThreadDebounce(ctx context.Context, rootURI, until, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET debounce_until = ?, debounce_reason = ?, thread_chain_id = ?,
		    auto_debounced = 1, high_traffic_thread = 1
		WHERE (root_uri = ? OR uri = ? OR thread_chain_id = ?)
		  AND status = 'pending'`,
		until, nullStr(reason), rootURI, rootURI, rootURI, rootURI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RewriteThreadDebounce writes one deadline onto every pending row of a
// thread in lockstep. One logical timer governs the thread; rows already
// claimed in_progress are left alone.
func (s *Store) RewriteThreadDebounce(ctx context.Context, rootURI, until string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET debounce_until = ?
		WHERE (root_uri = ? OR uri = ? OR thread_chain_id = ?)
		  AND status = 'pending'
		  AND debounce_until IS NOT NULL`,
		until, rootURI, rootURI, rootURI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ThreadDebounced returns the thread's auto-debounced, still-pending
// notifications in arrival order. This is the batch body at expiry time.
func (s *Store) ThreadDebounced(ctx context.Context, rootURI string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE (root_uri = ? OR uri = ? OR thread_chain_id = ?)
		  AND auto_debounced = 1
		  AND status IN ('pending', 'in_progress')
		ORDER BY indexed_at ASC`, rootURI, rootURI, rootURI)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// ClearBatchDebounce clears debounce metadata for exactly the thread's
// auto-debounced rows, returning how many were cleared.
func (s *Store) ClearBatchDebounce(ctx context.Context, rootURI string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET debounce_until = NULL, debounce_reason = NULL, auto_debounced = 0
		WHERE (root_uri = ? OR uri = ? OR thread_chain_id = ?)
		  AND auto_debounced = 1`, rootURI, rootURI, rootURI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearHighTrafficFlags drops one notification out of batch handling so it
// flows through the single-notification path.
func (s *Store) ClearHighTrafficFlags(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET debounce_until = NULL, debounce_reason = NULL,
		    auto_debounced = 0, high_traffic_thread = 0
		WHERE uri = ?`, uri)
	return err
}

// CleanupOlderThan deletes terminal records past the retention window and
// reclaims file space when anything was removed.
func (s *Store) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := timeText(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE indexed_at < ?
		  AND status IN ('processed', 'ignored', 'no_reply', 'error')`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("cleaned up old notification records", logx.Int64("deleted", deleted))
		_, _ = s.db.ExecContext(ctx, "VACUUM")
	}
	return deleted, nil
}

// Stats summarizes the notifications table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[Status]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return st, err
		}
		st.ByStatus[Status(status)] = count
		st.Total += count
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	yesterday := timeText(time.Now().Add(-24 * time.Hour))
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE indexed_at > ?`, yesterday).Scan(&st.Recent24h); err != nil {
		return st, err
	}
	return st, nil
}

// ---- row scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(r rowScanner) (Notification, error) {
	var n Notification
	var (
		processedAt, reason, authorHandle, authorDID, text sql.NullString
		parentURI, rootURI, errMsg, metadata, lastRetryAt  sql.NullString
		debounceUntil, debounceReason, threadChainID       sql.NullString
		autoDebounced, highTraffic                         int
		status                                             string
	)
	err := r.Scan(
		&n.URI, &n.IndexedAt, &processedAt, &status, &reason,
		&authorHandle, &authorDID, &text, &parentURI, &rootURI, &errMsg, &metadata,
		&n.RetryCount, &lastRetryAt, &debounceUntil, &debounceReason,
		&threadChainID, &autoDebounced, &highTraffic,
	)
	if err != nil {
		return Notification{}, err
	}
	n.ProcessedAt = processedAt.String
	n.Status = Status(status)
	n.Reason = reason.String
	n.AuthorHandle = authorHandle.String
	n.AuthorDID = authorDID.String
	n.Text = text.String
	n.ParentURI = parentURI.String
	n.RootURI = rootURI.String
	n.Error = errMsg.String
	n.LastRetryAt = lastRetryAt.String
	n.DebounceUntil = debounceUntil.String
	n.DebounceReason = debounceReason.String
	n.ThreadChainID = threadChainID.String
	n.AutoDebounced = autoDebounced != 0
	n.HighTraffic = highTraffic != 0
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &n.Metadata)
	}
	return n, nil
}

func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
