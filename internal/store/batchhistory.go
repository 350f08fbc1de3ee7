package store

import (
	"context"
	"database/sql"
)

// GetBatchHistory returns the delivery watermark for a thread.
func (s *Store) GetBatchHistory(ctx context.Context, rootURI string) (BatchHistory, bool, error) {
	var h BatchHistory
	var processedAt, newestIndexed sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT root_uri, last_batch_processed_at, last_batch_newest_post_indexed_at
		FROM thread_batch_history WHERE root_uri = ?`, rootURI).
		Scan(&h.RootURI, &processedAt, &newestIndexed)
	if err == sql.ErrNoRows {
		return BatchHistory{}, false, nil
	}
	if err != nil {
		return BatchHistory{}, false, err
	}
	h.LastBatchProcessedAt = processedAt.String
	h.LastBatchNewestPostIndexedAt = newestIndexed.String
	return h, true, nil
}

// RecordBatch advances the watermark after a batch dispatch. The newest
// watermark only moves forward: a re-dispatch of older material must not
// rewind what has already been shown downstream.
func (s *Store) RecordBatch(ctx context.Context, rootURI, newestPostIndexedAt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_batch_history
			(root_uri, last_batch_processed_at, last_batch_newest_post_indexed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(root_uri) DO UPDATE SET
			last_batch_processed_at = excluded.last_batch_processed_at,
			last_batch_newest_post_indexed_at = MAX(
				COALESCE(thread_batch_history.last_batch_newest_post_indexed_at, ''),
				excluded.last_batch_newest_post_indexed_at)`,
		rootURI, Now(), newestPostIndexedAt)
	return err
}
