package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConsumeRateLimit atomically increments the bucket for (key, window) and
// reports whether the increment stayed within limit. The caller owns the
// windowing policy; the store only guarantees atomic counting.
func (s *Store) ConsumeRateLimit(ctx context.Context, key string, windowStart time.Time, limit int) (bool, int, error) {
	window := formatTime(windowStart)
	var count int
	err := s.withTx(ctx, "consume rate limit", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rate_buckets SET count=count+1 WHERE key=? AND window_start=?`,
			key, window)
		if err != nil {
			return fmt.Errorf("increment bucket: %w", mapSQLError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rate_buckets(key, window_start, count) VALUES(?, ?, 1)`,
				key, window); err != nil {
				return fmt.Errorf("insert bucket: %w", mapSQLError(err))
			}
		}
		row := tx.QueryRowContext(ctx,
			`SELECT count FROM rate_buckets WHERE key=? AND window_start=?`, key, window)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("read bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

// PruneRateBuckets drops buckets for windows older than the cutoff.
func (s *Store) PruneRateBuckets(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_buckets WHERE window_start < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune rate buckets: %w", mapSQLError(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
