package store

import (
	"context"
	"fmt"
	"time"

	"github.com/p-blackswan/agentforge/internal/retry"
)

// DeleteBefore removes completed runs that finished before cutoff. Runs
// still in flight are never removed.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?",
			cutoff.UnixMilli(),
		)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}
	if removed > 0 {
		// cached records may be among the deleted ones
		s.cache.clear()
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("retention pass removed runs")
	}
	return removed, nil
}

// RunRetention removes completed runs older than maxAge. A non-positive
// maxAge disables retention.
func (s *Store) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	return s.DeleteBefore(ctx, s.now().Add(-maxAge))
}

// DBSizeBytes returns the database size in bytes.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
