package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/retry"
)

// Record is one persisted run.
type Record struct {
	RunID       string          `json:"run_id"`
	Phase       string          `json:"phase"`
	ProjectPath string          `json:"project_path"`
	Document    json.RawMessage `json:"document"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (r *Record) clone() *Record {
	out := *r
	out.Document = append(json.RawMessage(nil), r.Document...)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// ListOptions filters ListRuns.
type ListOptions struct {
	Phase string
	Limit int
}

// SaveRun upserts a run. The document must be valid JSON.
func (s *Store) SaveRun(ctx context.Context, rec *Record) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("save run: run_id is required")
	}
	if !json.Valid(rec.Document) {
		return fmt.Errorf("save run %s: document is not valid JSON", rec.RunID)
	}

	var completed sql.NullInt64
	if rec.CompletedAt != nil {
		completed = sql.NullInt64{Int64: rec.CompletedAt.UnixMilli(), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, phase, project_path, document, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				phase = excluded.phase,
				project_path = excluded.project_path,
				document = excluded.document,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at`,
			rec.RunID, rec.Phase, rec.ProjectPath, string(rec.Document),
			rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), completed,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	s.cache.put(rec.clone())
	return nil
}

// GetRun loads one run. Unknown IDs return ferrors.ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (*Record, error) {
	if rec, ok := s.cache.get(runID); ok {
		return rec.clone(), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, phase, project_path, document, created_at, updated_at, completed_at
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ferrors.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	s.cache.put(rec)
	return rec.clone(), nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]*Record, error) {
	query := `SELECT run_id, phase, project_path, document, created_at, updated_at, completed_at FROM runs`
	var (
		where []string
		args  []any
	)
	if opts.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, opts.Phase)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRun removes one run. Unknown IDs return ferrors.ErrRunNotFound.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		res, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
		return err
	})
	s.cache.remove(runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete run %s: %w", runID, ferrors.ErrRunNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		doc       string
		created   int64
		updated   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&rec.RunID, &rec.Phase, &rec.ProjectPath, &doc, &created, &updated, &completed); err != nil {
		return nil, err
	}
	rec.Document = json.RawMessage(doc)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	if completed.Valid {
		at := time.UnixMilli(completed.Int64).UTC()
		rec.CompletedAt = &at
	}
	return &rec, nil
}
