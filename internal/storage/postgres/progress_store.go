package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ig2spotify/internal/store"
)

// ProgressStore implements store.ProgressRepository on the run_history and
// run_item_stats tables.
type ProgressStore struct {
	pool pgxPool
}

// NewProgressStore connects to Postgres and returns a ProgressStore.
func NewProgressStore(ctx context.Context, cfg PoolConfig, autoMigrate bool) (*ProgressStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &ProgressStore{pool: pool}
	if autoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewProgressStoreWithPool wraps an existing pool (primarily for testing).
func NewProgressStoreWithPool(pool pgxPool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the history tables.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS run_history (
	id            UUID PRIMARY KEY,
	account       TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	last_state    TEXT NOT NULL DEFAULT '',
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS run_item_stats (
	run_id      UUID NOT NULL REFERENCES run_history (id),
	status      TEXT NOT NULL,
	items       BIGINT NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, status)
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create history tables: %w", err)
	}
	return nil
}

// UpsertRunStart inserts the run row, leaving an existing row untouched.
func (s *ProgressStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, account string, startedAt time.Time) error {
	query := `
		INSERT INTO run_history (id, account, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, account, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// UpdateRunState records the latest pipeline state for a run.
func (s *ProgressStore) UpdateRunState(ctx context.Context, runID uuid.UUID, state string, _ time.Time) error {
	query := `UPDATE run_history SET last_state = $1 WHERE id = $2;`
	if _, err := s.pool.Exec(ctx, query, state, runID); err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// CompleteRun marks a run as completed with a status and optional error message.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE run_history
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// AddItemStats adds delta to the item count for (run, status).
func (s *ProgressStore) AddItemStats(ctx context.Context, runID uuid.UUID, status string, delta int64, at time.Time) error {
	query := `
		INSERT INTO run_item_stats (run_id, status, items, last_update)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, status) DO UPDATE
		SET items = run_item_stats.items + EXCLUDED.items,
			last_update = EXCLUDED.last_update;
	`
	if _, err := s.pool.Exec(ctx, query, runID, status, delta, at); err != nil {
		return fmt.Errorf("failed to add item stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.RunHistory, error) {
	query := `
		SELECT id, account, started_at, finished_at, status, last_state, error_message
		FROM run_history
		WHERE id = $1;
	`
	var run store.RunHistory
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Account,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.LastState,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunHistory{}, store.ErrNotFound
		}
		return store.RunHistory{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.RunHistory, error) {
	query := `
		SELECT id, account, started_at, finished_at, status, last_state, error_message
		FROM run_history
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.RunHistory
	for rows.Next() {
		var run store.RunHistory
		if err := rows.Scan(
			&run.ID,
			&run.Account,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.LastState,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunItems returns per-status item counts for a run.
func (s *ProgressStore) ListRunItems(ctx context.Context, runID uuid.UUID) ([]store.ItemStats, error) {
	query := `
		SELECT run_id, status, items, last_update
		FROM run_item_stats
		WHERE run_id = $1
		ORDER BY status;
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run items: %w", err)
	}
	defer rows.Close()

	var stats []store.ItemStats
	for rows.Next() {
		var stat store.ItemStats
		if err := rows.Scan(&stat.RunID, &stat.Status, &stat.Items, &stat.LastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan item stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}
