// Package store declares interfaces for persisting run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the run_history status column.
type RunStatus string

// Run statuses persisted in run_history.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunHistory models one row of run_history.
type RunHistory struct {
	// ID is the run identifier shared with the tracker.
	ID uuid.UUID
	// Account is the source account the run captured from.
	Account string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// LastState is the most recent pipeline state reported for the run.
	LastState string
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// ItemStats counts ledger rows written by a run, per item status.
type ItemStats struct {
	RunID      uuid.UUID
	Status     string
	Items      int64
	LastUpdate time.Time
}

// ProgressRepository persists run history.
type ProgressRepository interface {
	// UpsertRunStart inserts (or idempotently refreshes) the run row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, account string, startedAt time.Time) error
	// UpdateRunState records the latest pipeline state.
	UpdateRunState(ctx context.Context, runID uuid.UUID, state string, at time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddItemStats adds delta to the (run, status) item count.
	AddItemStats(ctx context.Context, runID uuid.UUID, status string, delta int64, at time.Time) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (RunHistory, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]RunHistory, error)
	// ListRunItems returns the per-status item counts for one run.
	ListRunItems(ctx context.Context, runID uuid.UUID) ([]ItemStats, error)
}
