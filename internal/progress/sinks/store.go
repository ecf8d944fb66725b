package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/progress"
	"github.com/JakeFAU/ig2spotify/internal/store"
)

// StoreSink persists run history via a store.ProgressRepository. It collapses
// item counts per (run, status) to reduce write amplification.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run events in order and item deltas once per batch. It
// respects ctx deadlines and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunStage, progress.StageRunDone, progress.StageRunError:
			// Item rows reference the run row, so flush pending items before a
			// terminal update and after the start insert.
			if evt.Stage == progress.StageRunDone || evt.Stage == progress.StageRunError {
				if err := s.flushStats(ctx, stats); err != nil {
					return err
				}
			}
			if err := s.handleRunEvent(ctx, runID, evt); err != nil {
				return err
			}
		case progress.StageItemDone:
			s.recordItem(stats, runID, evt)
		}
	}
	return s.flushStats(ctx, stats)
}

func (s *StoreSink) flushStats(ctx context.Context, stats map[statsKey]*statsDelta) error {
	for key, delta := range stats {
		if delta.items > 0 {
			if err := s.repo.AddItemStats(ctx, key.runID, key.status, delta.items, delta.at); err != nil {
				return fmt.Errorf("add item stats: %w", err)
			}
		}
		delete(stats, key)
	}
	return nil
}

func (s *StoreSink) handleRunEvent(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.repo.UpsertRunStart(ctx, runID, evt.Account, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageRunStage:
		if err := s.repo.UpdateRunState(ctx, runID, evt.State, evt.TS); err != nil {
			return fmt.Errorf("update run state: %w", err)
		}
	case progress.StageRunDone:
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageRunError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) recordItem(stats map[statsKey]*statsDelta, runID uuid.UUID, evt progress.Event) {
	key := statsKey{runID: runID, status: evt.ItemStatus}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	stat.items++
	if evt.TS.After(stat.at) {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID  uuid.UUID
	status string
}

type statsDelta struct {
	items int64
	at    time.Time
}
