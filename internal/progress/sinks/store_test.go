package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ig2spotify/internal/progress"
	"github.com/JakeFAU/ig2spotify/internal/store"
)

// TestStoreSinkPersistsEvents ensures item counts are collapsed per status before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Account: "demoacct"},
		{RunID: runID, Stage: progress.StageRunStage, TS: now, State: "RECOGNIZING"},
		{RunID: runID, Stage: progress.StageItemDone, TS: now.Add(time.Second), FileName: "a", ItemStatus: "SUCCESS"},
		{RunID: runID, Stage: progress.StageItemDone, TS: now.Add(2 * time.Second), FileName: "b", ItemStatus: "SUCCESS"},
		{RunID: runID, Stage: progress.StageItemDone, TS: now.Add(2 * time.Second), FileName: "c", ItemStatus: "NO_MATCH"},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"start", "state:RECOGNIZING", "items", "items", "complete:success"}, repo.calls())
	require.Equal(t, "demoacct", repo.account)
	require.Equal(t, int64(2), repo.items["SUCCESS"])
	require.Equal(t, int64(1), repo.items["NO_MATCH"])
}

// TestStoreSinkRecordsErrorNote passes the run error text through.
func TestStoreSinkRecordsErrorNote(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunError, TS: time.Now(), Note: "ledger lock not acquired"},
	}))
	require.Equal(t, []string{"complete:error"}, repo.calls())
	require.Equal(t, "ledger lock not acquired", repo.note)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeProgressRepo struct {
	fail    bool
	log     []string
	account string
	note    string
	items   map[string]int64
}

func (f *fakeProgressRepo) calls() []string { return f.log }

func (f *fakeProgressRepo) UpsertRunStart(_ context.Context, _ uuid.UUID, account string, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.account = account
	f.log = append(f.log, "start")
	return nil
}

func (f *fakeProgressRepo) UpdateRunState(_ context.Context, _ uuid.UUID, state string, _ time.Time) error {
	if f.fail {
		return assertErr("state")
	}
	f.log = append(f.log, "state:"+state)
	return nil
}

func (f *fakeProgressRepo) CompleteRun(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	if errMsg != nil {
		f.note = *errMsg
	}
	f.log = append(f.log, "complete:"+string(status))
	return nil
}

func (f *fakeProgressRepo) AddItemStats(_ context.Context, _ uuid.UUID, status string, delta int64, _ time.Time) error {
	if f.fail {
		return assertErr("items")
	}
	if f.items == nil {
		f.items = map[string]int64{}
	}
	f.items[status] += delta
	f.log = append(f.log, "items")
	return nil
}

func (f *fakeProgressRepo) GetRun(context.Context, uuid.UUID) (store.RunHistory, error) {
	return store.RunHistory{}, assertErr("read")
}

func (f *fakeProgressRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.RunHistory, error) {
	return nil, assertErr("list")
}

func (f *fakeProgressRepo) ListRunItems(context.Context, uuid.UUID) ([]store.ItemStats, error) {
	return nil, assertErr("items")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
