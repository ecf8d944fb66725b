package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

func openTestStore(t *testing.T) *LedgerStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func row(name, runID string, status pipeline.Status) pipeline.Record {
	return pipeline.Record{
		Timestamp: "2024-05-01T12:00:00Z",
		FileName:  name,
		Status:    status,
		Account:   "demoacct",
		RunID:     runID,
	}
}

func TestAppendReadAndConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)

	first := row("a.mp4", "run-1", pipeline.StatusSuccess)
	first.Title, first.Artist = "Opus", "Eric Prydz"
	n, err := store.Append(ctx, first, row("b.mp4", "run-1", pipeline.StatusNoMatch))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.Append(ctx, row("a.mp4", "run-2", pipeline.StatusNoMatch), row("c.mp4", "run-2", pipeline.StatusPreprocessFailed))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, first, all[0])
	require.Equal(t, "c.mp4", all[2].FileName)

	byRun, err := store.ReadByRun(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	require.Equal(t, pipeline.StatusPreprocessFailed, byRun[0].Status)

	_, err = store.Append(ctx, pipeline.Record{})
	require.Error(t, err)
}

func TestSetCatalogURIsOnlyFillsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	done := row("a.mp4", "run-1", pipeline.StatusSuccess)
	done.SpotifyURI = "spotify:track:existing"
	_, err := store.Append(ctx, done, row("b.mp4", "run-1", pipeline.StatusSuccess))
	require.NoError(t, err)

	updated, err := store.SetCatalogURIs(ctx, map[string]string{
		"a.mp4": "spotify:track:other",
		"b.mp4": "spotify:track:new",
		"c.mp4": "spotify:track:ghost",
		"d.mp4": "",
	})
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "spotify:track:existing", all[0].SpotifyURI)
	require.Equal(t, "spotify:track:new", all[1].SpotifyURI)
}

func TestConcurrentAppendsKeepEveryRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	const writers = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, row(fmt.Sprintf("item_%02d.mp4", i), "run-c", pipeline.StatusNoMatch))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := store.ReadByRun(ctx, "run-c")
	require.NoError(t, err)
	require.Len(t, all, writers)
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(ctx, path, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, row("a.mp4", "run-1", pipeline.StatusSuccess))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	all, err := reopened.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, path, reopened.Path())
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	err = retryOnBusy(context.Background(), func() error {
		return errors.New("SQLITE_BUSY")
	})
	require.ErrorIs(t, err, pipeline.ErrLedgerLocked)

	plain := errors.New("syntax error")
	require.Equal(t, plain, retryOnBusy(context.Background(), func() error { return plain }))
	require.Error(t, func() error { _, err := Open(context.Background(), "", nil); return err }())
}

func TestAffectedWrapsDriverError(t *testing.T) {
	t.Parallel()

	n, err := affected(fakeResult{rows: 3}, "insert ledger row")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = affected(fakeResult{err: errors.New("driver gone")}, "update ledger uri")
	require.ErrorContains(t, err, "update ledger uri: rows affected: driver gone")
}

type fakeResult struct {
	rows int64
	err  error
}

func (f fakeResult) LastInsertId() (int64, error) { return 0, nil }

func (f fakeResult) RowsAffected() (int64, error) { return f.rows, f.err }
