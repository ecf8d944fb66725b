package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

func newMockLedger(t *testing.T) (*LedgerStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewLedgerStoreWithPool(mock, "ledger", nil)
	require.NoError(t, err)
	return store, mock
}

func TestNewLedgerStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewLedgerStoreWithPool(mock, "bad-name;", nil)
	require.Error(t, err)
	_, err = NewLedgerStoreWithPool(nil, "", nil)
	require.Error(t, err)

	store, err := NewLedgerStoreWithPool(mock, "", nil)
	require.NoError(t, err)
	require.Equal(t, "recognition_ledger", store.table)
}

func TestAppendSkipsConflicts(t *testing.T) {
	t.Parallel()

	store, mock := newMockLedger(t)
	a := pipeline.Record{Timestamp: "t1", FileName: "a.mp4", Title: "Song", Artist: "Artist", Status: pipeline.StatusSuccess, Account: "demoacct", RunID: "run-1"}
	b := pipeline.Record{Timestamp: "t2", FileName: "b.mp4", Status: pipeline.StatusNoMatch, Account: "demoacct", RunID: "run-1"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger").
		WithArgs("t1", "a.mp4", "Song", "Artist", "SUCCESS", "", "demoacct", "run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ledger").
		WithArgs("t2", "b.mp4", "", "", "NO_MATCH", "", "demoacct", "run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := store.Append(context.Background(), a, b)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), pipeline.Record{FileName: "a.mp4", Status: pipeline.StatusNoMatch})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadByRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockLedger(t)
	rows := pgxmock.NewRows(pipeline.Columns).
		AddRow("t1", "a.mp4", "Song", "Artist", "ACRCloud", "spotify:track:1", "demoacct", "run-1").
		AddRow("t2", "b.mp4", "", "", "NO_MATCH", "", "demoacct", "run-1")
	mock.ExpectQuery("SELECT timestamp, file_name, title, artist, status, spotify_uri, account, run_id FROM ledger WHERE run_id").
		WithArgs("run-1").
		WillReturnRows(rows)

	got, err := store.ReadByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, pipeline.StatusSuccess, got[0].Status)
	require.Equal(t, "spotify:track:1", got[0].SpotifyURI)
	require.Equal(t, pipeline.StatusNoMatch, got[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCatalogURIsOnlyFillsEmpty(t *testing.T) {
	t.Parallel()

	store, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger SET spotify_uri").
		WithArgs("spotify:track:a", "a.mp4").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE ledger SET spotify_uri").
		WithArgs("spotify:track:b", "b.mp4").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := store.SetCatalogURIs(context.Background(), map[string]string{
		"b.mp4": "spotify:track:b",
		"a.mp4": "spotify:track:a",
		"c.mp4": "",
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockLedger(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
