package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateCapturing, true},
		{StateCapturing, StateRecognizing, true},
		{StateRecognizing, StateResolving, true},
		{StateResolving, StatePlaylistSyncing, true},
		{StatePlaylistSyncing, StateDone, true},
		{StateCapturing, StateErrored, true},
		{StateCreated, StateErrored, true},
		{StateRecognizing, StateCapturing, false},
		{StateDone, StateErrored, false},
		{StateErrored, StateDone, false},
		{StateCreated, State("BOGUS"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	st, err := ParseStatus("ACRCloud")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, st)

	st, err = ParseStatus(" NO_MATCH ")
	require.NoError(t, err)
	require.Equal(t, StatusNoMatch, st)

	_, err = ParseStatus("PENDING")
	require.Error(t, err)
	require.False(t, Status("PENDING").Terminal())
	require.True(t, StatusPreprocessFailed.Terminal())
}

func TestNewRecordFromOutcome(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecord(at, "demo_reel_0_audio.mp4", "demoacct", "run-1", Success{Title: "Song A", Artist: "Artist A"})
	require.Equal(t, "2024-05-01T12:00:00Z", rec.Timestamp)
	require.Equal(t, StatusSuccess, rec.Status)
	require.Equal(t, "Song A", rec.Title)
	require.True(t, rec.Resolvable())

	failed := NewRecord(at, "demo_reel_1_audio.mp4", "demoacct", "run-1", PreprocessFailed{Err: errors.New("ffmpeg")})
	require.Equal(t, StatusPreprocessFailed, failed.Status)
	require.Empty(t, failed.Title)
	require.False(t, failed.Resolvable())
}

func TestRecordGetSetRoundTrip(t *testing.T) {
	t.Parallel()

	var rec Record
	for i, col := range Columns {
		rec.Set(col, col+"-value")
		if col == "status" {
			require.Equal(t, Status("status-value"), rec.Status)
			continue
		}
		require.Equal(t, col+"-value", rec.Get(col), "column %d", i)
	}
	rec.Set("status", "ACRCloud")
	require.Equal(t, StatusSuccess, rec.Status)
	require.Len(t, rec.Values(), len(Columns))
}

func TestProcessedFileNamesAndFilter(t *testing.T) {
	t.Parallel()

	records := []Record{
		{FileName: "a", Status: StatusSuccess, RunID: "r1"},
		{FileName: "b", Status: Status(""), RunID: "r1"},
		{FileName: "c", Status: StatusNoMatch, RunID: "r2"},
	}
	seen := ProcessedFileNames(records)
	require.Contains(t, seen, "a")
	require.Contains(t, seen, "c")
	require.NotContains(t, seen, "b")

	require.Len(t, FilterByRun(records, "r1"), 2)
	require.Empty(t, FilterByRun(records, "missing"))
}

func TestCause(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	require.ErrorIs(t, Cause(RecognitionFailed{Err: boom}), boom)
	require.ErrorIs(t, Cause(PreprocessFailed{Err: boom}), boom)
	require.NoError(t, Cause(NoMatch{}))
	require.NoError(t, Cause(Success{}))
}
