package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ig2spotify/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Account: "demoacct"},
		{RunID: runID, TS: now, Stage: progress.StageRunStage, State: "RECOGNIZING"},
		{
			RunID:      runID,
			TS:         now.Add(2 * time.Second),
			Stage:      progress.StageItemDone,
			FileName:   "demoacct_reel_0_audio.mp4",
			ItemStatus: "SUCCESS",
			Dur:        1500 * time.Millisecond,
		},
		{RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageItemDone, FileName: "b", ItemStatus: "NO_MATCH"},
		{RunID: runID, TS: now.Add(15 * time.Second), Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runStages.WithLabelValues("RECOGNIZING")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("SUCCESS")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("NO_MATCH")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.itemDuration, "ig2spotify_item_duration_seconds"))
}

// TestPrometheusSinkRunningGauge keeps the gauge balanced across errors and duplicate starts.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	a := progress.UUIDToBytes(uuid.New())
	b := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: a, TS: now, Stage: progress.StageRunStart},
		{RunID: a, TS: now, Stage: progress.StageRunStart},
		{RunID: b, TS: now, Stage: progress.StageRunStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: a, TS: now, Stage: progress.StageRunError, Note: "boom"},
		{RunID: a, TS: now, Stage: progress.StageRunError},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
}
