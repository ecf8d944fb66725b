package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

var errTransient = errors.New("no new audio stream")

func TestCaptureRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, demoFiles()...)
	h.capturer.errs = []error{errTransient, errTransient, nil, errTransient}
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "demoacct", "p", 3)
	w.Process(ctx, item)

	run, err := h.tracker.Get(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, run.State)
	assert.Equal(t, 3, run.Counters.Captured)
	assert.Equal(t, 3, run.Limit)
	assert.Equal(t, 6, h.capturer.callCount())
}

func TestCaptureStopsAtFailureCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, demoFiles()...)
	h.capturer.errs = []error{nil, errTransient, errTransient, errTransient, errTransient}
	h.cfg.MaxConsecutiveFailures = 3
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "demoacct", "p", 3)
	w.Process(ctx, item)

	run, err := h.tracker.Get(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, run.State, "a degraded capture still finishes the run")
	assert.Equal(t, 1, run.Counters.Captured)
	assert.Equal(t, 1, run.Limit, "limit drops to what was captured")
	assert.Equal(t, 1, run.Counters.Recognized)
	assert.Equal(t, 4, h.capturer.callCount())
	assert.True(t, run.PlaylistDone)
}

func TestCaptureEndOfStreamLowersLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "only_reel_0_audio.mp4")
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "only", "p", 5)
	w.Process(ctx, item)

	run, err := h.tracker.Get(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, run.State)
	assert.Equal(t, 1, run.Limit)
	assert.Equal(t, 1, run.Counters.Captured)
	assert.Equal(t, 2, h.capturer.callCount())
}
