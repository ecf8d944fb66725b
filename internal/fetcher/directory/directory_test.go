package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

func TestNextWalksSortedMedia(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "demoacct")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o750))
	for _, name := range []string{"b_reel_1_audio.mp4", "a_reel_0_audio.mp3", "a_reel_0_audio_trimmed.mp3", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	c, err := New(root, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := c.Next(ctx, "demoacct", 0)
	require.NoError(t, err)
	require.Equal(t, "a_reel_0_audio.mp3", first.FileName)
	require.Equal(t, filepath.Join(dir, "a_reel_0_audio.mp3"), first.Path)

	second, err := c.Next(ctx, "demoacct", 1)
	require.NoError(t, err)
	require.Equal(t, "b_reel_1_audio.mp4", second.FileName)
	require.Equal(t, 1, second.Cursor)

	_, err = c.Next(ctx, "demoacct", 2)
	require.ErrorIs(t, err, pipeline.ErrEndOfStream)
}

func TestNextMissingAccountIsEndOfStream(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = c.Next(context.Background(), "nobody", 0)
	require.ErrorIs(t, err, pipeline.ErrEndOfStream)

	_, err = c.Next(context.Background(), "../etc", 0)
	require.Error(t, err)
	require.NotErrorIs(t, err, pipeline.ErrEndOfStream)
}

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()

	_, err := New("", nil)
	require.Error(t, err)
}
