// Package ffmpeg extracts the trailing audio of a media file with the ffmpeg CLI.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

// MinClipBytes is the smallest output treated as a usable clip.
const MinClipBytes = 1000

// Config locates the binaries.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	// KeepClips leaves the trimmed clip next to the source after recognition.
	KeepClips bool
}

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Converter implements pipeline.Converter.
type Converter struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
}

// New builds a converter that shells out to ffprobe and ffmpeg.
func New(cfg Config, logger *zap.Logger) *Converter {
	return NewWithRunner(cfg, execRunner{}, logger)
}

// NewWithRunner builds a converter over a custom command runner.
func NewWithRunner(cfg Config, runner Runner, logger *zap.Logger) *Converter {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{cfg: cfg, runner: runner, logger: logger}
}

// ExtractTailAudio writes the last seconds of media as MP3 to
// <base>_trimmed.mp3 next to the source file.
func (c *Converter) ExtractTailAudio(ctx context.Context, media pipeline.MediaItem, seconds int) (pipeline.AudioClip, error) {
	if seconds <= 0 {
		return pipeline.AudioClip{}, fmt.Errorf("invalid clip length %d", seconds)
	}
	if _, err := os.Stat(media.Path); err != nil {
		return pipeline.AudioClip{}, fmt.Errorf("stat media: %w", err)
	}
	duration, err := c.probeDuration(ctx, media.Path)
	if err != nil {
		return pipeline.AudioClip{}, err
	}
	start := duration - float64(seconds)
	if start < 0 {
		start = 0
	}

	out := strings.TrimSuffix(media.Path, filepath.Ext(media.Path)) + "_trimmed.mp3"
	_, stderr, err := c.runner.Run(ctx, c.cfg.FFmpegPath,
		"-y", "-i", media.Path,
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.Itoa(seconds),
		"-vn", "-acodec", "libmp3lame", out,
	)
	if err != nil {
		_ = os.Remove(out)
		return pipeline.AudioClip{}, fmt.Errorf("ffmpeg trim: %w: %s", err, tail(stderr))
	}
	info, err := os.Stat(out)
	if err != nil {
		return pipeline.AudioClip{}, fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	if info.Size() < MinClipBytes {
		_ = os.Remove(out)
		return pipeline.AudioClip{}, fmt.Errorf("ffmpeg output too small (%d bytes)", info.Size())
	}

	clipLen := float64(seconds)
	if duration < clipLen {
		clipLen = duration
	}
	c.logger.Debug("audio trimmed",
		zap.String("file", media.FileName),
		zap.Float64("duration_s", duration),
		zap.Float64("start_s", start))
	return pipeline.AudioClip{
		Path:      out,
		Source:    media,
		Duration:  time.Duration(clipLen * float64(time.Second)),
		Temporary: !c.cfg.KeepClips,
	}, nil
}

// probeDuration returns the container duration in seconds; empty output
// reads as zero.
func (c *Converter) probeDuration(ctx context.Context, path string) (float64, error) {
	stdout, stderr, err := c.runner.Run(ctx, c.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w: %s", err, tail(stderr))
	}
	raw := strings.TrimSpace(string(stdout))
	if raw == "" || raw == "N/A" {
		return 0, nil
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, errors.New("negative media duration")
	}
	return d, nil
}

func tail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	const limit = 512
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
