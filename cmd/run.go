package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/ig2spotify/internal/id/uuid"
	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

const pollInterval = 500 * time.Millisecond

func newRunCmd() *cobra.Command {
	var params pipeline.RunParameters
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline in-process and wait for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, params)
		},
	}
	cmd.Flags().StringVarP(&params.Account, "account", "a", "", "Instagram account to capture (required)")
	cmd.Flags().StringVarP(&params.PlaylistName, "playlist", "p", "", "Spotify playlist name (default from worker.default_playlist)")
	cmd.Flags().IntVarP(&params.Limit, "limit", "n", 0, "number of reels to capture (default from worker.default_limit)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func runPipeline(cmd *cobra.Command, params pipeline.RunParameters) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	params.Account = strings.TrimPrefix(strings.TrimSpace(params.Account), "@")
	if params.Account == "" {
		return errors.New("--account is required")
	}
	if params.Limit == 0 {
		params.Limit = e.cfg.Worker.DefaultLimit
	}
	if params.Limit < 0 {
		return errors.New("--limit must be > 0")
	}
	if params.PlaylistName == "" {
		params.PlaylistName = e.cfg.Worker.DefaultPlaylist
	}

	app, err := buildApp(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() { _ = app.Close(context.WithoutCancel(cmd.Context())) }()

	runID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	now := time.Now()
	tracker := app.Tracker()
	if err := tracker.Create(cmd.Context(), pipeline.NewRun(runID, params, now)); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Runner().Process(cmd.Context(), pipeline.QueueItem{
			RunID:     runID,
			Params:    params,
			Attempt:   1,
			Submitted: now.Unix(),
		})
	}()

	out := cmd.ErrOrStderr()
	bar := newRunBar(out, params)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-ticker.C:
		}
		run, err := tracker.Get(context.WithoutCancel(cmd.Context()), runID)
		if err != nil {
			return fmt.Errorf("poll run: %w", err)
		}
		updateRunBar(bar, run)
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(out)
	}

	run, err := tracker.Get(context.WithoutCancel(cmd.Context()), runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	printRunSummary(cmd.OutOrStdout(), run)
	if run.State == pipeline.StateErrored {
		return fmt.Errorf("run %s failed: %s", run.ID, run.ErrorText)
	}
	return nil
}

// newRunBar returns nil when out is not a terminal.
func newRunBar(out io.Writer, params pipeline.RunParameters) *progressbar.ProgressBar {
	f, ok := out.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return nil
	}
	return progressbar.NewOptions(params.Limit,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("@"+params.Account),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("reels"),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func updateRunBar(bar *progressbar.ProgressBar, run pipeline.Run) {
	if bar == nil {
		return
	}
	if run.Limit > 0 && int64(run.Limit) != bar.GetMax64() {
		bar.ChangeMax(run.Limit)
	}
	bar.Describe(fmt.Sprintf("@%s %s", run.Params.Account, strings.ToLower(string(run.State))))
	done := run.Counters.Recognized
	if run.State == pipeline.StateCapturing {
		done = run.Counters.Captured
	}
	_ = bar.Set(done)
}

func printRunSummary(w io.Writer, run pipeline.Run) {
	fmt.Fprintf(w, "run %s: %s\n", run.ID, run.State)
	fmt.Fprintf(w, "  captured:   %d/%d\n", run.Counters.Captured, run.Limit)
	fmt.Fprintf(w, "  recognized: %d\n", run.Counters.Recognized)
	fmt.Fprintf(w, "  matched:    %d\n", run.Counters.Matched)
	if run.PlaylistURL != "" {
		fmt.Fprintf(w, "  playlist:   %s\n", run.PlaylistURL)
	}
	if run.ErrorText != "" {
		fmt.Fprintf(w, "  error:      %s\n", run.ErrorText)
	}
}
