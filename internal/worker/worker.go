// Package worker implements the run execution loop: capture, recognize,
// resolve and playlist sync.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/progress"
	"github.com/JakeFAU/ig2spotify/internal/telemetry"
)

const (
	defaultTailSeconds            = 20
	defaultMaxConsecutiveFailures = 10
	defaultPlaylistName           = "ig2spotify"
	clipContentType               = "audio/mpeg"
)

// Config controls Worker behavior.
type Config struct {
	TailSeconds            int
	MaxConsecutiveFailures int
	Parallelism            int
	// MinScore rejects first candidates scoring below it. Zero accepts any.
	MinScore            float64
	DefaultPlaylistName string
	ArchiveClips        bool
	BlobPrefix          string
	Topic               string
}

// Worker consumes queue items and executes the pipeline for each run.
type Worker struct {
	queue      pipeline.Queue
	tracker    pipeline.RunTracker
	ledger     pipeline.Ledger
	capturer   pipeline.Capturer
	converter  pipeline.Converter
	recognizer pipeline.Recognizer
	reconciler pipeline.Reconciler
	blobStore  pipeline.BlobStore
	publisher  pipeline.Publisher
	hasher     pipeline.Hasher
	clock      pipeline.Clock
	events     progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. blobStore, publisher and hasher may be nil when
// archiving and publishing are disabled.
func New(
	queue pipeline.Queue,
	tracker pipeline.RunTracker,
	ledger pipeline.Ledger,
	capturer pipeline.Capturer,
	converter pipeline.Converter,
	recognizer pipeline.Recognizer,
	reconciler pipeline.Reconciler,
	blobStore pipeline.BlobStore,
	publisher pipeline.Publisher,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = progress.Discard
	}
	if cfg.TailSeconds <= 0 {
		cfg.TailSeconds = defaultTailSeconds
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.DefaultPlaylistName == "" {
		cfg.DefaultPlaylistName = defaultPlaylistName
	}
	return &Worker{
		queue:      queue,
		tracker:    tracker,
		ledger:     ledger,
		capturer:   capturer,
		converter:  converter,
		recognizer: recognizer,
		reconciler: reconciler,
		blobStore:  blobStore,
		publisher:  publisher,
		hasher:     hasher,
		clock:      clock,
		events:     events,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.Process(ctx, item)
	}
}

// Process executes one run to a terminal state. It is exported so the CLI
// can run a pipeline in-process without a queue.
func (w *Worker) Process(ctx context.Context, item pipeline.QueueItem) {
	started := w.clock.Now()
	params := w.normalize(item.Params)
	log := w.logger.With(zap.String("run_id", item.RunID), zap.String("account", params.Account))

	ctx, span := telemetry.Tracer().Start(ctx, "run")
	span.SetAttributes(
		attribute.String("run.id", item.RunID),
		attribute.String("run.account", params.Account),
		attribute.Int("run.limit", params.Limit),
	)
	defer span.End()

	w.emit(progress.Event{RunID: runBytes(item.RunID), Stage: progress.StageRunStart, Account: params.Account})

	summary, err := w.execute(ctx, item.RunID, params, log)
	elapsed := w.clock.Now().Sub(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("run failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		if terr := w.tracker.Transition(context.WithoutCancel(ctx), item.RunID, pipeline.StateErrored, err.Error()); terr != nil {
			log.Error("mark run errored", zap.Error(terr))
		} else {
			telemetry.ObserveRunTransition(string(pipeline.StateErrored))
		}
		w.emit(progress.Event{
			RunID:   runBytes(item.RunID),
			Stage:   progress.StageRunError,
			Account: params.Account,
			Dur:     elapsed,
			Note:    err.Error(),
		})
		summary.State = pipeline.StateErrored
		summary.Error = err.Error()
	} else {
		log.Info("run finished",
			zap.Int("captured", summary.Captured),
			zap.Int("appended", summary.Appended),
			zap.Int("skipped", summary.Skipped),
			zap.Int("resolved", summary.Resolved),
			zap.Int("added", summary.Added),
			zap.Duration("elapsed", elapsed))
		w.emit(progress.Event{RunID: runBytes(item.RunID), Stage: progress.StageRunDone, Account: params.Account, Dur: elapsed})
	}
	if perr := w.publishSummary(context.WithoutCancel(ctx), summary); perr != nil {
		log.Warn("publish run summary failed", zap.Error(perr))
	}
}

// Summary is the completion message published for each run.
type Summary struct {
	RunID       string         `json:"run_id"`
	Account     string         `json:"account"`
	State       pipeline.State `json:"state"`
	Captured    int            `json:"captured"`
	Appended    int            `json:"appended"`
	Skipped     int            `json:"skipped"`
	Resolved    int            `json:"resolved"`
	Added       int            `json:"added"`
	PlaylistURL string         `json:"playlist_url,omitempty"`
	Error       string         `json:"error,omitempty"`
	FinishedAt  string         `json:"finished_at"`
}

func (w *Worker) normalize(p pipeline.RunParameters) pipeline.RunParameters {
	p.Account = strings.TrimSpace(p.Account)
	p.PlaylistName = strings.TrimSpace(p.PlaylistName)
	if p.PlaylistName == "" {
		p.PlaylistName = w.cfg.DefaultPlaylistName
	}
	return p
}

func (w *Worker) execute(ctx context.Context, runID string, params pipeline.RunParameters, log *zap.Logger) (Summary, error) {
	summary := Summary{RunID: runID, Account: params.Account}
	if params.Account == "" {
		return summary, errors.New("account is required")
	}
	if params.Limit <= 0 {
		return summary, fmt.Errorf("limit must be positive, got %d", params.Limit)
	}

	if err := w.transition(ctx, runID, params.Account, pipeline.StateCapturing); err != nil {
		return summary, err
	}
	items, err := w.capture(ctx, runID, params, log)
	summary.Captured = len(items)
	if err != nil {
		return summary, err
	}

	if err := w.transition(ctx, runID, params.Account, pipeline.StateRecognizing); err != nil {
		return summary, err
	}
	appended, skipped, err := w.recognize(ctx, runID, params.Account, items, log)
	summary.Appended, summary.Skipped = appended, skipped
	if err != nil {
		return summary, err
	}

	if err := w.transition(ctx, runID, params.Account, pipeline.StateResolving); err != nil {
		return summary, err
	}
	resolved, err := w.reconciler.Resolve(ctx, runID)
	if err != nil {
		return summary, fmt.Errorf("resolve catalog uris: %w", err)
	}
	summary.Resolved = resolved.Resolved

	if err := w.transition(ctx, runID, params.Account, pipeline.StatePlaylistSyncing); err != nil {
		return summary, err
	}
	synced, err := w.reconciler.SyncPlaylist(ctx, runID, params.Account, params.PlaylistName)
	if err != nil {
		return summary, fmt.Errorf("sync playlist: %w", err)
	}
	summary.Added = len(synced.Added)
	summary.PlaylistURL = synced.Playlist.URL

	if err := w.transition(ctx, runID, params.Account, pipeline.StateDone); err != nil {
		return summary, err
	}
	summary.State = pipeline.StateDone
	return summary, nil
}

func (w *Worker) transition(ctx context.Context, runID, account string, next pipeline.State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run canceled before %s: %w", next, context.Cause(ctx))
	}
	if err := w.tracker.Transition(ctx, runID, next, ""); err != nil {
		return fmt.Errorf("transition to %s: %w", next, err)
	}
	telemetry.ObserveRunTransition(string(next))
	w.emit(progress.Event{RunID: runBytes(runID), Stage: progress.StageRunStage, Account: account, State: string(next)})
	return nil
}

// capture pulls up to params.Limit items. It stops early at end of stream or
// after MaxConsecutiveFailures errors in a row, lowering the run limit to
// what was actually captured.
func (w *Worker) capture(ctx context.Context, runID string, params pipeline.RunParameters, log *zap.Logger) ([]pipeline.MediaItem, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "capture")
	defer span.End()

	items := make([]pipeline.MediaItem, 0, params.Limit)
	failures := 0
	for len(items) < params.Limit {
		if err := ctx.Err(); err != nil {
			return items, fmt.Errorf("capture canceled: %w", context.Cause(ctx))
		}
		item, err := w.capturer.Next(ctx, params.Account, len(items))
		if errors.Is(err, pipeline.ErrEndOfStream) {
			log.Info("capture reached end of stream", zap.Int("captured", len(items)))
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return items, fmt.Errorf("capture canceled: %w", context.Cause(ctx))
			}
			failures++
			telemetry.ObserveCaptureFailure()
			log.Warn("capture failed", zap.Int("cursor", len(items)), zap.Int("consecutive", failures), zap.Error(err))
			if failures >= w.cfg.MaxConsecutiveFailures {
				log.Warn("capture failure ceiling reached; continuing with captured items",
					zap.Int("captured", len(items)))
				break
			}
			continue
		}
		failures = 0
		items = append(items, item)
		if err := w.tracker.Increment(ctx, runID, pipeline.CounterCaptured, 1); err != nil {
			return items, fmt.Errorf("increment captured: %w", err)
		}
	}
	span.SetAttributes(attribute.Int("capture.items", len(items)))

	if len(items) < params.Limit {
		if err := w.tracker.Set(ctx, runID, pipeline.FieldLimit, len(items)); err != nil {
			return items, fmt.Errorf("lower run limit: %w", err)
		}
	}
	return items, nil
}

type evaluation struct {
	item      pipeline.MediaItem
	key       string
	outcome   pipeline.Outcome
	converted bool
	canceled  bool
	elapsed   time.Duration
}

// recognize evaluates every unprocessed item, possibly in parallel, and
// appends each record as soon as it and every earlier item are finished, so
// rows land in discovery order and completed work survives a cancellation.
func (w *Worker) recognize(
	ctx context.Context,
	runID, account string,
	items []pipeline.MediaItem,
	log *zap.Logger,
) (int, int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "recognize")
	defer span.End()

	existing, err := w.ledger.ReadAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read ledger: %w", err)
	}
	processed := pipeline.ProcessedFileNames(existing)

	pending := make([]evaluation, 0, len(items))
	skipped := 0
	for _, item := range items {
		key := identityKey(item)
		if _, done := processed[key]; done {
			skipped++
			log.Debug("item already in ledger", zap.String("file", key))
			continue
		}
		processed[key] = struct{}{}
		pending = append(pending, evaluation{item: item, key: key})
	}

	rctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	ready := make([]chan struct{}, len(pending))
	for i := range ready {
		ready[i] = make(chan struct{})
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Parallelism)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i := range pending {
			if rctx.Err() != nil {
				pending[i].canceled = true
				close(ready[i])
				continue
			}
			g.Go(func() error {
				defer close(ready[i])
				if rctx.Err() != nil {
					pending[i].canceled = true
					return nil
				}
				start := w.clock.Now()
				ev := w.evaluate(rctx, account, pending[i], log)
				ev.elapsed = w.clock.Now().Sub(start)
				pending[i] = ev
				return nil
			})
		}
	}()

	appended := 0
	var runErr error
	// Finished items are recorded even after cancellation.
	commitCtx := context.WithoutCancel(ctx)
	for i := range pending {
		<-ready[i]
		ev := pending[i]
		if ev.canceled {
			runErr = fmt.Errorf("recognition canceled: %w", context.Cause(rctx))
			break
		}
		written, err := w.commit(commitCtx, runID, account, ev)
		if err != nil {
			runErr = err
			break
		}
		if written {
			appended++
		} else {
			skipped++
		}
	}
	if runErr != nil {
		stop(runErr)
	}
	<-launched
	_ = g.Wait()

	span.SetAttributes(attribute.Int("recognize.appended", appended), attribute.Int("recognize.skipped", skipped))
	return appended, skipped, runErr
}

// evaluate converts and recognizes one item. Failures become outcomes.
func (w *Worker) evaluate(ctx context.Context, account string, ev evaluation, log *zap.Logger) evaluation {
	itemLog := log.With(zap.String("file", ev.key))

	clip, err := w.converter.ExtractTailAudio(ctx, ev.item, w.cfg.TailSeconds)
	if ctx.Err() != nil {
		ev.canceled = true
		if err == nil {
			w.cleanup(clip, itemLog)
		}
		return ev
	}
	if err != nil {
		itemLog.Warn("audio conversion failed", zap.Error(err))
		ev.outcome = pipeline.PreprocessFailed{Err: err}
		return ev
	}
	ev.converted = true
	defer w.cleanup(clip, itemLog)

	if w.cfg.ArchiveClips {
		w.archive(ctx, account, clip, itemLog)
	}

	rec, err := w.recognizer.Identify(ctx, clip)
	if ctx.Err() != nil {
		ev.canceled = true
		return ev
	}
	if err != nil {
		itemLog.Warn("recognition failed", zap.Error(err))
		ev.outcome = pipeline.RecognitionFailed{Err: err}
		return ev
	}
	ev.outcome = w.judge(rec)
	return ev
}

// judge picks the first candidate, subject to MinScore.
func (w *Worker) judge(rec pipeline.Recognition) pipeline.Outcome {
	if !rec.Matched || len(rec.Candidates) == 0 {
		return pipeline.NoMatch{}
	}
	top := rec.Candidates[0]
	if w.cfg.MinScore > 0 && top.Score < w.cfg.MinScore {
		return pipeline.NoMatch{}
	}
	return pipeline.Success{Title: top.Title, Artist: top.Artist, Score: top.Score}
}

// commit appends one record and, only when the row was written, advances the
// run counters. A row another run wrote first counts as skipped.
func (w *Worker) commit(ctx context.Context, runID, account string, ev evaluation) (bool, error) {
	rec := pipeline.NewRecord(w.clock.Now(), ev.key, account, runID, ev.outcome)
	n, err := w.ledger.Append(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("append ledger record %s: %w", ev.key, err)
	}
	if n == 0 {
		w.logger.Debug("item already recorded by another run",
			zap.String("run_id", runID), zap.String("file", ev.key))
		return false, nil
	}
	if ev.converted {
		if err := w.tracker.Increment(ctx, runID, pipeline.CounterConverted, 1); err != nil {
			return false, fmt.Errorf("increment converted: %w", err)
		}
	}
	if err := w.tracker.Increment(ctx, runID, pipeline.CounterRecognized, 1); err != nil {
		return false, fmt.Errorf("increment recognized: %w", err)
	}
	status := string(ev.outcome.Status())
	telemetry.ObserveItem(status)
	evt := progress.Event{
		RunID:      runBytes(runID),
		Stage:      progress.StageItemDone,
		Account:    account,
		FileName:   ev.key,
		ItemStatus: status,
		Dur:        ev.elapsed,
	}
	if cause := pipeline.Cause(ev.outcome); cause != nil {
		evt.Note = cause.Error()
	}
	w.emit(evt)
	return true, nil
}

func (w *Worker) archive(ctx context.Context, account string, clip pipeline.AudioClip, log *zap.Logger) {
	if w.blobStore == nil || w.hasher == nil {
		return
	}
	sum, err := w.hasher.HashFile(clip.Path)
	if err != nil {
		log.Warn("hash clip failed", zap.Error(err))
		return
	}
	f, err := os.Open(clip.Path)
	if err != nil {
		log.Warn("open clip for archive failed", zap.Error(err))
		return
	}
	defer f.Close()
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(account, sum), clipContentType, f)
	if err != nil {
		log.Warn("archive clip failed", zap.Error(err))
		return
	}
	log.Debug("clip archived", zap.String("uri", uri))
}

func (w *Worker) buildBlobPath(account, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.mp3", account, hash)
	}
	return fmt.Sprintf("%s/%s/%s.mp3", prefix, account, hash)
}

func (w *Worker) cleanup(clip pipeline.AudioClip, log *zap.Logger) {
	if !clip.Temporary || clip.Path == "" {
		return
	}
	if err := os.Remove(clip.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove trimmed clip failed", zap.String("path", clip.Path), zap.Error(err))
	}
}

func (w *Worker) publishSummary(ctx context.Context, summary Summary) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	summary.FinishedAt = w.clock.Now().UTC().Format(time.RFC3339)
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, summary); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	w.logger.Info("run summary published",
		zap.String("run_id", summary.RunID),
		zap.String("state", string(summary.State)))
	return nil
}

func (w *Worker) emit(evt progress.Event) {
	evt.TS = w.clock.Now().UTC()
	w.events.Emit(evt)
}

// identityKey is the base file name of the captured item.
func identityKey(item pipeline.MediaItem) string {
	if item.FileName != "" {
		return filepath.Base(item.FileName)
	}
	return filepath.Base(item.Path)
}

func runBytes(runID string) [16]byte {
	id, err := progress.ParseRunID(runID)
	if err != nil {
		return [16]byte{}
	}
	return id
}
