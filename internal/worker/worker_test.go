package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/clock/system"
	"github.com/JakeFAU/ig2spotify/internal/hash/sha256"
	"github.com/JakeFAU/ig2spotify/internal/ledger"
	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/progress"
	publishermemory "github.com/JakeFAU/ig2spotify/internal/publisher/memory"
	queuememory "github.com/JakeFAU/ig2spotify/internal/queue/memory"
	"github.com/JakeFAU/ig2spotify/internal/reconcile"
	"github.com/JakeFAU/ig2spotify/internal/storage/memory"
)

type harness struct {
	tracker    *memory.RunStore
	ledger     *ledger.Store
	capturer   *fakeCapturer
	converter  *fakeConverter
	recognizer *fakeRecognizer
	searcher   *fakeSearcher
	playlists  *fakePlaylists
	blobs      *memory.BlobStore
	publisher  *publishermemory.Publisher
	events     *recordingEmitter
	queue      *queuememory.Queue
	cfg        Config
}

func newHarness(t *testing.T, files ...string) *harness {
	t.Helper()
	store, err := ledger.New(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.csv")}, zap.NewNop())
	require.NoError(t, err)
	return &harness{
		tracker:    memory.NewRunStore(),
		ledger:     store,
		capturer:   &fakeCapturer{files: files},
		converter:  &fakeConverter{dir: t.TempDir(), fail: map[string]bool{}},
		recognizer: &fakeRecognizer{results: map[string]pipeline.Recognition{}, fail: map[string]bool{}},
		searcher:   &fakeSearcher{uris: map[string]string{}},
		playlists:  newFakePlaylists(),
		blobs:      memory.NewBlobStore(),
		publisher:  publishermemory.New(0),
		events:     &recordingEmitter{},
		queue:      queuememory.NewQueue(4),
		cfg:        Config{Topic: "runs"},
	}
}

func (h *harness) worker() *Worker {
	rec := reconcile.New(h.ledger, h.tracker, h.searcher, h.playlists, zap.NewNop())
	return New(
		h.queue,
		h.tracker,
		h.ledger,
		h.capturer,
		h.converter,
		h.recognizer,
		rec,
		h.blobs,
		h.publisher,
		sha256.New(),
		system.NewStepping(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), time.Second),
		h.events,
		h.cfg,
		zap.NewNop(),
	)
}

func (h *harness) submit(t *testing.T, account, playlist string, limit int) pipeline.QueueItem {
	t.Helper()
	params := pipeline.RunParameters{Account: account, PlaylistName: playlist, Limit: limit}
	id := uuid.NewString()
	require.NoError(t, h.tracker.Create(context.Background(), pipeline.NewRun(id, params, time.Now())))
	return pipeline.QueueItem{RunID: id, Params: params}
}

func (h *harness) match(file, title, artist, uri string) {
	h.recognizer.results[file] = pipeline.Recognition{
		Matched:    true,
		Candidates: []pipeline.Candidate{{Title: title, Artist: artist, Score: 90}},
	}
	if uri != "" {
		h.searcher.uris[reconcile.StrictQuery(title, artist)] = uri
	}
}

func demoFiles() []string {
	return []string{"demoacct_reel_0_audio.mp4", "demoacct_reel_1_audio.mp4", "demoacct_reel_2_audio.mp4"}
}

func TestProcessDemoScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, demoFiles()...)
	h.match("demoacct_reel_0_audio.mp4", "Song A", "Artist A", "spotify:track:a")
	h.match("demoacct_reel_2_audio.mp4", "Song C", "Artist C", "spotify:track:c")
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "demoacct", "Reels", 3)
	w.Process(ctx, item)

	run, err := h.tracker.Get(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, run.State)
	assert.Equal(t, pipeline.RunCounters{Captured: 3, Converted: 3, Recognized: 3, Matched: 2}, run.Counters)
	assert.True(t, run.PlaylistDone)
	assert.Equal(t, "https://open.spotify.test/playlist/pl-Reels", run.PlaylistURL)
	assert.Equal(t, 3, run.Limit)
	assert.Empty(t, run.ErrorText)

	rows, err := h.ledger.ReadByRun(ctx, item.RunID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{
		"demoacct_reel_0_audio.mp4", "demoacct_reel_1_audio.mp4", "demoacct_reel_2_audio.mp4",
	}, fileNames(rows))
	assert.Equal(t, pipeline.StatusSuccess, rows[0].Status)
	assert.Equal(t, "spotify:track:a", rows[0].SpotifyURI)
	assert.Equal(t, pipeline.StatusNoMatch, rows[1].Status)
	assert.Empty(t, rows[1].Title)
	assert.Equal(t, pipeline.StatusSuccess, rows[2].Status)
	assert.Equal(t, "spotify:track:c", rows[2].SpotifyURI)

	assert.ElementsMatch(t, []string{"spotify:track:a", "spotify:track:c"}, h.playlists.membersOf("Reels"))

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	summary, ok := msgs[0].Payload.(Summary)
	require.True(t, ok)
	assert.Equal(t, pipeline.StateDone, summary.State)
	assert.Equal(t, 3, summary.Appended)
	assert.Equal(t, 2, summary.Resolved)
	assert.Equal(t, 2, summary.Added)

	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageRunStage,
		progress.StageRunStage,
		progress.StageItemDone,
		progress.StageItemDone,
		progress.StageItemDone,
		progress.StageRunStage,
		progress.StageRunStage,
		progress.StageRunStage,
		progress.StageRunDone,
	}, h.events.stages())
	for _, evt := range h.events.all() {
		require.NoError(t, evt.Validate())
	}
}

func TestProcessResubmitSkipsKnownItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, demoFiles()...)
	h.match("demoacct_reel_0_audio.mp4", "Song A", "Artist A", "spotify:track:a")
	h.match("demoacct_reel_2_audio.mp4", "Song C", "Artist C", "spotify:track:c")
	w := h.worker()
	ctx := context.Background()

	w.Process(ctx, h.submit(t, "demoacct", "Reels", 3))
	searches := len(h.searcher.calls())
	identifies := h.recognizer.callCount()

	second := h.submit(t, "demoacct", "Reels", 3)
	w.Process(ctx, second)

	run, err := h.tracker.Get(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, run.State)
	assert.True(t, run.PlaylistDone)
	assert.Equal(t, pipeline.RunCounters{Captured: 3}, run.Counters)

	rows, err := h.ledger.ReadByRun(ctx, second.RunID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	all, err := h.ledger.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.Equal(t, identifies, h.recognizer.callCount(), "known items are never re-recognized")
	assert.Len(t, h.searcher.calls(), searches, "resolved rows are never re-queried")
	assert.Equal(t, 1, h.playlists.addCalls(), "converged playlist gets no second add")
}

func TestProcessOutcomePrecedence(t *testing.T) {
	t.Parallel()

	files := []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4"}
	h := newHarness(t, files...)
	h.converter.fail["a.mp4"] = true
	h.recognizer.fail["b.mp4"] = true
	h.recognizer.results["c.mp4"] = pipeline.Recognition{
		Matched:    true,
		Candidates: []pipeline.Candidate{{Title: "Quiet", Artist: "Low", Score: 40}},
	}
	h.match("d.mp4", "Loud", "High", "")
	h.cfg.MinScore = 50
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "acct", "", 4)
	w.Process(ctx, item)

	run, err := h.tracker.Get(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateDone, run.State)
	assert.Equal(t, pipeline.RunCounters{Captured: 4, Converted: 3, Recognized: 4}, run.Counters)

	rows, err := h.ledger.ReadByRun(ctx, item.RunID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, pipeline.StatusPreprocessFailed, rows[0].Status)
	assert.Equal(t, pipeline.StatusRecognitionFailed, rows[1].Status)
	assert.Equal(t, pipeline.StatusNoMatch, rows[2].Status, "candidate below min score is rejected")
	assert.Equal(t, pipeline.StatusSuccess, rows[3].Status)
	assert.Empty(t, rows[3].SpotifyURI, "catalog miss leaves the uri empty")

	assert.Contains(t, h.playlists.names(), defaultPlaylistName)
	assert.Empty(t, h.converter.remaining(), "temporary clips are removed")
}

func TestProcessParallelRecognitionKeepsDiscoveryOrder(t *testing.T) {
	t.Parallel()

	files := make([]string, 12)
	for i := range files {
		files[i] = fmt.Sprintf("acct_reel_%d_audio.mp4", i)
	}
	h := newHarness(t, files...)
	h.recognizer.jitter = 5 * time.Millisecond
	h.cfg.Parallelism = 4
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "acct", "p", len(files))
	w.Process(ctx, item)

	rows, err := h.ledger.ReadByRun(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, files, fileNames(rows))
	assert.GreaterOrEqual(t, h.recognizer.maxInFlight(), 2)
	assert.LessOrEqual(t, h.recognizer.maxInFlight(), 4)
}

func TestProcessDeduplicatesWithinBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "x.mp4", "x.mp4", "y.mp4")
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "acct", "p", 3)
	w.Process(ctx, item)

	run, err := h.tracker.Get(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Counters.Captured)
	assert.Equal(t, 2, run.Counters.Recognized)
	rows, err := h.ledger.ReadByRun(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.mp4", "y.mp4"}, fileNames(rows))
}

func TestProcessPlaylistFailureMarksErrored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, demoFiles()...)
	h.match("demoacct_reel_0_audio.mp4", "Song A", "Artist A", "spotify:track:a")
	h.playlists.addErr = errors.New("spotify unavailable")
	w := h.worker()
	ctx := context.Background()

	item := h.submit(t, "demoacct", "Reels", 3)
	w.Process(ctx, item)

	run, err := h.tracker.Get(ctx, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateErrored, run.State)
	assert.False(t, run.PlaylistDone)
	assert.Contains(t, run.ErrorText, "spotify unavailable")
	assert.NotNil(t, run.Finished)
	assert.Equal(t, 1, run.Counters.Matched)

	stages := h.events.stages()
	assert.Equal(t, progress.StageRunError, stages[len(stages)-1])
	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, pipeline.StateErrored, msgs[0].Payload.(Summary).State)
}

func TestProcessRejectsInvalidParameters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	w := h.worker()
	ctx := context.Background()

	noAccount := h.submit(t, "  ", "p", 3)
	w.Process(ctx, noAccount)
	run, err := h.tracker.Get(ctx, noAccount.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateErrored, run.State)
	assert.Contains(t, run.ErrorText, "account")

	noLimit := h.submit(t, "acct", "p", 0)
	w.Process(ctx, noLimit)
	run, err = h.tracker.Get(ctx, noLimit.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateErrored, run.State)
	assert.Zero(t, h.capturer.callCount())
}

func TestProcessCanceledContextMarksErrored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, demoFiles()...)
	w := h.worker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item := h.submit(t, "demoacct", "p", 3)
	w.Process(ctx, item)

	run, err := h.tracker.Get(context.Background(), item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateErrored, run.State)
	assert.Contains(t, run.ErrorText, "canceled")
	all, err := h.ledger.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestProcessConcurrentRunsCountOnlyWrittenRows(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "shared_reel_0_audio.mp4")
	h.match("shared_reel_0_audio.mp4", "Song", "Band", "")
	// Both runs read the ledger before either appends.
	h.recognizer.barrier = &sync.WaitGroup{}
	h.recognizer.barrier.Add(2)
	w := h.worker()
	ctx := context.Background()

	first := h.submit(t, "shared", "p", 1)
	second := h.submit(t, "shared", "p", 1)
	var wg sync.WaitGroup
	for _, item := range []pipeline.QueueItem{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Process(ctx, item)
		}()
	}
	wg.Wait()

	all, err := h.ledger.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	recognized := 0
	itemEvents := 0
	for _, item := range []pipeline.QueueItem{first, second} {
		run, err := h.tracker.Get(ctx, item.RunID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StateDone, run.State)
		rows, err := h.ledger.ReadByRun(ctx, item.RunID)
		require.NoError(t, err)
		assert.Equal(t, len(rows), run.Counters.Recognized, "run %s", item.RunID)
		assert.Equal(t, len(rows), run.Counters.Converted, "run %s", item.RunID)
		recognized += run.Counters.Recognized
	}
	for _, stage := range h.events.stages() {
		if stage == progress.StageItemDone {
			itemEvents++
		}
	}
	assert.Equal(t, 1, recognized)
	assert.Equal(t, 1, itemEvents)

	skipped := 0
	for _, msg := range h.publisher.Messages() {
		skipped += msg.Payload.(Summary).Skipped
	}
	assert.Equal(t, 1, skipped)
}

func TestProcessCancelKeepsFinishedItems(t *testing.T) {
	t.Parallel()

	files := []string{"acct_reel_0_audio.mp4", "acct_reel_1_audio.mp4", "acct_reel_2_audio.mp4", "acct_reel_3_audio.mp4"}
	h := newHarness(t, files...)
	h.match(files[0], "Song A", "Artist A", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.recognizer.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	w := h.worker()

	item := h.submit(t, "acct", "p", len(files))
	w.Process(ctx, item)

	bg := context.Background()
	run, err := h.tracker.Get(bg, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateErrored, run.State)
	assert.Contains(t, run.ErrorText, "canceled")
	assert.Equal(t, 2, run.Counters.Recognized)

	rows, err := h.ledger.ReadByRun(bg, item.RunID)
	require.NoError(t, err)
	assert.Equal(t, files[:2], fileNames(rows))
	assert.Equal(t, pipeline.StatusSuccess, rows[0].Status)
	assert.Equal(t, 3, h.recognizer.callCount(), "no item starts after cancellation")
}

func TestProcessArchivesClips(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "demoacct_reel_0_audio.mp4")
	h.cfg.ArchiveClips = true
	h.cfg.BlobPrefix = "/clips/"
	w := h.worker()

	w.Process(context.Background(), h.submit(t, "demoacct", "p", 1))

	paths := h.blobs.Paths()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "clips/demoacct/"), paths[0])
	assert.True(t, strings.HasSuffix(paths[0], ".mp3"), paths[0])
	obj, ok := h.blobs.Object(paths[0])
	require.True(t, ok)
	assert.Equal(t, clipContentType, obj.ContentType)
}

func TestRunConsumesQueueUntilClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, demoFiles()...)
	w := h.worker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	item := h.submit(t, "demoacct", "p", 2)
	require.NoError(t, h.queue.Enqueue(ctx, item))
	require.Eventually(t, func() bool {
		run, err := h.tracker.Get(ctx, item.RunID)
		return err == nil && run.State == pipeline.StateDone
	}, 2*time.Second, 10*time.Millisecond)

	h.queue.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestBuildBlobPath(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, system.New(), nil, Config{}, nil)
	assert.Equal(t, "acct/abc.mp3", w.buildBlobPath("acct", "abc"))
	w.cfg.BlobPrefix = "/archive/"
	assert.Equal(t, "archive/acct/abc.mp3", w.buildBlobPath("acct", "abc"))
	assert.Equal(t, defaultTailSeconds, w.cfg.TailSeconds)
	assert.Equal(t, defaultMaxConsecutiveFailures, w.cfg.MaxConsecutiveFailures)
	assert.Equal(t, 1, w.cfg.Parallelism)
}

func TestJudge(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, system.New(), nil, Config{}, nil)
	assert.Equal(t, pipeline.NoMatch{}, w.judge(pipeline.Recognition{}))
	assert.Equal(t, pipeline.NoMatch{}, w.judge(pipeline.Recognition{Matched: true}))

	rec := pipeline.Recognition{Matched: true, Candidates: []pipeline.Candidate{
		{Title: "First", Artist: "One", Score: 10},
		{Title: "Second", Artist: "Two", Score: 99},
	}}
	assert.Equal(t, pipeline.Success{Title: "First", Artist: "One", Score: 10}, w.judge(rec))

	w.cfg.MinScore = 50
	assert.Equal(t, pipeline.NoMatch{}, w.judge(rec))
}

func fileNames(rows []pipeline.Record) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.FileName)
	}
	return out
}

type fakeCapturer struct {
	mu    sync.Mutex
	files []string
	errs  []error
	calls int
}

func (f *fakeCapturer) Next(ctx context.Context, account string, cursor int) (pipeline.MediaItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return pipeline.MediaItem{}, err
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return pipeline.MediaItem{}, err
		}
	}
	if cursor >= len(f.files) {
		return pipeline.MediaItem{}, pipeline.ErrEndOfStream
	}
	name := f.files[cursor]
	return pipeline.MediaItem{Account: account, FileName: name, Path: "/media/" + account + "/" + name, Cursor: cursor}, nil
}

func (f *fakeCapturer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeConverter struct {
	dir  string
	fail map[string]bool
}

func (f *fakeConverter) ExtractTailAudio(_ context.Context, media pipeline.MediaItem, seconds int) (pipeline.AudioClip, error) {
	if f.fail[media.FileName] {
		return pipeline.AudioClip{}, errors.New("ffmpeg exited with status 1")
	}
	path := filepath.Join(f.dir, fmt.Sprintf("%d_%s_trimmed.mp3", media.Cursor, strings.TrimSuffix(media.FileName, ".mp4")))
	if err := os.WriteFile(path, []byte("clip:"+media.FileName), 0o600); err != nil {
		return pipeline.AudioClip{}, err
	}
	return pipeline.AudioClip{
		Path:      path,
		Source:    media,
		Duration:  time.Duration(seconds) * time.Second,
		Temporary: true,
	}, nil
}

func (f *fakeConverter) remaining() []string {
	entries, _ := os.ReadDir(f.dir)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

type fakeRecognizer struct {
	mu       sync.Mutex
	results  map[string]pipeline.Recognition
	fail     map[string]bool
	jitter   time.Duration
	barrier  *sync.WaitGroup
	onCall   func(n int)
	calls    int
	inFlight int
	peak     int
}

func (f *fakeRecognizer) Identify(_ context.Context, clip pipeline.AudioClip) (pipeline.Recognition, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	res, ok := f.results[clip.Source.FileName]
	failed := f.fail[clip.Source.FileName]
	jitter := f.jitter
	barrier, onCall := f.barrier, f.onCall
	f.mu.Unlock()

	if barrier != nil {
		barrier.Done()
		barrier.Wait()
	}
	if jitter > 0 {
		time.Sleep(jitter + time.Duration(rand.Int63n(int64(jitter))))
	}
	if onCall != nil {
		onCall(n)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if failed {
		return pipeline.Recognition{}, errors.New("decode response: unexpected EOF")
	}
	if !ok {
		return pipeline.Recognition{StatusMsg: "No result"}, nil
	}
	return res, nil
}

func (f *fakeRecognizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRecognizer) maxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type fakeSearcher struct {
	mu      sync.Mutex
	uris    map[string]string
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]pipeline.CatalogTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if uri, ok := f.uris[query]; ok {
		return []pipeline.CatalogTrack{{URI: uri}}, nil
	}
	return nil, nil
}

func (f *fakeSearcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fakePlaylists struct {
	mu      sync.Mutex
	members map[string]map[string]struct{}
	adds    int
	addErr  error
}

func newFakePlaylists() *fakePlaylists {
	return &fakePlaylists{members: make(map[string]map[string]struct{})}
}

func (f *fakePlaylists) FindOrCreate(_ context.Context, _ string, name string) (pipeline.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[name]; !ok {
		f.members[name] = make(map[string]struct{})
	}
	return pipeline.Playlist{ID: "pl-" + name, Name: name, URL: "https://open.spotify.test/playlist/pl-" + name}, nil
}

func (f *fakePlaylists) ListMembers(_ context.Context, pl pipeline.Playlist) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.members[pl.Name]))
	for uri := range f.members[pl.Name] {
		out[uri] = struct{}{}
	}
	return out, nil
}

func (f *fakePlaylists) AddMembers(_ context.Context, pl pipeline.Playlist, uris []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.adds++
	for _, uri := range uris {
		f.members[pl.Name][uri] = struct{}{}
	}
	return nil
}

func (f *fakePlaylists) membersOf(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for uri := range f.members[name] {
		out = append(out, uri)
	}
	return out
}

func (f *fakePlaylists) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.members {
		out = append(out, name)
	}
	return out
}

func (f *fakePlaylists) addCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recordingEmitter) stages() []progress.Stage {
	var out []progress.Stage
	for _, evt := range r.all() {
		out = append(out, evt.Stage)
	}
	return out
}
