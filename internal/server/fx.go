// Package server builds the application's dependency graph and runs the HTTP
// service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/api"
	"github.com/JakeFAU/ig2spotify/internal/catalog/spotify"
	"github.com/JakeFAU/ig2spotify/internal/clock/system"
	"github.com/JakeFAU/ig2spotify/internal/config"
	"github.com/JakeFAU/ig2spotify/internal/convert/ffmpeg"
	"github.com/JakeFAU/ig2spotify/internal/credentials"
	"github.com/JakeFAU/ig2spotify/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/ig2spotify/internal/fetcher/colly"
	"github.com/JakeFAU/ig2spotify/internal/fetcher/directory"
	"github.com/JakeFAU/ig2spotify/internal/fetcher/headless"
	"github.com/JakeFAU/ig2spotify/internal/hash/sha256"
	"github.com/JakeFAU/ig2spotify/internal/id/uuid"
	"github.com/JakeFAU/ig2spotify/internal/ledger"
	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/policy/ratelimit"
	"github.com/JakeFAU/ig2spotify/internal/progress"
	progresssinks "github.com/JakeFAU/ig2spotify/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/ig2spotify/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/ig2spotify/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/ig2spotify/internal/queue/memory"
	"github.com/JakeFAU/ig2spotify/internal/recognize/acrcloud"
	"github.com/JakeFAU/ig2spotify/internal/reconcile"
	gcsstorage "github.com/JakeFAU/ig2spotify/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ig2spotify/internal/storage/local"
	memoryStorage "github.com/JakeFAU/ig2spotify/internal/storage/memory"
	pgstore "github.com/JakeFAU/ig2spotify/internal/storage/postgres"
	"github.com/JakeFAU/ig2spotify/internal/storage/sqlite"
	"github.com/JakeFAU/ig2spotify/internal/store"
	"github.com/JakeFAU/ig2spotify/internal/telemetry"
	"github.com/JakeFAU/ig2spotify/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	queue       *queueMemory.Queue
	tracker     *memoryStorage.RunStore
	ledger      pipeline.Ledger
	reconciler  *reconcile.Reconciler
	sweeper     *reconcile.Sweeper
	runner      *worker.Worker

	capturer     pipeline.Capturer
	pubsubClient *pubsub.Client
	publisher    pipeline.Publisher
	storage      *storage.Client
	progressRepo store.ProgressRepository

	closers        []func() error
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("environment", cfg.Application.Environment),
		zap.String("ledger_backend", cfg.Ledger.Backend),
		zap.String("capture_backend", cfg.Capture.Backend),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Tracker returns the in-process run tracker.
func (a *App) Tracker() pipeline.RunTracker { return a.tracker }

// Ledger returns the configured ledger backend.
func (a *App) Ledger() pipeline.Ledger { return a.ledger }

// Reconciler returns the resolve/sync engine.
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }

// Runner returns a worker that executes runs inline, outside the queue.
func (a *App) Runner() *worker.Worker { return a.runner }

// Handler returns the HTTP handler, or nil before Build.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run starts the dispatcher, the sweeper, and the HTTP server, and blocks
// until the context is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	if a.sweeper != nil {
		a.sweeper.Start(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.sweeper != nil {
		if err := a.sweeper.Stop(shutdownCtx); err != nil {
			a.logger.Warn("sweeper stop failed", zap.Error(err))
		}
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still busy at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if c, ok := a.capturer.(interface{ Close() }); ok {
		c.Close()
	}
	if p, ok := a.publisher.(*gcppublisher.Publisher); ok {
		if err := p.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if err := a.release(); err != nil {
		a.logger.Warn("resource close failed", zap.Error(err))
	}
	a.closers = nil
	if pgRepo, ok := a.progressRepo.(*pgstore.ProgressStore); ok {
		pgRepo.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.logger.Info("building application dependencies")

	tp, err := telemetry.InitTracing(ctx, telemetry.ServiceInfo{
		Name:      cfg.Application.Name,
		Version:   cfg.Application.Version,
		ProjectID: cfg.PubSub.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	secrets, err := resolveSecrets(cfg, app.logger)
	if err != nil {
		return nil, err
	}

	app.tracker = memoryStorage.NewRunStore()
	app.ledger, err = setupLedger(ctx, app)
	if err != nil {
		return nil, app.abort(ctx, err)
	}
	if err = setupDatabase(ctx, app); err != nil {
		return nil, app.abort(ctx, err)
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, app.abort(ctx, err)
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, app.abort(ctx, err)
	}
	events := setupProgress(ctx, app)

	app.capturer, err = setupCapturer(app, secrets)
	if err != nil {
		return nil, app.abort(ctx, err)
	}
	recognizer, err := setupRecognizer(app, secrets)
	if err != nil {
		return nil, app.abort(ctx, err)
	}
	if err = setupReconciler(app, secrets); err != nil {
		return nil, app.abort(ctx, err)
	}

	converter := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:  cfg.Convert.FFmpegPath,
		FFprobePath: cfg.Convert.FFprobePath,
		KeepClips:   cfg.Convert.KeepClips,
	}, app.logger.Named("ffmpeg"))

	depth := cfg.Worker.QueueDepth
	if depth <= 0 {
		depth = 16
	}
	app.queue = queueMemory.NewQueue(depth)
	workerCfg := worker.Config{
		TailSeconds:            cfg.Worker.TailSeconds,
		MaxConsecutiveFailures: cfg.Worker.MaxConsecutiveFailures,
		Parallelism:            cfg.Worker.RecognitionParallelism,
		MinScore:               cfg.Recognition.MinScore,
		DefaultPlaylistName:    cfg.Worker.DefaultPlaylist,
		ArchiveClips:           cfg.Storage.ArchiveClips,
		BlobPrefix:             cfg.Storage.Prefix,
		Topic:                  cfg.PubSub.TopicName,
	}
	app.logger.Info("worker config",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("tail_seconds", workerCfg.TailSeconds),
		zap.Int("max_consecutive_failures", workerCfg.MaxConsecutiveFailures),
		zap.Int("parallelism", workerCfg.Parallelism),
		zap.Float64("min_score", workerCfg.MinScore),
		zap.Bool("archive_clips", workerCfg.ArchiveClips),
		zap.String("topic", workerCfg.Topic),
	)

	hasher := sha256.New()
	clock := system.New()
	newWorker := func(logger *zap.Logger) *worker.Worker {
		return worker.New(
			app.queue,
			app.tracker,
			app.ledger,
			app.capturer,
			converter,
			recognizer,
			app.reconciler,
			blobStore,
			app.publisher,
			hasher,
			clock,
			events,
			workerCfg,
			logger,
		)
	}
	concurrency := max(cfg.Worker.Concurrency, 1)
	workers := make([]dispatcher.Runner, 0, concurrency)
	for i := range concurrency {
		workers = append(workers, newWorker(app.logger.Named("worker").With(zap.Int("index", i))))
	}
	app.runner = newWorker(app.logger.Named("runner"))
	app.dispatch = dispatcher.New(app.queue, workers, app.logger.Named("dispatcher"))

	app.apiServer = api.NewServer(
		app.tracker,
		app.ledger,
		app.dispatch,
		uuid.New(),
		clock,
		*cfg,
		app.logger.Named("api"),
		app.progressRepo,
	)
	return app, nil
}

// abort releases whatever Build opened before err and returns err.
func (a *App) abort(ctx context.Context, err error) error {
	a.closeInfrastructure(ctx)
	return err
}

// OpenLedger opens the configured ledger backend on its own. The returned
// func releases it.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pipeline.Ledger, func() error, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	l, err := setupLedger(ctx, app)
	if err != nil {
		return nil, nil, err
	}
	return l, app.release, nil
}

// release runs the registered closers, newest first.
func (a *App) release() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenReconciler builds only what a resolve/sync pass needs: the ledger, a
// tracker, and the catalog client. The returned func releases the ledger.
func OpenReconciler(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*reconcile.Reconciler, func() error, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	secrets, err := resolveSecrets(cfg, app.logger)
	if err != nil {
		return nil, nil, err
	}
	app.tracker = memoryStorage.NewRunStore()
	if app.ledger, err = setupLedger(ctx, app); err != nil {
		return nil, nil, err
	}
	if err := setupReconciler(app, secrets); err != nil {
		_ = app.release()
		return nil, nil, err
	}
	return app.reconciler, app.release, nil
}

func resolveSecrets(cfg *config.Config, logger *zap.Logger) (credentials.Secrets, error) {
	resolver := credentials.New(credentials.Config{
		UseKeyring: cfg.Credentials.Keyring,
		Service:    cfg.Credentials.Service,
	}, logger.Named("credentials"))
	secrets, err := resolver.Resolve(credentials.Secrets{
		InstagramPassword:   cfg.Capture.Password,
		SpotifyClientSecret: cfg.Spotify.ClientSecret,
		SpotifyRefreshToken: cfg.Spotify.RefreshToken,
		RecognitionSecret:   cfg.Recognition.AccessSecret,
	})
	if err != nil {
		return credentials.Secrets{}, fmt.Errorf("resolve credentials: %w", err)
	}
	return secrets, nil
}

func setupLedger(ctx context.Context, app *App) (pipeline.Ledger, error) {
	cfg := app.cfg
	logger := app.logger.Named("ledger")
	switch cfg.Ledger.Backend {
	case config.LedgerSQLite:
		s, err := sqlite.Open(ctx, cfg.Ledger.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger init failed: %w", err)
		}
		app.closers = append(app.closers, s.Close)
		app.logger.Info("using sqlite ledger", zap.String("path", s.Path()))
		return s, nil
	case config.LedgerPostgres:
		s, err := pgstore.NewLedgerStore(ctx, pgstore.LedgerStoreConfig{
			PoolConfig:  poolConfig(cfg),
			Table:       cfg.Ledger.Table,
			AutoMigrate: cfg.Database.AutoMigrate,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres ledger init failed: %w", err)
		}
		app.closers = append(app.closers, func() error { s.Close(); return nil })
		app.logger.Info("using postgres ledger", zap.String("table", cfg.Ledger.Table))
		return s, nil
	default:
		s, err := ledger.New(ledger.Config{
			Path:        cfg.Ledger.Path,
			LockTimeout: cfg.LockTimeout(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("csv ledger init failed: %w", err)
		}
		app.logger.Info("using csv ledger", zap.String("path", s.Path()))
		return s, nil
	}
}

func poolConfig(cfg *config.Config) pgstore.PoolConfig {
	return pgstore.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: time.Hour,
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Info("no database DSN, run history endpoints disabled")
		return nil
	}
	repo, err := pgstore.NewProgressStore(ctx, poolConfig(app.cfg), app.cfg.Database.AutoMigrate)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	app.progressRepo = repo
	return nil
}

func setupStorage(ctx context.Context, app *App) (pipeline.BlobStore, error) {
	if !app.cfg.Storage.ArchiveClips {
		return nil, nil
	}
	switch app.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving clips to GCS", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case "memory":
		app.logger.Info("archiving clips in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving clips locally", zap.String("path", app.cfg.Storage.BaseDir))
		return blobStore, nil
	}
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.Backend != "gcp" {
		app.publisher = memorypublisher.New(100)
		app.logger.Info("using in-memory publisher")
		return nil
	}
	client, err := gcppublisher.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) progress.Emitter {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	if app.progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.progressRepo, app.logger.Named("progress_store")))
	}
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		app.logger.Warn("prometheus progress sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub
}

func setupCapturer(app *App, secrets credentials.Secrets) (pipeline.Capturer, error) {
	cfg := app.cfg.Capture
	if cfg.Backend == config.CaptureDirectory {
		c, err := directory.New(cfg.MediaDir, app.logger.Named("capture"))
		if err != nil {
			return nil, fmt.Errorf("directory capturer init failed: %w", err)
		}
		app.logger.Info("capturing from directory", zap.String("path", cfg.MediaDir))
		return c, nil
	}
	segments := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Referer:   cfg.BaseURL,
		Timeout:   time.Duration(cfg.SegmentTimeoutSeconds) * time.Second,
	}, app.logger.Named("segments"))
	c, err := headless.New(headless.Config{
		Username:          cfg.Username,
		Password:          secrets.InstagramPassword,
		MediaDir:          cfg.MediaDir,
		BaseURL:           cfg.BaseURL,
		UserAgent:         cfg.UserAgent,
		Headless:          cfg.Headless,
		NavigationTimeout: time.Duration(cfg.NavigationTimeoutSeconds) * time.Second,
	}, segments, app.logger.Named("capture"))
	if err != nil {
		return nil, fmt.Errorf("browser capturer init failed: %w", err)
	}
	app.logger.Info("capturing with headless browser", zap.Bool("headless", cfg.Headless))
	return c, nil
}

func setupRecognizer(app *App, secrets credentials.Secrets) (pipeline.Recognizer, error) {
	cfg := app.cfg.Recognition
	c, err := acrcloud.New(acrcloud.Config{
		Host:         cfg.Host,
		AccessKey:    cfg.AccessKey,
		AccessSecret: secrets.RecognitionSecret,
		BaseURL:      cfg.BaseURL,
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		RetryCount:   cfg.RetryCount,
	}, app.logger.Named("acrcloud"))
	if err != nil {
		return nil, fmt.Errorf("recognizer init failed: %w", err)
	}
	return c, nil
}

func setupReconciler(app *App, secrets credentials.Secrets) error {
	cfg := app.cfg.Spotify
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   app.cfg.RateLimit.RPS,
		DefaultBurst: app.cfg.RateLimit.Burst,
	})
	client, err := spotify.New(spotify.Config{
		ClientID:            cfg.ClientID,
		ClientSecret:        secrets.SpotifyClientSecret,
		RefreshToken:        secrets.SpotifyRefreshToken,
		APIBaseURL:          cfg.APIBaseURL,
		TokenURL:            cfg.TokenURL,
		PlaylistDescription: cfg.PlaylistDescription,
		Timeout:             time.Duration(cfg.TimeoutSeconds) * time.Second,
		RetryCount:          cfg.RetryCount,
	}, limiter, app.logger.Named("spotify"))
	if err != nil {
		return fmt.Errorf("spotify client init failed: %w", err)
	}
	app.reconciler = reconcile.New(app.ledger, app.tracker, client, client, app.logger.Named("reconcile"))

	if app.cfg.Reconcile.Schedule == "" {
		return nil
	}
	playlist := app.cfg.Reconcile.PlaylistName
	if playlist == "" {
		playlist = app.cfg.Worker.DefaultPlaylist
	}
	app.sweeper, err = reconcile.NewSweeper(app.reconciler, reconcile.SweepConfig{
		Schedule:     app.cfg.Reconcile.Schedule,
		Accounts:     app.cfg.Reconcile.Accounts,
		SyncPlaylist: app.cfg.Reconcile.SyncPlaylist,
		PlaylistName: playlist,
	}, app.logger.Named("sweeper"))
	if err != nil {
		return fmt.Errorf("sweeper init failed: %w", err)
	}
	return nil
}
