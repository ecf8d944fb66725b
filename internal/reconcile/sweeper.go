package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepConfig controls the scheduled unresolved-row sweep.
type SweepConfig struct {
	// Schedule is a cron expression; an optional leading seconds field is allowed.
	Schedule string
	// Accounts limits the sweep; empty sweeps every account in one pass.
	Accounts []string
	// SyncPlaylist also converges each account's playlist after resolving.
	SyncPlaylist bool
	// PlaylistName is the playlist synced for each account.
	PlaylistName string
}

// Sweeper runs ResolveUnresolved on a cron schedule.
type Sweeper struct {
	rec    *Reconciler
	cfg    SweepConfig
	cron   *cron.Cron
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper parses the schedule and registers the sweep job. Call Start to
// begin ticking.
func NewSweeper(rec *Reconciler, cfg SweepConfig, logger *zap.Logger) (*Sweeper, error) {
	if rec == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLog := cronLogger{logger: logger.Named("cron").Sugar()}
	s := &Sweeper{
		rec:    rec,
		cfg:    cfg,
		logger: logger,
		cron: cron.New(
			cron.WithParser(cron.NewParser(
				cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.Sweep(s.baseContext()) }); err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins the schedule using ctx as the parent of every sweep.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("reconcile sweep scheduled", zap.String("schedule", s.cfg.Schedule))
}

// Stop cancels an in-flight sweep and waits for it to return.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sweeper: %w", ctx.Err())
	}
}

// Sweep runs one pass over the configured accounts.
func (s *Sweeper) Sweep(ctx context.Context) {
	accounts := s.cfg.Accounts
	if len(accounts) == 0 {
		accounts = []string{""}
	}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		res, err := s.rec.ResolveUnresolved(ctx, account)
		if err != nil {
			s.logger.Warn("reconcile sweep failed", zap.String("account", account), zap.Error(err))
			continue
		}
		s.logger.Info("reconcile sweep finished",
			zap.String("account", account),
			zap.Int("considered", res.Considered),
			zap.Int("resolved", res.Resolved),
			zap.Int("failed", res.Failed),
		)
		if !s.cfg.SyncPlaylist || account == "" {
			continue
		}
		synced, err := s.rec.SyncAccount(ctx, account, s.cfg.PlaylistName)
		if err != nil {
			s.logger.Warn("reconcile playlist sync failed", zap.String("account", account), zap.Error(err))
			continue
		}
		s.logger.Info("reconcile playlist synced", zap.String("account", account), zap.Int("added", len(synced.Added)))
	}
}

func (s *Sweeper) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
