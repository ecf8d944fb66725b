// Package ledger implements the CSV recognition ledger. Every mutation is a
// read-modify-write of the whole file under a sidecar file lock, so several
// processes on one host can share a ledger safely.
package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/telemetry"
)

const (
	defaultLockTimeout = 10 * time.Second
	defaultRetryDelay  = 50 * time.Millisecond
)

// Config controls the CSV ledger location and lock behavior.
type Config struct {
	Path        string
	LockTimeout time.Duration
	RetryDelay  time.Duration
}

// Store is a pipeline.Ledger backed by a CSV file.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	retryDelay  time.Duration
	logger      *zap.Logger
}

// New validates cfg and prepares the ledger directory.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &Store{
		path:        cfg.Path,
		lockPath:    cfg.Path + ".lock",
		lockTimeout: cfg.LockTimeout,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
	}, nil
}

// Path returns the ledger file location.
func (s *Store) Path() string {
	return s.path
}

// Append adds records whose file_name is not yet in the ledger. Missing
// columns are backfilled as part of the same write.
func (s *Store) Append(ctx context.Context, records ...pipeline.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, rec := range records {
		if rec.FileName == "" {
			return 0, errors.New("record file_name is required")
		}
	}
	written := 0
	err := s.withLock(ctx, true, func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		t.backfill()
		seen := t.fileNames()
		for _, rec := range records {
			if _, dup := seen[rec.FileName]; dup {
				s.logger.Debug("ledger row already present", zap.String("file_name", rec.FileName))
				continue
			}
			seen[rec.FileName] = struct{}{}
			t.appendRecord(rec)
			written++
		}
		if written == 0 {
			return nil
		}
		return s.save(t)
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// ReadAll returns every row in file order.
func (s *Store) ReadAll(ctx context.Context) ([]pipeline.Record, error) {
	var out []pipeline.Record
	err := s.withLock(ctx, false, func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		out = t.records()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadByRun returns the rows owned by runID.
func (s *Store) ReadByRun(ctx context.Context, runID string) ([]pipeline.Record, error) {
	all, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline.FilterByRun(all, runID), nil
}

// SetCatalogURIs fills empty spotify_uri cells keyed by file_name.
func (s *Store) SetCatalogURIs(ctx context.Context, uris map[string]string) (int, error) {
	if len(uris) == 0 {
		return 0, nil
	}
	updated := 0
	err := s.withLock(ctx, true, func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		t.backfill()
		updated = t.fillURIs(uris)
		if updated == 0 {
			return nil
		}
		return s.save(t)
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *Store) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	lock := flock.New(s.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	start := time.Now()
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = lock.TryLockContext(lockCtx, s.retryDelay)
	} else {
		ok, err = lock.TryRLockContext(lockCtx, s.retryDelay)
	}
	telemetry.ObserveLedgerLockWait(time.Since(start))
	if err != nil || !ok {
		if ctx.Err() != nil {
			return fmt.Errorf("acquire ledger lock: %w", ctx.Err())
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("acquire ledger lock: %w", err)
		}
		return fmt.Errorf("%w: %s after %s", pipeline.ErrLedgerLocked, s.lockPath, s.lockTimeout)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			s.logger.Warn("ledger unlock failed", zap.String("lock", s.lockPath), zap.Error(unlockErr))
		}
	}()
	return fn()
}

func (s *Store) load() (*table, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return parseTable(nil), nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	raw, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	return parseTable(raw), nil
}

// save rewrites the whole ledger through a temp file in the same directory.
func (s *Store) save(t *table) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ledger-*.csv")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("remove temp ledger failed", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(t.all()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		cleanup()
		return fmt.Errorf("chmod ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
