// Package sqlite provides a SQLite-backed ledger for single-host deployments
// that outgrow the CSV file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// LedgerStore is a pipeline.Ledger on a SQLite table with a unique
// file_name constraint.
type LedgerStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*LedgerStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	store := &LedgerStore{db: db, path: path, logger: logger}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *LedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite db: %w", err)
	}
	return nil
}

// Ping checks that the database file is reachable.
func (s *LedgerStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *LedgerStore) Path() string {
	return s.path
}

func (s *LedgerStore) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS recognition_ledger (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	artist      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	spotify_uri TEXT NOT NULL DEFAULT '',
	account     TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS recognition_ledger_run_id_idx ON recognition_ledger (run_id);`
	if err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, ddl)
		return err
	}); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Append inserts records in one transaction, skipping file names already present.
func (s *LedgerStore) Append(ctx context.Context, records ...pipeline.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, rec := range records {
		if rec.FileName == "" {
			return 0, errors.New("record file_name is required")
		}
	}
	const query = `
INSERT INTO recognition_ledger (timestamp, file_name, title, artist, status, spotify_uri, account, run_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (file_name) DO NOTHING`

	var written int
	err := retryOnBusy(ctx, func() error {
		written = 0
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, rec := range records {
				res, execErr := tx.ExecContext(ctx, query, recordArgs(rec)...)
				if execErr != nil {
					return fmt.Errorf("insert ledger row: %w", execErr)
				}
				n, err := affected(res, "insert ledger row")
				if err != nil {
					return err
				}
				if n == 0 {
					s.logger.Debug("ledger row already present", zap.String("file_name", rec.FileName))
				}
				written += n
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// ReadAll returns every row in insertion order.
func (s *LedgerStore) ReadAll(ctx context.Context) ([]pipeline.Record, error) {
	return s.query(ctx, `SELECT `+selectColumns()+` FROM recognition_ledger ORDER BY seq`)
}

// ReadByRun returns the rows owned by runID in insertion order.
func (s *LedgerStore) ReadByRun(ctx context.Context, runID string) ([]pipeline.Record, error) {
	return s.query(ctx, `SELECT `+selectColumns()+` FROM recognition_ledger WHERE run_id = ? ORDER BY seq`, runID)
}

// SetCatalogURIs fills spotify_uri where it is still empty.
func (s *LedgerStore) SetCatalogURIs(ctx context.Context, uris map[string]string) (int, error) {
	if len(uris) == 0 {
		return 0, nil
	}
	const query = `UPDATE recognition_ledger SET spotify_uri = ? WHERE file_name = ? AND spotify_uri = ''`
	names := make([]string, 0, len(uris))
	for name := range uris {
		names = append(names, name)
	}
	sort.Strings(names)

	var updated int
	err := retryOnBusy(ctx, func() error {
		updated = 0
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, name := range names {
				if uris[name] == "" {
					continue
				}
				res, execErr := tx.ExecContext(ctx, query, uris[name], name)
				if execErr != nil {
					return fmt.Errorf("update ledger uri: %w", execErr)
				}
				n, err := affected(res, "update ledger uri")
				if err != nil {
					return err
				}
				updated += n
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func affected(res sql.Result, op string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return int(n), nil
}

func (s *LedgerStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("ledger rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *LedgerStore) query(ctx context.Context, query string, args ...any) ([]pipeline.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Record
	for rows.Next() {
		var (
			rec    pipeline.Record
			status string
		)
		if err := rows.Scan(
			&rec.Timestamp,
			&rec.FileName,
			&rec.Title,
			&rec.Artist,
			&status,
			&rec.SpotifyURI,
			&rec.Account,
			&rec.RunID,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		rec.Set("status", status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

func selectColumns() string {
	return strings.Join(pipeline.Columns, ", ")
}

func recordArgs(rec pipeline.Record) []any {
	values := rec.Values()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("sqlite busy retry: %w", ctx.Err())
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	if isSQLiteBusy(lastErr) {
		return fmt.Errorf("%w: %w", pipeline.ErrLedgerLocked, lastErr)
	}
	return lastErr
}
