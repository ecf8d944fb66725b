// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// LedgerStoreConfig configures the Postgres ledger.
type LedgerStoreConfig struct {
	PoolConfig
	Table       string
	AutoMigrate bool
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// LedgerStore is a pipeline.Ledger on a Postgres table with a unique
// file_name constraint, safe for many hosts.
type LedgerStore struct {
	pool   pgxPool
	table  string
	logger *zap.Logger
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewLedgerStore connects to Postgres and optionally creates the ledger table.
func NewLedgerStore(ctx context.Context, cfg LedgerStoreConfig, logger *zap.Logger) (*LedgerStore, error) {
	pool, err := NewPool(ctx, cfg.PoolConfig)
	if err != nil {
		return nil, err
	}
	store, err := NewLedgerStoreWithPool(pool, cfg.Table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(pool pgxPool, table string, logger *zap.Logger) (*LedgerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "recognition_ledger"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerStore{pool: pool, table: table, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *LedgerStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the ledger table and its run index.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq         BIGSERIAL PRIMARY KEY,
	timestamp   TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	artist      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	spotify_uri TEXT NOT NULL DEFAULT '',
	account     TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[1]s_run_id_idx ON %[1]s (run_id);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Append inserts records in one transaction, skipping file names already present.
func (s *LedgerStore) Append(ctx context.Context, records ...pipeline.Record) (written int, err error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, rec := range records {
		if rec.FileName == "" {
			return 0, errors.New("record file_name is required")
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (timestamp, file_name, title, artist, status, spotify_uri, account, run_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (file_name) DO NOTHING`, s.table)

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		for _, rec := range records {
			tag, execErr := tx.Exec(ctx, query, recordArgs(rec)...)
			if execErr != nil {
				return fmt.Errorf("insert ledger row: %w", execErr)
			}
			if tag.RowsAffected() == 0 {
				s.logger.Debug("ledger row already present", zap.String("file_name", rec.FileName))
			}
			written += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// ReadAll returns every row in insertion order.
func (s *LedgerStore) ReadAll(ctx context.Context) ([]pipeline.Record, error) {
	return s.query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY seq`, selectColumns(), s.table))
}

// ReadByRun returns the rows owned by runID in insertion order.
func (s *LedgerStore) ReadByRun(ctx context.Context, runID string) ([]pipeline.Record, error) {
	return s.query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1 ORDER BY seq`, selectColumns(), s.table), runID)
}

// SetCatalogURIs fills spotify_uri where it is still empty.
func (s *LedgerStore) SetCatalogURIs(ctx context.Context, uris map[string]string) (updated int, err error) {
	if len(uris) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`UPDATE %s SET spotify_uri = $1 WHERE file_name = $2 AND spotify_uri = ''`, s.table)
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		for _, name := range sortedKeys(uris) {
			uri := uris[name]
			if uri == "" {
				continue
			}
			tag, execErr := tx.Exec(ctx, query, uri, name)
			if execErr != nil {
				return fmt.Errorf("update ledger uri: %w", execErr)
			}
			updated += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *LedgerStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("ledger rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *LedgerStore) query(ctx context.Context, sql string, args ...any) ([]pipeline.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
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

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
