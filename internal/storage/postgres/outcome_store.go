// Package postgres records finished crawl outcomes in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Row kinds stored in the outcome table.
const (
	KindFile  = "file"
	KindError = "error"
)

// Config controls the Postgres connection pool and target tables.
type Config struct {
	DSN             string
	RunsTable       string
	OutcomesTable   string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// OutcomeStore writes one run row plus one row per visited URL, atomically.
type OutcomeStore struct {
	pool     pool
	runs     string
	outcomes string
}

// NewOutcomeStore connects to Postgres using cfg.
func NewOutcomeStore(ctx context.Context, cfg Config) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("report.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewOutcomeStoreWithPool(p, cfg.RunsTable, cfg.OutcomesTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(p pool, runsTable, outcomesTable string) (*OutcomeStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if runsTable == "" {
		runsTable = "crawl_runs"
	}
	if outcomesTable == "" {
		outcomesTable = "crawl_outcomes"
	}
	for _, table := range []string{runsTable, outcomesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &OutcomeStore{pool: p, runs: runsTable, outcomes: outcomesTable}, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run and outcome tables when they do not exist.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	crawl_id    UUID PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	seen        INTEGER NOT NULL,
	files       INTEGER NOT NULL,
	errors      INTEGER NOT NULL,
	interrupted BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
	crawl_id    UUID NOT NULL REFERENCES %[1]s (crawl_id) ON DELETE CASCADE,
	url         TEXT NOT NULL,
	kind        TEXT NOT NULL,
	location    TEXT,
	error_text  TEXT,
	PRIMARY KEY (crawl_id, url)
)`, s.runs, s.outcomes)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create outcome schema: %w", err)
	}
	return nil
}

// RecordOutcome inserts the run summary and every file and error entry in a
// single transaction. Rows are written in URL order.
func (s *OutcomeStore) RecordOutcome(ctx context.Context, outcome crawler.Outcome) (err error) {
	if s == nil || s.pool == nil {
		return errors.New("outcome store is not configured")
	}
	if outcome.CrawlID == "" {
		return errors.New("crawl id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	runQuery := fmt.Sprintf(`
INSERT INTO %s (crawl_id, started_at, finished_at, seen, files, errors, interrupted)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.runs)
	if _, err = tx.Exec(ctx, runQuery,
		outcome.CrawlID,
		outcome.Started,
		outcome.Finished,
		outcome.Seen,
		len(outcome.Files),
		len(outcome.Errors),
		outcome.Interrupted,
	); err != nil {
		return fmt.Errorf("insert crawl run: %w", err)
	}

	rowQuery := fmt.Sprintf(`
INSERT INTO %s (crawl_id, url, kind, location, error_text)
VALUES ($1,$2,$3,$4,$5)`, s.outcomes)
	for _, url := range sortedKeys(outcome.Files) {
		if _, err = tx.Exec(ctx, rowQuery, outcome.CrawlID, url, KindFile, outcome.Files[url], nil); err != nil {
			return fmt.Errorf("insert file row: %w", err)
		}
	}
	for _, url := range sortedKeys(outcome.Errors) {
		if _, err = tx.Exec(ctx, rowQuery, outcome.CrawlID, url, KindError, nil, outcome.Errors[url]); err != nil {
			return fmt.Errorf("insert error row: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
