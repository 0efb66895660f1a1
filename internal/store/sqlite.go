package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"marketsync/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RunRecorder = (*SQLiteStore)(nil)
var _ ManifestStore = (*sqliteManifest)(nil)

// SQLiteStore holds manifests and run history in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, switches
// it to WAL mode and creates missing tables.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS manifest (
			market       TEXT    NOT NULL,
			code         TEXT    NOT NULL,
			seq          INTEGER NOT NULL,
			name         TEXT,
			fetch_symbol TEXT,
			board        TEXT,
			status       TEXT    NOT NULL,
			updated_at   INTEGER,
			PRIMARY KEY (market, code)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manifest_seq ON manifest(market, seq)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT    PRIMARY KEY,
			market      TEXT    NOT NULL,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			total       INTEGER,
			success     INTEGER,
			failed      INTEGER,
			empty       INTEGER,
			fetched     INTEGER,
			skipped     INTEGER,
			interrupted INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_market ON runs(market, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ManifestStore implementation
// ---------------------------------------------------------------------------

// Manifest returns a ManifestStore for one market.
func (s *SQLiteStore) Manifest(market string) ManifestStore {
	return &sqliteManifest{db: s.db, market: market}
}

type sqliteManifest struct {
	db     *sql.DB
	market string
}

func (m *sqliteManifest) Load(ctx context.Context) ([]domain.ManifestRow, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT code, name, fetch_symbol, board, status, updated_at
		 FROM manifest WHERE market = ? ORDER BY seq`, m.market)
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", m.market, err)
	}
	defer rows.Close()

	var out []domain.ManifestRow
	for rows.Next() {
		var (
			r                        domain.ManifestRow
			name, fetchSymbol, board sql.NullString
			status                   string
			updated                  sql.NullInt64
		)
		if err := rows.Scan(&r.Code, &name, &fetchSymbol, &board, &status, &updated); err != nil {
			return nil, fmt.Errorf("scanning manifest row: %w", err)
		}
		r.Name, r.FetchSymbol, r.Board = name.String, fetchSymbol.String, board.String
		if r.Status, err = domain.ParseStatus(status); err != nil {
			r.Status = domain.StatusPending
		}
		if updated.Valid && updated.Int64 > 0 {
			r.UpdatedAt = time.Unix(updated.Int64, 0).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save upserts every row in one transaction. Rows are never deleted.
func (m *sqliteManifest) Save(ctx context.Context, rows []domain.ManifestRow) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin manifest tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO manifest (market, code, seq, name, fetch_symbol, board, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(market, code) DO UPDATE SET
			seq = excluded.seq,
			name = excluded.name,
			fetch_symbol = excluded.fetch_symbol,
			board = excluded.board,
			status = excluded.status,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare manifest upsert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		var updated int64
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Unix()
		}
		if _, err := stmt.ExecContext(ctx, m.market, r.Code, i, r.Name, r.FetchSymbol, r.Board, string(r.Status), updated); err != nil {
			return fmt.Errorf("upserting %s/%s: %w", m.market, r.Code, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// RunRecorder implementation
// ---------------------------------------------------------------------------

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// RecordRun inserts or replaces the run row for r.RunID, assigning an id
// when r has none.
func (s *SQLiteStore) RecordRun(ctx context.Context, r domain.Report) error {
	if r.RunID == "" {
		r.RunID = NewRunID()
	}
	var finished int64
	if !r.Finished.IsZero() {
		finished = r.Finished.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (id, market, started_at, finished_at, total, success, failed, empty, fetched, skipped, interrupted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Market, r.Started.Unix(), finished,
		r.Total, r.Success, r.Failed, r.Empty, r.Fetched, r.Skipped, boolInt(r.Interrupted))
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.RunID, err)
	}
	return nil
}

// Runs returns up to limit most recent runs, newest first. An empty market
// matches every market.
func (s *SQLiteStore) Runs(ctx context.Context, market string, limit int) ([]domain.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, market, started_at, finished_at, total, success, failed, empty, fetched, skipped, interrupted
		 FROM runs WHERE (? = '' OR market = ?) ORDER BY started_at DESC LIMIT ?`,
		market, market, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		var (
			r                 domain.Report
			started, finished int64
			interrupted       int
		)
		if err := rows.Scan(&r.RunID, &r.Market, &started, &finished,
			&r.Total, &r.Success, &r.Failed, &r.Empty, &r.Fetched, &r.Skipped, &interrupted); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Started = time.Unix(started, 0).UTC()
		if finished > 0 {
			r.Finished = time.Unix(finished, 0).UTC()
		}
		r.Interrupted = interrupted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
