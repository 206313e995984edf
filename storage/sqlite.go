package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"funcmetrics/collector"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite is a Conn backed by a local SQLite file. It is meant for
// development and tests; production deployments use Postgres.
type SQLite struct {
	db     *sql.DB
	log    *zap.Logger
	closed atomic.Bool
}

// DialSQLite returns a Dialer opening the SQLite file at dbPath.
func DialSQLite(dbPath string, migrate bool, log *zap.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return NewSQLite(ctx, dbPath, migrate, log)
	}
}

// NewSQLite opens (or creates) the SQLite file at dbPath and, when migrate
// is set, creates the samples table if it does not exist.
// The caller must call Close() when the program shuts down.
func NewSQLite(ctx context.Context, dbPath string, migrate bool, log *zap.Logger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// The modernc.org driver is pure-go and works without CGO.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_time_format=sqlite", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer, one handle.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if migrate {
		if err := s.migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS ` + table + ` (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    function_name  TEXT NOT NULL,
    execution_time REAL NOT NULL,
    error_occurred BOOLEAN NOT NULL,
    observed_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_function_metrics_name_ts ON ` + table + `(function_name, observed_at);
`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create %s table: %w", table, err)
	}
	s.log.Info("SQLite migration applied")
	return nil
}

// Begin implements Conn.
func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// IsClosed implements Conn.
func (s *SQLite) IsClosed() bool { return s.closed.Load() }

// Close shuts down the database handle. Closing twice is a no-op.
func (s *SQLite) Close(context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Query implements Querier.
func (s *SQLite) Query(ctx context.Context, identifier string, from, to time.Time) ([]MetricRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	q := `SELECT id, function_name, execution_time, error_occurred, observed_at FROM ` + table +
		` WHERE observed_at >= ? AND observed_at <= ?`
	args := []any{from.UTC(), to.UTC()}
	if identifier != "" {
		q += ` AND function_name = ?`
		args = append(args, identifier)
	}
	q += ` ORDER BY observed_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var r MetricRecord
		if err := rows.Scan(&r.ID, &r.Identifier, &r.DurationSeconds, &r.Failed, &r.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertSamples(ctx context.Context, samples []collector.MetricSample) error {
	for _, page := range pages(samples) {
		stmt := insertStatement(len(page), func(int) string { return "?" })
		if _, err := t.tx.ExecContext(ctx, stmt, insertArgs(page)...); err != nil {
			return fmt.Errorf("insert %d samples: %w", len(page), err)
		}
	}
	return nil
}

func (t *sqliteTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(context.Context) error {
	return t.tx.Rollback()
}
