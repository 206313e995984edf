package storage

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"funcmetrics/collector"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresConfig holds the connection parameters of the Postgres sink.
type PostgresConfig struct {
	User     string
	Password string
	Database string
	Host     string
	Port     int
	SSLMode  string // disable|require|verify-full ...; empty means "disable"
	Migrate  bool   // create the samples table on connect
}

// ConnString renders the parameters as a postgres:// URL.
func (c PostgresConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

// Postgres is a Conn holding a single pgx connection.
type Postgres struct {
	conn *pgx.Conn
	log  *zap.Logger
}

// DialPostgres returns a Dialer connecting with cfg.
func DialPostgres(cfg PostgresConfig, log *zap.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return NewPostgres(ctx, cfg, log)
	}
}

// NewPostgres connects to the database described by cfg.
func NewPostgres(ctx context.Context, cfg PostgresConfig, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := pgx.Connect(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connect postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	p := &Postgres{conn: conn, log: log}
	if cfg.Migrate {
		if err := p.migrate(ctx); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS ` + table + ` (
    id             BIGSERIAL PRIMARY KEY,
    function_name  TEXT NOT NULL,
    execution_time DOUBLE PRECISION NOT NULL,
    error_occurred BOOLEAN NOT NULL,
    observed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_function_metrics_name_ts ON ` + table + `(function_name, observed_at);
`
	if _, err := p.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create %s table: %w", table, err)
	}
	p.log.Info("Postgres migration applied")
	return nil
}

// Begin implements Conn.
func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// IsClosed implements Conn. pgx marks the connection closed after a fatal
// network or protocol error as well as after Close.
func (p *Postgres) IsClosed() bool { return p.conn.IsClosed() }

// Close implements Conn.
func (p *Postgres) Close(ctx context.Context) error {
	if p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close(ctx)
}

// Query implements Querier.
func (p *Postgres) Query(ctx context.Context, identifier string, from, to time.Time) ([]MetricRecord, error) {
	q := `SELECT id, function_name, execution_time, error_occurred, observed_at FROM ` + table +
		` WHERE observed_at BETWEEN $1 AND $2 AND ($3 = '' OR function_name = $3) ORDER BY observed_at, id`
	rows, err := p.conn.Query(ctx, q, from.UTC(), to.UTC(), identifier)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MetricRecord, error) {
		var r MetricRecord
		err := row.Scan(&r.ID, &r.Identifier, &r.DurationSeconds, &r.Failed, &r.ObservedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s rows: %w", table, err)
	}
	return out, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) InsertSamples(ctx context.Context, samples []collector.MetricSample) error {
	for _, page := range pages(samples) {
		stmt := insertStatement(len(page), func(i int) string { return "$" + strconv.Itoa(i) })
		if _, err := t.tx.Exec(ctx, stmt, insertArgs(page)...); err != nil {
			return fmt.Errorf("insert %d samples: %w", len(page), err)
		}
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
