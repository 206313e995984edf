package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"funcmetrics/collector"
)

// Table receiving persisted samples, shared by every backend.
const table = "function_metrics"

// insertPageSize caps the rows per INSERT statement; a batch larger than
// this is written as several statements inside the same transaction.
const insertPageSize = 100

var (
	// ErrUnavailable is returned when no connection to the sink could be
	// established.
	ErrUnavailable = errors.New("storage: connection unavailable")
	// ErrClosed is returned when a closed handle is used.
	ErrClosed = errors.New("storage: connection closed")
)

// MetricRecord is a single persisted sample row.
type MetricRecord struct {
	ID              int64     // auto-increment primary key (mostly for internal use)
	Identifier      string    // function name
	DurationSeconds float64   // execution time
	Failed          bool      // whether an error occurred
	ObservedAt      time.Time // when the call finished
}

// Conn is one live handle to the durable sink.
type Conn interface {
	// Begin opens a transaction. Rows inserted through it become visible
	// on Commit only.
	Begin(ctx context.Context) (Tx, error)

	// IsClosed reports whether the handle is unusable and must be
	// replaced.
	IsClosed() bool

	// Close releases the handle.
	Close(ctx context.Context) error
}

// Tx is an open write transaction.
type Tx interface {
	// InsertSamples bulk-inserts the batch. Either every row is committed
	// with the transaction or none is.
	InsertSamples(ctx context.Context, samples []collector.MetricSample) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Querier reads persisted samples back.
type Querier interface {
	// Query returns records for identifier observed in [from, to]. An
	// empty identifier matches every function. Results are sorted by
	// ObservedAt ascending.
	Query(ctx context.Context, identifier string, from, to time.Time) ([]MetricRecord, error)
}

// Dialer opens a fresh connection to the sink.
type Dialer func(ctx context.Context) (Conn, error)

// insertStatement builds a multi-row INSERT for n rows. placeholder maps a
// 1-based argument index to the driver's bind syntax.
func insertStatement(n int, placeholder func(int) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (function_name, execution_time, error_occurred, observed_at) VALUES ", table)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&b, "(%s, %s, %s, %s)",
			placeholder(base+1), placeholder(base+2), placeholder(base+3), placeholder(base+4))
	}
	return b.String()
}

func insertArgs(samples []collector.MetricSample) []any {
	args := make([]any, 0, len(samples)*4)
	for _, s := range samples {
		args = append(args, s.Identifier, s.DurationSeconds, s.Failed, s.ObservedAt.UTC())
	}
	return args
}

// pages splits samples into insertPageSize chunks.
func pages(samples []collector.MetricSample) [][]collector.MetricSample {
	var out [][]collector.MetricSample
	for len(samples) > 0 {
		n := min(len(samples), insertPageSize)
		out = append(out, samples[:n])
		samples = samples[n:]
	}
	return out
}
