package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"funcmetrics/collector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "metrics.db"), true, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func sampleBatch(n int, at time.Time) []collector.MetricSample {
	out := make([]collector.MetricSample, n)
	for i := range out {
		out[i] = collector.MetricSample{
			Identifier:      fmt.Sprintf("fn_%d", i%3),
			DurationSeconds: float64(i) / 100,
			Failed:          i%5 == 0,
			ObservedAt:      at.Add(time.Duration(i) * time.Millisecond),
		}
	}
	return out
}

func TestSQLiteCommitAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// larger than one page to exercise the multi-statement path
	batch := sampleBatch(insertPageSize+25, at)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertSamples(ctx, batch))
	require.NoError(t, tx.Commit(ctx))

	all, err := s.Query(ctx, "", at.Add(-time.Second), at.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, len(batch))

	fn0, err := s.Query(ctx, "fn_0", at.Add(-time.Second), at.Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, fn0)
	for i, r := range fn0 {
		assert.Equal(t, "fn_0", r.Identifier)
		if i > 0 {
			assert.False(t, r.ObservedAt.Before(fn0[i-1].ObservedAt), "sorted by time")
		}
	}
	assert.Equal(t, batch[0].Failed, fn0[0].Failed)
	assert.InDelta(t, batch[0].DurationSeconds, fn0[0].DurationSeconds, 1e-9)
	assert.True(t, batch[0].ObservedAt.Equal(fn0[0].ObservedAt))
}

func TestSQLiteRollbackDiscardsBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	at := time.Now().UTC()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertSamples(ctx, sampleBatch(10, at)))
	require.NoError(t, tx.Rollback(ctx))

	got, err := s.Query(ctx, "", at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteClose(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	assert.False(t, s.IsClosed())
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.True(t, s.IsClosed())

	_, err := s.Begin(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSQLiteWithManager(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "managed.db")
	m := NewManager(DialSQLite(path, true, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close(ctx) })

	c1, err := m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Close(ctx))

	c2, err := m.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)

	tx, err := c2.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertSamples(ctx, sampleBatch(3, time.Now())))
	require.NoError(t, tx.Commit(ctx))
}

func TestSQLiteDialFailure(t *testing.T) {
	m := NewManager(DialSQLite(filepath.Join(t.TempDir(), "missing", "dir", "x.db"), true, nil), nil)
	_, err := m.Get(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
