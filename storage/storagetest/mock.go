// Package storagetest provides in-memory storage.Conn doubles for tests.
package storagetest

import (
	"context"
	"errors"
	"sync"

	"funcmetrics/collector"
	"funcmetrics/storage"
)

// MockConn implements storage.Conn. Errors can be injected per stage and
// everything that reached Commit is kept for inspection. It is safe for
// use from the writer goroutine and the test at the same time.
type MockConn struct {
	mu        sync.Mutex
	beginErr  error
	insertErr error
	commitErr error
	closed    bool

	gate     <-chan struct{}
	inserted chan struct{}

	committed [][]collector.MetricSample
	rollbacks int
	closes    int
}

// SetBeginErr makes every following Begin fail with err (nil clears it).
func (m *MockConn) SetBeginErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginErr = err
}

// SetInsertErr makes every following InsertSamples fail with err.
func (m *MockConn) SetInsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErr = err
}

// SetCommitErr makes every following Commit fail with err.
func (m *MockConn) SetCommitErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

// HoldInserts makes every following InsertSamples wait until release is
// closed or its context ends. The returned channel receives a value each
// time an insert starts waiting.
func (m *MockConn) HoldInserts(release <-chan struct{}) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = release
	m.inserted = make(chan struct{}, 16)
	return m.inserted
}

// Break marks the handle as closed without going through Close, the way a
// dropped network connection would.
func (m *MockConn) Break() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Batches returns a copy of every committed batch, in commit order.
func (m *MockConn) Batches() [][]collector.MetricSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]collector.MetricSample, len(m.committed))
	copy(out, m.committed)
	return out
}

// Committed returns every committed sample, flattened.
func (m *MockConn) Committed() []collector.MetricSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []collector.MetricSample
	for _, b := range m.committed {
		out = append(out, b...)
	}
	return out
}

// Rollbacks counts rolled back transactions.
func (m *MockConn) Rollbacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks
}

// Closes counts Close calls on an open handle.
func (m *MockConn) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Begin implements storage.Conn.
func (m *MockConn) Begin(context.Context) (storage.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storage.ErrClosed
	}
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &mockTx{conn: m}, nil
}

// IsClosed implements storage.Conn.
func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close implements storage.Conn.
func (m *MockConn) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.closes++
	}
	return nil
}

type mockTx struct {
	conn    *MockConn
	pending []collector.MetricSample
	done    bool
}

var errTxDone = errors.New("storagetest: transaction already finished")

func (t *mockTx) InsertSamples(ctx context.Context, samples []collector.MetricSample) error {
	t.conn.mu.Lock()
	gate, inserted := t.conn.gate, t.conn.inserted
	t.conn.mu.Unlock()
	if gate != nil {
		select {
		case inserted <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.done {
		return errTxDone
	}
	if t.conn.insertErr != nil {
		return t.conn.insertErr
	}
	t.pending = append(t.pending, samples...)
	return nil
}

func (t *mockTx) Commit(context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.done {
		return errTxDone
	}
	if t.conn.commitErr != nil {
		return t.conn.commitErr
	}
	t.done = true
	t.conn.committed = append(t.conn.committed, t.pending)
	return nil
}

func (t *mockTx) Rollback(context.Context) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	t.conn.rollbacks++
	return nil
}

// Dialer hands out MockConns. While Err is set every dial fails with it.
type Dialer struct {
	mu    sync.Mutex
	err   error
	conns []*MockConn
}

// SetErr makes following dials fail with err (nil restores success).
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dial implements storage.Dialer.
func (d *Dialer) Dial(context.Context) (storage.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &MockConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// Last returns the most recently dialed connection, or nil.
func (d *Dialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
