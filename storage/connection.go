package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the process-wide handle to the sink. It dials lazily on
// first use and transparently re-dials whenever the held handle reports
// itself closed. One Manager is built at startup and passed to whoever
// needs the connection.
type Manager struct {
	dial Dialer
	log  *zap.Logger

	mu   sync.Mutex
	conn Conn
}

// NewManager returns a Manager that opens connections with dial.
func NewManager(dial Dialer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{dial: dial, log: log}
}

// Get returns a live connection, dialing a new one when none is held or the
// current one is closed. Failures are logged and returned wrapped in
// ErrUnavailable so the caller can decide whether to retry.
func (m *Manager) Get(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		if !m.conn.IsClosed() {
			return m.conn, nil
		}
		m.log.Debug("reconnecting to the database")
		m.conn = nil
	}

	conn, err := m.dial(ctx)
	if err != nil {
		m.log.Error("failed to connect to the database", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.conn = conn
	m.log.Info("database connection established")
	return conn, nil
}

// Close releases the held connection, if any. Calling it again, or on a
// Manager that never connected, is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	if conn.IsClosed() {
		return nil
	}
	if err := conn.Close(ctx); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	m.log.Info("database connection closed")
	return nil
}
