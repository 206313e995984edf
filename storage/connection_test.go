package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"funcmetrics/storage"
	"funcmetrics/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestManagerLazyDial(t *testing.T) {
	d := &storagetest.Dialer{}
	m := storage.NewManager(d.Dial, zaptest.NewLogger(t))
	assert.Empty(t, d.Conns(), "no dial before first Get")

	c1, err := m.Get(context.Background())
	require.NoError(t, err)
	c2, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Len(t, d.Conns(), 1)
}

func TestManagerReconnectsClosedHandle(t *testing.T) {
	d := &storagetest.Dialer{}
	m := storage.NewManager(d.Dial, zaptest.NewLogger(t))

	c1, err := m.Get(context.Background())
	require.NoError(t, err)
	d.Last().Break()

	c2, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.False(t, c2.IsClosed())
	assert.Len(t, d.Conns(), 2)
}

func TestManagerSignalsDialFailure(t *testing.T) {
	d := &storagetest.Dialer{}
	cause := errors.New("connection refused")
	d.SetErr(cause)
	m := storage.NewManager(d.Dial, zaptest.NewLogger(t))

	conn, err := m.Get(context.Background())
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.ErrorIs(t, err, cause)

	d.SetErr(nil)
	conn, err = m.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestManagerConcurrentFirstAccess(t *testing.T) {
	d := &storagetest.Dialer{}
	m := storage.NewManager(d.Dial, nil)

	const n = 32
	conns := make([]storage.Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Get(context.Background())
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	require.Len(t, d.Conns(), 1)
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestManagerCloseIdempotent(t *testing.T) {
	d := &storagetest.Dialer{}
	m := storage.NewManager(d.Dial, zaptest.NewLogger(t))

	require.NoError(t, m.Close(context.Background()), "close before connect")

	_, err := m.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, 1, d.Last().Closes())
	assert.True(t, d.Last().IsClosed())
}
