package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		l, err := New(level)
		require.NoError(t, err, level)
		assert.NotNil(t, l.Logger)
		assert.NotNil(t, l.SugaredLogger)
	}

	_, err := New("chatty")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)
}

func TestContextRoundTrip(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fallback := zap.NewNop()

	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	scoped := WithRequestID(zap.New(core), "req-42")
	ctx := WithContext(context.Background(), scoped)
	FromContext(ctx, fallback).Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "req-42", logs.All()[0].ContextMap()["req_id"])
}
