package ghclient

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) *redisMirror {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return newRedisMirror("redis://" + mr.Addr())
}

func TestRedisMirror_StoreAndPeek(t *testing.T) {
	m := newTestMirror(t)
	t.Cleanup(func() { _ = m.close() })

	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	m.store("core", 4321, reset)

	remaining, got, ok := m.peek(context.Background(), "core")
	require.True(t, ok)
	assert.Equal(t, 4321, remaining)
	assert.True(t, reset.Equal(got))
}

func TestRedisMirror_Peek_MissingKey(t *testing.T) {
	m := newTestMirror(t)
	t.Cleanup(func() { _ = m.close() })

	_, _, ok := m.peek(context.Background(), "search")
	assert.False(t, ok)
}

func TestNewRedisMirror_InvalidURLFallsBackToBareAddr(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	m := newRedisMirror(mr.Addr())
	t.Cleanup(func() { _ = m.close() })
	m.store("core", 1, time.Now())
	_, _, ok := m.peek(context.Background(), "core")
	assert.True(t, ok)
}

func TestClient_WithRedisMirror_MirrorsQuotaAfterCall(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := testConfig("https://example.invalid")
	cfg.RedisURL = "redis://" + mr.Addr()
	c := NewClient(cfg)
	t.Cleanup(func() { _ = c.Close() })

	c.updateQuota(classCore, 123, time.Now().Add(time.Hour))

	remaining, _, ok := c.mirror.peek(context.Background(), "core")
	require.True(t, ok)
	assert.Equal(t, 123, remaining)
}
