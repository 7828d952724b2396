package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemory_Cooldown(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemory(60*time.Second, c.now)
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, "+15551234567")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Success(ctx, "+15551234567"))
	ok, wait, _ := l.Allow(ctx, "+15551234567")
	require.False(t, ok)
	require.Equal(t, 60*time.Second, wait)

	// other numbers are independent
	ok, _, _ = l.Allow(ctx, "+441234567890")
	require.True(t, ok)

	c.advance(59 * time.Second)
	ok, wait, _ = l.Allow(ctx, "+15551234567")
	require.False(t, ok)
	require.Equal(t, time.Second, wait)

	c.advance(time.Second)
	ok, _, _ = l.Allow(ctx, "+15551234567")
	require.True(t, ok)
}

func TestMemory_FailureOnlyExtends(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemory(60*time.Second, c.now)
	ctx := context.Background()

	require.NoError(t, l.Success(ctx, "k"))
	require.NoError(t, l.Failure(ctx, "k", 10*time.Second))
	_, wait, _ := l.Allow(ctx, "k")
	require.Equal(t, 60*time.Second, wait, "shorter provider hint must not shorten cooldown")

	require.NoError(t, l.Failure(ctx, "k", 5*time.Minute))
	_, wait, _ = l.Allow(ctx, "k")
	require.Equal(t, 5*time.Minute, wait)

	require.NoError(t, l.Failure(ctx, "fresh", 0))
	_, wait, _ = l.Allow(ctx, "fresh")
	require.Equal(t, 60*time.Second, wait)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestRedis_Cooldown(t *testing.T) {
	t.Parallel()
	mr, client := newTestRedis(t)
	l := NewRedis(client, "t", 60*time.Second)
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, "+15551234567")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Success(ctx, "+15551234567"))
	ok, wait, err := l.Allow(ctx, "+15551234567")
	require.NoError(t, err)
	require.False(t, ok)
	require.InDelta(t, float64(60*time.Second), float64(wait), float64(time.Second))

	require.NoError(t, l.Failure(ctx, "+15551234567", 3*time.Minute))
	_, wait, _ = l.Allow(ctx, "+15551234567")
	require.InDelta(t, float64(3*time.Minute), float64(wait), float64(time.Second))

	mr.FastForward(3 * time.Minute)
	ok, _, _ = l.Allow(ctx, "+15551234567")
	require.True(t, ok)

	// raw numbers are never stored
	for _, k := range mr.Keys() {
		require.NotContains(t, k, "5551234567")
	}
}

func TestRedis_Unavailable(t *testing.T) {
	t.Parallel()
	mr, client := newTestRedis(t)
	l := NewRedis(client, "t", 0)
	mr.Close()

	_, _, err := l.Allow(context.Background(), "k")
	require.Error(t, err)
}
