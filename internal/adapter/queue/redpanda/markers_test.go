package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMarkerRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestRevoker_RoundTrip(t *testing.T) {
	rdb, _ := newMarkerRedis(t)
	r := NewRevoker(rdb, time.Minute)
	ctx := context.Background()

	revoked, err := r.Revoked(ctx, "eval_1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, r.Revoke(ctx, "eval_1"))
	revoked, err = r.Revoked(ctx, "eval_1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevoker_MarkerExpires(t *testing.T) {
	rdb, mr := newMarkerRedis(t)
	r := NewRevoker(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Revoke(ctx, "eval_1"))
	mr.FastForward(2 * time.Minute)

	revoked, err := r.Revoked(ctx, "eval_1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestPending_MarkerLifecycle(t *testing.T) {
	rdb, mr := newMarkerRedis(t)
	p := NewPending(rdb, 30*time.Second)
	ctx := context.Background()

	pending, err := p.Pending(ctx, "eval_1")
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, p.Mark(ctx, "eval_1"))
	pending, err = p.Pending(ctx, "eval_1")
	require.NoError(t, err)
	assert.True(t, pending)

	// the race window closes on its own
	mr.FastForward(time.Minute)
	pending, err = p.Pending(ctx, "eval_1")
	require.NoError(t, err)
	assert.False(t, pending)
}
