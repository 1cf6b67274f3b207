package executorpool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, max int) (*Pool, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := New(rdb, max, time.Minute)
	clock := time.Now()
	p.now = func() time.Time { return clock }
	return p, &clock
}

func TestPool_AcquireUpToMax(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	ok, err := p.Acquire(ctx, "eval_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Acquire(ctx, "eval_2")
	require.NoError(t, err)
	assert.True(t, ok)

	// pool saturated
	ok, err = p.Acquire(ctx, "eval_3")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := p.InUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPool_ReacquireSameEvalIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	ok, err := p.Acquire(ctx, "eval_1")
	require.NoError(t, err)
	require.True(t, ok)

	// a redelivered task for the same evaluation does not consume a second slot
	ok, err = p.Acquire(ctx, "eval_1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, _ := p.InUse(ctx)
	assert.Equal(t, 1, n)
}

func TestPool_ReleaseFreesSlot(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	ok, _ := p.Acquire(ctx, "eval_1")
	require.True(t, ok)

	require.NoError(t, p.Release(ctx, "eval_1"))
	n, _ := p.InUse(ctx)
	assert.Equal(t, 0, n)

	ok, err := p.Acquire(ctx, "eval_2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPool_DoubleReleaseDoesNotUnderflow(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	ok, _ := p.Acquire(ctx, "eval_1")
	require.True(t, ok)
	ok, _ = p.Acquire(ctx, "eval_2")
	require.True(t, ok)

	require.NoError(t, p.Release(ctx, "eval_1"))
	require.NoError(t, p.Release(ctx, "eval_1"))

	n, _ := p.InUse(ctx)
	assert.Equal(t, 1, n)
}

func TestPool_ExpiredLeaseIsReclaimed(t *testing.T) {
	p, clock := newTestPool(t, 1)
	ctx := context.Background()

	ok, _ := p.Acquire(ctx, "eval_crashed")
	require.True(t, ok)

	// pool is full while the lease lives
	ok, _ = p.Acquire(ctx, "eval_next")
	require.False(t, ok)

	// the worker died; the lease runs out
	*clock = clock.Add(2 * time.Minute)

	ok, err := p.Acquire(ctx, "eval_next")
	require.NoError(t, err)
	assert.True(t, ok, "expired slot must be reclaimable")

	// the late release from the crashed worker is harmless
	require.NoError(t, p.Release(ctx, "eval_crashed"))
	n, _ := p.InUse(ctx)
	assert.Equal(t, 1, n)
}
