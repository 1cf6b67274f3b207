// Package executorpool bounds concurrent evaluations across all workers with
// a Redis-backed slot set. Acquire and release are Lua scripts so membership
// checks and slot counts move atomically; each slot carries an expiry score
// that reclaims slots held by crashed workers.
package executorpool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	busyKey        = "executor:busy"
	defaultSlotTTL = 15 * time.Minute
)

// acquire purges expired slots, then claims one. Returns 1 on success, 0 when
// the pool is full, -1 when this evaluation already holds a slot (idempotent
// re-acquire, with its lease renewed).
const luaAcquire = `
local busy = KEYS[1]
local max = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local expire = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", busy, "-inf", now)

if redis.call("ZSCORE", busy, member) then
  redis.call("ZADD", busy, expire, member)
  return -1
end

if redis.call("ZCARD", busy) >= max then
  return 0
end

redis.call("ZADD", busy, expire, member)
return 1
`

// release removes the slot; a second release or one arriving after the lease
// expired finds nothing to remove.
const luaRelease = `
return redis.call("ZREM", KEYS[1], ARGV[1])
`

// Pool is the shared executor slot set.
type Pool struct {
	rdb     *redis.Client
	max     int
	slotTTL time.Duration
	now     func() time.Time

	acquireScript *redis.Script
	releaseScript *redis.Script
}

// New creates a pool with max concurrent slots. slotTTL bounds how long a
// crashed worker can pin a slot; it must exceed the longest evaluation budget.
func New(rdb *redis.Client, max int, slotTTL time.Duration) *Pool {
	if max <= 0 {
		max = 20
	}
	if slotTTL <= 0 {
		slotTTL = defaultSlotTTL
	}
	return &Pool{
		rdb:           rdb,
		max:           max,
		slotTTL:       slotTTL,
		now:           time.Now,
		acquireScript: redis.NewScript(luaAcquire),
		releaseScript: redis.NewScript(luaRelease),
	}
}

// Acquire takes a slot for the evaluation. Returns false when the pool is
// saturated. Re-acquiring for the same eval_id renews the lease and succeeds.
func (p *Pool) Acquire(ctx context.Context, evalID string) (bool, error) {
	now := p.now().UnixMilli()
	res, err := p.acquireScript.Run(ctx, p.rdb,
		[]string{busyKey},
		p.max, now, now+p.slotTTL.Milliseconds(), evalID).Int()
	if err != nil {
		return false, fmt.Errorf("op=executorpool.acquire: %w", err)
	}
	return res != 0, nil
}

// Release frees the evaluation's slot. Releasing twice, or after the lease
// already expired, is a no-op.
func (p *Pool) Release(ctx context.Context, evalID string) error {
	if _, err := p.releaseScript.Run(ctx, p.rdb, []string{busyKey}, evalID).Int(); err != nil {
		return fmt.Errorf("op=executorpool.release: %w", err)
	}
	return nil
}

// InUse reports the live slot count, for readiness and metrics.
func (p *Pool) InUse(ctx context.Context) (int, error) {
	n, err := p.rdb.ZCount(ctx, busyKey,
		fmt.Sprintf("(%d", p.now().UnixMilli()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("op=executorpool.in_use: %w", err)
	}
	return int(n), nil
}
