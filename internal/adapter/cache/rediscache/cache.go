// Package rediscache fronts evaluation reads with a Redis-backed cache.
// Terminal records are immutable and cached without expiry; non-terminal
// entries carry a short TTL so pollers never see stale state for long.
package rediscache

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

const nonTerminalTTL = 2 * time.Second

// Cache implements domain.RecordCache.
type Cache struct {
	rdb *redis.Client
}

// New wraps the given client.
func New(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

func key(evalID string) string { return "eval:" + evalID }

// Get returns the cached record if present. Cache errors degrade to a miss.
func (c *Cache) Get(ctx domain.Context, evalID string) (domain.Evaluation, bool) {
	if c == nil || c.rdb == nil {
		return domain.Evaluation{}, false
	}
	raw, err := c.rdb.Get(ctx, key(evalID)).Bytes()
	if err != nil {
		return domain.Evaluation{}, false
	}
	var e domain.Evaluation
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("cache entry corrupt, dropping", slog.String("eval_id", evalID), slog.Any("error", err))
		c.rdb.Del(ctx, key(evalID))
		return domain.Evaluation{}, false
	}
	return e, true
}

// Set stores the record with a TTL derived from its status.
func (c *Cache) Set(ctx domain.Context, e domain.Evaluation) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	ttl := nonTerminalTTL
	if e.Status.Terminal() {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key(e.EvalID), raw, ttl).Err(); err != nil {
		slog.Warn("cache set failed", slog.String("eval_id", e.EvalID), slog.Any("error", err))
	}
}

// Invalidate drops the record. Called on every write to the backing store.
func (c *Cache) Invalidate(ctx domain.Context, evalID string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key(evalID)).Err(); err != nil {
		slog.Warn("cache invalidate failed", slog.String("eval_id", evalID), slog.Any("error", err))
	}
}
