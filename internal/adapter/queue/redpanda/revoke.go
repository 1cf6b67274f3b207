package redpanda

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Revoker implements domain.TaskRevoker on Redis markers. A marker lets
// cancellation reach tasks still sitting in the broker: the consumer checks it
// at claim time, the worker between suspension points.
type Revoker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRevoker wraps the given client. Markers expire after ttl; a task older
// than that has either run or been dead-lettered already.
func NewRevoker(rdb *redis.Client, ttl time.Duration) *Revoker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Revoker{rdb: rdb, ttl: ttl}
}

func revokeKey(evalID string) string { return "revoked:" + evalID }

// Revoke marks the evaluation cancelled for claim-time and in-flight checks.
func (r *Revoker) Revoke(ctx domain.Context, evalID string) error {
	if err := r.rdb.Set(ctx, revokeKey(evalID), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("op=revoker.revoke: %w", err)
	}
	return nil
}

// Revoked reports whether the evaluation has been cancelled.
func (r *Revoker) Revoked(ctx domain.Context, evalID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, revokeKey(evalID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=revoker.revoked: %w", err)
	}
	return n > 0, nil
}
