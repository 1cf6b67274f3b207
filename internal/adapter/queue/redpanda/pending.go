package redpanda

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Pending implements domain.PendingMarker on Redis. The marker closes the
// submit-then-poll race: a read that misses storage but finds the marker
// answers "pending" instead of "unknown".
type Pending struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPending wraps the given client with the marker TTL.
func NewPending(rdb *redis.Client, ttl time.Duration) *Pending {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Pending{rdb: rdb, ttl: ttl}
}

func pendingKey(evalID string) string { return "pending:" + evalID }

// Mark records that the evaluation was accepted but may not be readable yet.
func (p *Pending) Mark(ctx domain.Context, evalID string) error {
	if err := p.rdb.Set(ctx, pendingKey(evalID), "1", p.ttl).Err(); err != nil {
		return fmt.Errorf("op=pending.mark: %w", err)
	}
	return nil
}

// Pending reports whether the accepted-but-unreadable marker is present.
func (p *Pending) Pending(ctx domain.Context, evalID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, pendingKey(evalID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=pending.pending: %w", err)
	}
	return n > 0, nil
}
