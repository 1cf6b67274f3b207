// Package redisbus carries lifecycle events over Redis pub/sub. Delivery is
// at-least-once end to end only because producers also persist every event;
// subscribers must tolerate redelivery and gaps across reconnects.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Bus implements domain.EventPublisher and domain.EventSubscriber.
type Bus struct {
	rdb     *redis.Client
	healthy atomic.Bool
}

// New wraps the given client. The bus reports healthy until a subscribe loop
// loses its connection.
func New(rdb *redis.Client) *Bus {
	b := &Bus{rdb: rdb}
	b.healthy.Store(true)
	return b
}

// Publish sends the event on its kind's channel. Publishing is fire-and-forget
// from the caller's perspective; durability comes from the event log, not the bus.
func (b *Bus) Publish(ctx domain.Context, ev domain.EvaluationEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=bus.publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, domain.ChannelFor(ev.Kind), raw).Err(); err != nil {
		return fmt.Errorf("op=bus.publish: %w: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe consumes the named channels until ctx ends, reconnecting with
// exponential backoff on connection loss. Handler errors are logged and the
// message dropped; the event log is the recovery path, not redelivery here.
func (b *Bus) Subscribe(ctx domain.Context, channels []string, handle func(domain.Context, domain.EvaluationEvent) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.consume(ctx, channels, handle)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		b.healthy.Store(false)
		observability.BusReconnectsTotal.Inc()
		wait := bo.NextBackOff()
		slog.Warn("event bus connection lost, reconnecting",
			slog.Any("error", err), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *Bus) consume(ctx context.Context, channels []string, handle func(domain.Context, domain.EvaluationEvent) error) error {
	sub := b.rdb.Subscribe(ctx, channels...)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation before declaring health.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("op=bus.subscribe: %w", err)
	}
	b.healthy.Store(true)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("op=bus.subscribe: channel closed")
			}
			var ev domain.EvaluationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed bus message",
					slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			if err := handle(ctx, ev); err != nil {
				slog.Error("event handler failed",
					slog.String("event_id", ev.EventID),
					slog.String("eval_id", ev.EvalID),
					slog.String("kind", string(ev.Kind)),
					slog.Any("error", err))
			}
		}
	}
}

// Healthy reports whether the subscriber currently holds a live connection.
// Readiness probes report degraded (not down) while this is false.
func (b *Bus) Healthy() bool { return b.healthy.Load() }
