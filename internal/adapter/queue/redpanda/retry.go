package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// RetryManager re-enqueues retryable failures with capped exponential backoff
// and moves exhausted tasks to the dead-letter topic. Every decision is
// announced on the event bus so the projector keeps the record honest.
type RetryManager struct {
	producer *Producer
	bus      domain.EventPublisher

	maxAttempts int
	base        time.Duration
	cap         time.Duration
}

// NewRetryManager creates a retry manager. Attempts are counted from 1; a task
// whose attempt reaches maxAttempts goes to the DLQ instead of being retried.
func NewRetryManager(producer *Producer, bus domain.EventPublisher, maxAttempts int, base, cap time.Duration) *RetryManager {
	if maxAttempts <= 0 {
		maxAttempts = domain.RetryMaxAttempts
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	return &RetryManager{producer: producer, bus: bus, maxAttempts: maxAttempts, base: base, cap: cap}
}

// Backoff returns the delay before the given attempt (1-based): base doubling
// per attempt, capped, with ±20% jitter to decorrelate retry storms.
func (rm *RetryManager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := rm.base << (attempt - 1)
	if d > rm.cap || d <= 0 {
		d = rm.cap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// HandleFailure decides between retry and DLQ for one failed delivery.
func (rm *RetryManager) HandleFailure(ctx context.Context, payload domain.EvaluationTaskPayload, cause error) error {
	attempt := payload.Attempt
	if attempt < 1 {
		attempt = 1
	}

	if attempt >= rm.maxAttempts {
		return rm.moveToDLQ(ctx, payload, cause)
	}

	next := payload
	next.Attempt = attempt + 1
	delay := rm.Backoff(next.Attempt)
	next.NotBefore = time.Now().UTC().Add(delay)

	if err := rm.producer.Enqueue(ctx, next); err != nil {
		slog.Error("failed to re-enqueue task, escalating to DLQ",
			slog.String("eval_id", payload.EvalID), slog.Any("error", err))
		return rm.moveToDLQ(ctx, payload, cause)
	}

	observability.RetriesTotal.WithLabelValues(strconv.Itoa(next.Attempt)).Inc()
	rm.announce(ctx, payload.EvalID, domain.EventRetryScheduled, map[string]string{
		"attempt": strconv.Itoa(next.Attempt),
		"delay":   delay.String(),
		"cause":   string(domain.KindOf(cause)),
	})

	slog.Info("task scheduled for retry",
		slog.String("eval_id", payload.EvalID),
		slog.Int("attempt", next.Attempt),
		slog.Duration("delay", delay))
	return nil
}

func (rm *RetryManager) moveToDLQ(ctx context.Context, payload domain.EvaluationTaskPayload, cause error) error {
	entry := domain.DLQEntry{
		EvalID:  payload.EvalID,
		Payload: payload,
		Attempts: []domain.AttemptRecord{
			{Attempt: payload.Attempt, At: time.Now().UTC(), Error: cause.Error()},
		},
		FinalError:   domain.KindOf(cause),
		MovedToDLQAt: time.Now().UTC(),
	}
	if err := rm.producer.EnqueueDLQ(ctx, entry); err != nil {
		return fmt.Errorf("op=retry.move_to_dlq: %w", err)
	}

	observability.DLQTotal.Inc()
	rm.announce(ctx, payload.EvalID, domain.EventDLQ, map[string]string{
		"final_error": string(entry.FinalError),
		"attempts":    strconv.Itoa(payload.Attempt),
	})

	slog.Warn("task moved to DLQ",
		slog.String("eval_id", payload.EvalID),
		slog.Int("attempts", payload.Attempt),
		slog.String("final_error", string(entry.FinalError)))
	return nil
}

func (rm *RetryManager) announce(ctx context.Context, evalID string, kind domain.EventKind, payload map[string]string) {
	if rm.bus == nil {
		return
	}
	ev := domain.EvaluationEvent{
		EventID:  uuid.NewString(),
		EvalID:   evalID,
		Kind:     kind,
		At:       time.Now().UTC(),
		Producer: "task-worker",
		Payload:  payload,
	}
	if err := rm.bus.Publish(ctx, ev); err != nil {
		slog.Error("failed to publish retry event",
			slog.String("eval_id", evalID), slog.String("kind", string(kind)), slog.Any("error", err))
	}
}
