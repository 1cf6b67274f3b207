// Package redpanda provides the Redpanda/Kafka task queue: one topic per
// priority class, a retry flow with capped exponential backoff, and a
// dead-letter topic for exhausted tasks.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Producer wraps a transactional Kafka producer and implements domain.TaskQueue.
type Producer struct {
	client *kgo.Client
	// serializes transactions; franz-go allows one open transaction per client
	transactionChan chan struct{}
}

// NewProducer constructs a transactional producer and ensures all topics exist.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating task queue producer",
		slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(2_000_000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := ensureTopics(context.Background(), client); err != nil {
		slog.Warn("failed to ensure topics, they may already exist", slog.Any("error", err))
	}

	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// TopicFor maps a priority class to its topic.
func TopicFor(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return TopicHigh
	case domain.PriorityLow:
		return TopicLow
	default:
		return TopicNormal
	}
}

// Enqueue publishes the task to its priority topic, keyed by eval_id so
// redeliveries of one evaluation stay ordered within a partition.
func (p *Producer) Enqueue(ctx domain.Context, payload domain.EvaluationTaskPayload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicFor(payload.Priority),
		Key:   []byte(payload.EvalID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "eval_id", Value: []byte(payload.EvalID)},
			{Key: "attempt", Value: []byte(strconv.Itoa(payload.Attempt))},
		},
	}
	if err := p.produce(ctx, record); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w: %w", domain.ErrBrokerUnavailable, err)
	}
	observability.SubmissionsTotal.WithLabelValues(string(payload.Language), string(payload.Priority)).Inc()
	slog.Info("task enqueued",
		slog.String("eval_id", payload.EvalID),
		slog.String("topic", record.Topic),
		slog.Int("attempt", payload.Attempt))
	return nil
}

// EnqueueDLQ publishes an exhausted task to the dead-letter topic.
func (p *Producer) EnqueueDLQ(ctx domain.Context, entry domain.DLQEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue_dlq: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicDLQ,
		Key:   []byte(entry.EvalID),
		Value: b,
	}
	if err := p.produce(ctx, record); err != nil {
		return fmt.Errorf("op=queue.enqueue_dlq: %w: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// produce runs one record through a transaction for exactly-once publishing.
func (p *Producer) produce(ctx context.Context, record *kgo.Record) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping verifies broker connectivity. Used by readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
