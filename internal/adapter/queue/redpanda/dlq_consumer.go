package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// DLQConsumer drains the dead-letter topic. Entries are logged for operators;
// Requeue puts an entry back on its original priority topic with a reset
// attempt counter after manual inspection.
type DLQConsumer struct {
	client   *kgo.Client
	producer *Producer
}

// NewDLQConsumer constructs a consumer group member over the DLQ topic.
func NewDLQConsumer(brokers []string, groupID string, producer *Producer) (*DLQConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicDLQ),
		kgo.DialTimeout(10*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("dlq consumer client: %w", err)
	}
	return &DLQConsumer{client: client, producer: producer}, nil
}

// Start consumes DLQ entries until ctx ends.
func (d *DLQConsumer) Start(ctx context.Context) error {
	slog.Info("starting DLQ consumer", slog.String("topic", TopicDLQ))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := d.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachRecord(func(record *kgo.Record) {
			var entry domain.DLQEntry
			if err := json.Unmarshal(record.Value, &entry); err != nil {
				slog.Error("malformed DLQ entry", slog.Any("error", err))
				d.client.MarkCommitRecords(record)
				return
			}
			slog.Warn("dead-lettered evaluation",
				slog.String("eval_id", entry.EvalID),
				slog.String("final_error", string(entry.FinalError)),
				slog.Int("attempts", len(entry.Attempts)),
				slog.Time("moved_at", entry.MovedToDLQAt))
			d.client.MarkCommitRecords(record)
		})
	}
}

// Requeue puts a DLQ entry back on its priority topic for a fresh run.
func (d *DLQConsumer) Requeue(ctx context.Context, entry domain.DLQEntry) error {
	payload := entry.Payload
	payload.Attempt = 1
	payload.NotBefore = time.Time{}
	if err := d.producer.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("op=dlq.requeue: %w", err)
	}
	slog.Info("DLQ entry requeued", slog.String("eval_id", entry.EvalID))
	return nil
}

// Close releases the underlying client.
func (d *DLQConsumer) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
