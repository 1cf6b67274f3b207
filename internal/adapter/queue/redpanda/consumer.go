package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Handler processes one claimed task. A nil return acknowledges the record; a
// retryable error routes the task through the retry manager.
type Handler func(ctx context.Context, payload domain.EvaluationTaskPayload) error

// Consumer drains the three priority topics with strict preference for higher
// classes, softened by a fairness step so low-priority work keeps moving under
// sustained high-priority load.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	revoker domain.TaskRevoker
	retries *RetryManager

	groupID     string
	concurrency int
	picker      *fairPicker

	queues map[domain.Priority]chan *kgo.Record

	shutdown  chan struct{}
	closeOnce sync.Once
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Brokers      []string
	GroupID      string
	Concurrency  int
	FairnessStep int
}

// NewConsumer constructs a consumer group member over all priority topics.
func NewConsumer(opts ConsumerOptions, handler Handler, revoker domain.TaskRevoker, retries *RetryManager) (*Consumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if opts.GroupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.FairnessStep <= 0 {
		opts.FairnessStep = 8
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ConsumerGroup(opts.GroupID),
		kgo.ConsumeTopics(AllTopics()...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	if err := ensureTopics(context.Background(), client); err != nil {
		slog.Warn("failed to ensure topics, they may already exist", slog.Any("error", err))
	}

	queues := map[domain.Priority]chan *kgo.Record{
		domain.PriorityHigh:   make(chan *kgo.Record, opts.Concurrency*2),
		domain.PriorityNormal: make(chan *kgo.Record, opts.Concurrency*2),
		domain.PriorityLow:    make(chan *kgo.Record, opts.Concurrency*2),
	}
	return &Consumer{
		client:      client,
		handler:     handler,
		revoker:     revoker,
		retries:     retries,
		groupID:     opts.GroupID,
		concurrency: opts.Concurrency,
		picker:      &fairPicker{step: opts.FairnessStep},
		queues:      queues,
		shutdown:    make(chan struct{}),
	}, nil
}

// Start runs the fetch and dispatch loops until ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting task consumer",
		slog.String("group_id", c.groupID),
		slog.Int("concurrency", c.concurrency))

	go c.fetchLoop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.dispatchLoop(ctx, id)
		}(i)
	}

	<-ctx.Done()
	c.closeOnce.Do(func() { close(c.shutdown) })
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			slog.Error("fetch error",
				slog.String("topic", err.Topic),
				slog.Int("partition", int(err.Partition)),
				slog.Any("error", err.Err))
		}
		fetches.EachRecord(func(record *kgo.Record) {
			pr := priorityOfTopic(record.Topic)
			select {
			case c.queues[pr] <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) dispatchLoop(ctx context.Context, workerID int) {
	for {
		record := c.nextRecord(ctx)
		if record == nil {
			return
		}
		if err := c.processRecord(ctx, record); err != nil {
			slog.Error("task processing failed",
				slog.Int("worker_id", workerID),
				slog.String("topic", record.Topic),
				slog.Int64("offset", record.Offset),
				slog.Any("error", err))
		}
		c.client.MarkCommitRecords(record)
	}
}

// nextRecord blocks until a record is available, honoring the fairness picker
// across the priority queues. Returns nil on shutdown.
func (c *Consumer) nextRecord(ctx context.Context) *kgo.Record {
	for {
		avail := func(p domain.Priority) bool { return len(c.queues[p]) > 0 }
		if pr, ok := c.picker.pick(avail); ok {
			select {
			case record := <-c.queues[pr]:
				return record
			default:
				continue
			}
		}
		// all queues empty: block on any
		select {
		case <-ctx.Done():
			return nil
		case <-c.shutdown:
			return nil
		case record := <-c.queues[domain.PriorityHigh]:
			return record
		case record := <-c.queues[domain.PriorityNormal]:
			return record
		case record := <-c.queues[domain.PriorityLow]:
			return record
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessEvaluationTask")
	defer span.End()

	var payload domain.EvaluationTaskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		// malformed payloads cannot be retried; drop with a log line
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	lg := slog.With(
		slog.String("eval_id", payload.EvalID),
		slog.Int("attempt", payload.Attempt),
		slog.String("topic", record.Topic))

	// revoked before claim: skip without running anything
	if c.revoker != nil {
		revoked, err := c.revoker.Revoked(ctx, payload.EvalID)
		if err != nil {
			lg.Warn("revocation check failed, proceeding", slog.Any("error", err))
		} else if revoked {
			lg.Info("task revoked before claim, skipping")
			return nil
		}
	}

	// retries carry an earliest-start time
	if wait := time.Until(payload.NotBefore); wait > 0 {
		lg.Info("task not yet due, waiting", slog.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.handler(ctx, payload); err != nil {
		if c.retries != nil && domain.Retryable(err) {
			return c.retries.HandleFailure(ctx, payload, err)
		}
		return err
	}
	return nil
}

// Close releases the underlying client.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func priorityOfTopic(topic string) domain.Priority {
	switch topic {
	case TopicHigh:
		return domain.PriorityHigh
	case TopicLow:
		return domain.PriorityLow
	default:
		return domain.PriorityNormal
	}
}

// fairPicker drains the highest non-empty class, but after step consecutive
// picks from the same top class it yields one pick to the next lower non-empty
// class so sustained high-priority load cannot starve the rest. One picker is
// shared by all dispatch goroutines, so the burst counter is mutex-guarded.
type fairPicker struct {
	step int

	mu    sync.Mutex
	burst int
}

func (p *fairPicker) pick(avail func(domain.Priority) bool) (domain.Priority, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order := []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}
	topIdx := -1
	for i, pr := range order {
		if avail(pr) {
			topIdx = i
			break
		}
	}
	if topIdx == -1 {
		return "", false
	}
	if p.step > 0 && p.burst >= p.step {
		for i := topIdx + 1; i < len(order); i++ {
			if avail(order[i]) {
				p.burst = 0
				return order[i], true
			}
		}
	}
	p.burst++
	return order[topIdx], true
}
