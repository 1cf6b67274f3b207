package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// One topic per priority class plus the dead-letter topic. Brokers have no
// native priorities; the consumer drains high before normal before low with a
// fairness step so low never starves.
const (
	TopicHigh   = "evaluations.high"
	TopicNormal = "evaluations.normal"
	TopicLow    = "evaluations.low"
	TopicDLQ    = "evaluations.dlq"
)

// AllTopics lists the priority topics in drain order.
func AllTopics() []string { return []string{TopicHigh, TopicNormal, TopicLow} }

// createTopicIfNotExists creates a topic via the Kafka admin API, tolerating
// TOPIC_ALREADY_EXISTS so every process can call it at startup.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// error code 36 = TOPIC_ALREADY_EXISTS
			if topicResp.ErrorCode == 36 {
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}

// ensureTopics creates all platform topics.
func ensureTopics(ctx context.Context, client *kgo.Client) error {
	for _, t := range append(AllTopics(), TopicDLQ) {
		if err := createTopicIfNotExists(ctx, client, t, 8, 1); err != nil {
			return fmt.Errorf("ensure topic %s: %w", t, err)
		}
	}
	return nil
}
