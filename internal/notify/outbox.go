package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Outbox takes messages whose delivery failed so they can be retried out of band.
type Outbox interface {
	Publish(ctx context.Context, msg Message, cause error) error
	Close()
}

type outboxRecord struct {
	Message
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// KafkaOutbox publishes failed notifications to a Kafka topic.
type KafkaOutbox struct {
	producer *kafka.Producer
	topic    string
	logger   *slog.Logger
}

// NewKafkaOutbox connects a producer to the given bootstrap servers.
func NewKafkaOutbox(bootstrapServers, topic string, logger *slog.Logger) (*KafkaOutbox, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaOutbox{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "outbox"),
	}, nil
}

// Publish writes the message keyed by recipient and waits for the broker ack.
func (o *KafkaOutbox) Publish(ctx context.Context, msg Message, cause error) error {
	record := outboxRecord{Message: msg, FailedAt: time.Now().UTC()}
	if cause != nil {
		record.Error = cause.Error()
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal outbox record: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = o.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &o.topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.To),
		Value:          value,
		Headers:        []kafka.Header{{Key: "template", Value: []byte(msg.Template)}},
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce outbox record: %w", err)
	}

	select {
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("outbox delivery: %w", m.TopicPartition.Error)
		}
		o.logger.Info("notification queued for retry", "template", msg.Template, "offset", m.TopicPartition.Offset.String())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending records and shuts the producer down.
func (o *KafkaOutbox) Close() {
	if left := o.producer.Flush(5000); left > 0 {
		o.logger.Warn("outbox closed with undelivered records", "count", left)
	}
	o.producer.Close()
}
