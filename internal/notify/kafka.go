package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a Kafka topic for downstream consumers. The
// notification topic becomes the message key so one campaign stays on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher wraps a writer bound to the event topic.
func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	record := kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka notifier: write message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
