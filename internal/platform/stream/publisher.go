// Package stream fans appended ledger entries out to a message broker so
// downstream consumers (SIEM pipelines, alerting) can follow the audit trail
// without polling. Delivery is advisory: the ledger row is the source of
// truth and a missed publish never fails the write that produced it.
package stream

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// KafkaPublisher writes messages to a single Kafka topic. Messages are keyed
// so all entries for one tenant land on one partition and stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
		}),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("stream: publish to %s: %w", p.writer.Stats().Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
