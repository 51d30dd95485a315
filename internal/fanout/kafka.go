package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events keyed by payment request so a consumer sees
// each request's events in order.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	log    *zap.Logger
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewKafkaSink(writer MessageWriter, topic string, log *zap.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic, log: log.Named("fanout.kafka")}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, ev StatusChanged) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "subject", Value: []byte(ev.Subject)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", s.topic, err)
	}
	s.log.Debug("status event published",
		zap.String("topic", s.topic),
		zap.String("event_id", ev.EventID),
		zap.String("status", ev.Status),
	)
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
