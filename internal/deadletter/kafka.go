package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Kafka header names on dead-letter messages.
const (
	HeaderOriginalStream = "original-stream"
	HeaderEntryID        = "entry-id"
	HeaderFailureReason  = "failure-reason"
	HeaderRetryCount     = "retry-count"
	HeaderProcessedAt    = "processed-at"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Acks: -1 for all, 1 for leader. Zero selects all.
	Acks int
}

// KafkaSink publishes dead-lettered entries to a Kafka topic, keyed by
// business key.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	acks := cfg.Acks
	if acks == 0 {
		acks = int(kafka.RequireAll)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(acks),
		MaxAttempts:            5,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return newKafkaSinkWithWriter(writer, cfg.Topic), nil
}

func newKafkaSinkWithWriter(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Send(ctx context.Context, rec Record) error {
	value, err := rec.payload()
	if err != nil {
		return err
	}

	key := rec.BusinessKey
	if key == "" {
		key = rec.EntryID
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderOriginalStream, Value: []byte(rec.Stream)},
			{Key: HeaderEntryID, Value: []byte(rec.EntryID)},
			{Key: HeaderFailureReason, Value: []byte(rec.Reason)},
			{Key: HeaderRetryCount, Value: []byte(strconv.FormatInt(rec.DeliveryCount, 10))},
			{Key: HeaderProcessedAt, Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("dead-letter to kafka topic %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
