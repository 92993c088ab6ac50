package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"roomops/internal/domain"
)

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes entries as JSON, keyed by correlation id so every entry
// of one cycle lands on the same partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

func (k *KafkaSink) Write(ctx context.Context, entry domain.AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(entry.CorrelationID),
		Value: value,
		Time:  entry.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(entry.Action)},
			{Key: "type", Value: []byte(entry.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka produce to %s: %w", k.topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
