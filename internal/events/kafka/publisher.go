// Package kafka publishes events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config controls the Kafka writer.
type Config struct {
	Brokers      []string
	BatchTimeout time.Duration
}

// Publisher writes JSON payloads to Kafka.
type Publisher struct {
	writer Writer
}

// NewWriter builds a writer for the brokers. Topics are set per message.
func NewWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events.brokers is required")
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
		BatchTimeout:           batch,
		RequiredAcks:           kafka.RequireOne,
	}, nil
}

// New wraps a writer.
func New(writer Writer) *Publisher {
	return &Publisher{writer: writer}
}

// Publish writes one message. Payloads with a Key method are keyed so a job's events
// stay on one partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.writer == nil {
		return "", errors.New("kafka writer is not configured")
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: data}
	var key string
	if k, ok := payload.(interface{ Key() string }); ok {
		key = k.Key()
		if key != "" {
			msg.Key = []byte(key)
		}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return fmt.Sprintf("%s/%s", topic, key), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
