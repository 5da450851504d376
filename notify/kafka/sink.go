// Package kafka publishes ledger notifications to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	skafka "github.com/segmentio/kafka-go"

	"github.com/xraph/tokenledger/notify"
)

// Writer is the subset of kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Sink writes each notification as one JSON message keyed by customer.
type Sink struct {
	writer Writer
}

var _ notify.Sink = (*Sink)(nil)

// New creates a Sink writing to topic on the given brokers.
func New(brokers []string, topic string) *Sink {
	w := &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireOne,
	}
	return &Sink{writer: w}
}

// NewWithWriter creates a Sink over an existing writer.
func NewWithWriter(w Writer) *Sink {
	return &Sink{writer: w}
}

// Notify publishes n.
func (s *Sink) Notify(ctx context.Context, n *notify.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify/kafka: marshal: %w", err)
	}

	msg := skafka.Message{
		Key:   []byte(n.CustomerRef),
		Value: b,
		Headers: []skafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify/kafka: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
