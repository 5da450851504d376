// Package rabbitmq publishes ledger notifications to a RabbitMQ queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/tokenledger/notify"
)

// Publisher is the subset of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Sink publishes each notification as a persistent JSON message.
type Sink struct {
	pub   Publisher
	queue string
	conn  *amqp.Connection
	chn   *amqp.Channel
}

var _ notify.Sink = (*Sink)(nil)

// Dial connects to url, declares a durable queue and returns a Sink
// publishing to it.
func Dial(url, queue string) (*Sink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify/rabbitmq: dial: %w", err)
	}

	chn, err := conn.Channel()
	if err != nil {
		_ = conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("notify/rabbitmq: open channel: %w", err)
	}

	if _, err := chn.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		_ = chn.Close()  //nolint:errcheck // already failing
		_ = conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("notify/rabbitmq: declare queue %s: %w", queue, err)
	}

	return &Sink{pub: chn, queue: queue, conn: conn, chn: chn}, nil
}

// NewWithPublisher creates a Sink over an existing publisher.
func NewWithPublisher(p Publisher, queue string) *Sink {
	return &Sink{pub: p, queue: queue}
}

// Notify publishes n to the queue through the default exchange.
func (s *Sink) Notify(ctx context.Context, n *notify.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify/rabbitmq: marshal: %w", err)
	}

	err = s.pub.PublishWithContext(ctx,
		"",      // exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         string(n.Kind),
			Timestamp:    n.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("notify/rabbitmq: publish: %w", err)
	}
	return nil
}

// Close closes the channel and connection opened by Dial.
func (s *Sink) Close() error {
	if s.chn != nil {
		if err := s.chn.Close(); err != nil {
			return err
		}
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
