// Package notify delivers best-effort side-channel notifications about billing
// events, such as a token pack purchase, to sinks like a log, a Kafka topic or
// a RabbitMQ queue.
//
// Delivery is fire-and-forget and attempted at most once. A failed or dropped
// notification is logged and never reported back to the ledger.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindTopUpPurchased Kind = "topup.purchased"
)

// Notification describes one billing occurrence for external consumers.
// Amount is in the currency's minor unit.
type Notification struct {
	Kind               Kind              `json:"kind"`
	CustomerRef        string            `json:"customer_ref"`
	CustomerEmail      string            `json:"customer_email,omitempty"`
	ProductDescription string            `json:"product_description"`
	ProductID          string            `json:"product_id,omitempty"`
	PriceID            string            `json:"price_id,omitempty"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency,omitempty"`
	Tokens             int64             `json:"tokens"`
	ReferenceIDs       map[string]string `json:"reference_ids,omitempty"`
	OccurredAt         time.Time         `json:"occurred_at"`
}

// FallbackDescription is the product description used when no name is known.
func FallbackDescription(tokens int64) string {
	return fmt.Sprintf("Token pack (%d tokens)", tokens)
}

// Sink delivers a notification to one destination.
type Sink interface {
	Notify(ctx context.Context, n *Notification) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, n *Notification) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, n *Notification) error { return f(ctx, n) }

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Notify logs n at info level.
func (s LogSink) Notify(ctx context.Context, n *Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"kind", string(n.Kind),
		"customer_ref", n.CustomerRef,
		"product", n.ProductDescription,
		"amount", n.Amount,
		"currency", n.Currency,
		"tokens", n.Tokens,
	)
	return nil
}

// MultiSink fans a notification out to every sink and joins their errors.
type MultiSink []Sink

// Notify delivers n to every sink, even after a failure.
func (m MultiSink) Notify(ctx context.Context, n *Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
