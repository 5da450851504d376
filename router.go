package tokenledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tokenledger/event"
)

// ProviderEvent is one verified notification from the payment provider.
// Payload is the provider's event object.
type ProviderEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Outcome is what happened to an ingested event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeFailed    Outcome = "failed"
	OutcomeAccepted  Outcome = "accepted"
)

// Acknowledge reports whether the provider should be told the event was
// received. Failed and in-flight events are left for redelivery.
func (o Outcome) Acknowledge() bool {
	return o != OutcomeFailed && o != OutcomeInFlight
}

// Kind is the handler an event type is routed to.
type Kind int

const (
	KindUnknown Kind = iota
	KindRenewalPaid
	KindSubscriptionChanged
	KindSubscriptionEnded
	KindPurchaseCompleted
)

func (k Kind) String() string {
	switch k {
	case KindRenewalPaid:
		return "renewal_paid"
	case KindSubscriptionChanged:
		return "subscription_changed"
	case KindSubscriptionEnded:
		return "subscription_ended"
	case KindPurchaseCompleted:
		return "purchase_completed"
	default:
		return "unknown"
	}
}

var eventKinds = map[string]Kind{
	"invoice.paid":                  KindRenewalPaid,
	"invoice.payment_succeeded":     KindRenewalPaid,
	"customer.subscription.created": KindSubscriptionChanged,
	"customer.subscription.updated": KindSubscriptionChanged,
	"customer.subscription.deleted": KindSubscriptionEnded,
	"checkout.session.completed":    KindPurchaseCompleted,
}

// Classify maps a provider event type to a handler kind.
func Classify(eventType string) Kind {
	return eventKinds[eventType]
}

// ──────────────────────────────────────────────────
// Event routing
// ──────────────────────────────────────────────────

// Ingest processes ev synchronously. A processed, ignored, skipped or
// duplicate event returns a nil error. An in-flight event returns
// ErrEventInFlight. A handler failure marks the event failed and returns the
// wrapped handler error so the provider redelivers.
func (e *Engine) Ingest(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	return e.run(ctx, ev)
}

// Accept records ev as processing and hands it to the dispatch workers
// started by Start. It returns OutcomeAccepted once the record is durable.
// When the dispatch buffer is full the record stays processing and
// ErrDispatchBufferFull is returned; the replay worker picks the event up
// after its lease expires.
func (e *Engine) Accept(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	if e.stopped.Load() {
		return OutcomeFailed, ErrEngineStopped
	}

	claim, err := e.BeginProcessing(ctx, ev.ID, ev.Type, ev.Payload, ev.CreatedAt)
	if err != nil {
		return OutcomeFailed, err
	}
	switch claim {
	case ClaimDuplicate:
		e.plugins.EmitEventDuplicate(ctx, ev.ID, ev.Type)
		return OutcomeDuplicate, nil
	case ClaimInFlight:
		return OutcomeInFlight, ErrEventInFlight
	}

	select {
	case e.dispatch <- ev:
		return OutcomeAccepted, nil
	default:
		e.logger.Warn("dispatch buffer full",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"buffer_size", e.dispatchBufferSize,
		)
		return OutcomeFailed, ErrDispatchBufferFull
	}
}

// run claims and processes ev inside a span.
func (e *Engine) run(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	return e.traced(ctx, ev, e.claimAndProcess)
}

// runClaimed processes ev inside a span. The caller already holds the claim,
// as Accept does before handing ev to the dispatch workers.
func (e *Engine) runClaimed(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	return e.traced(ctx, ev, e.process)
}

func (e *Engine) traced(ctx context.Context, ev ProviderEvent, step func(context.Context, ProviderEvent) (Outcome, error)) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "tokenledger.Ingest",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("tokenledger.event.id", ev.ID),
			attribute.String("tokenledger.event.type", ev.Type),
		),
	)
	defer span.End()

	outcome, err := step(ctx, ev)

	span.SetAttributes(attribute.String("tokenledger.event.outcome", string(outcome)))
	if err != nil && outcome == OutcomeFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (e *Engine) claimAndProcess(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	claim, err := e.BeginProcessing(ctx, ev.ID, ev.Type, ev.Payload, ev.CreatedAt)
	if err != nil {
		return OutcomeFailed, err
	}

	switch claim {
	case ClaimDuplicate:
		e.logger.Debug("duplicate event",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)
		e.plugins.EmitEventDuplicate(ctx, ev.ID, ev.Type)
		return OutcomeDuplicate, nil
	case ClaimInFlight:
		e.logger.Info("event in flight elsewhere",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)
		return OutcomeInFlight, ErrEventInFlight
	}

	return e.process(ctx, ev)
}

// process runs the handler for an event the caller has claimed and records
// the result.
func (e *Engine) process(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	start := time.Now()
	e.plugins.EmitEventReceived(ctx, ev.ID, ev.Type)

	res, err := e.handle(ctx, ev)

	switch {
	case IsUnknownReference(err):
		reason := skipReason(err)
		res = handlerResult{outcome: event.OutcomeSkipped, note: reason}
		e.logger.Info("event skipped",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"reason", err.Error(),
		)
		e.plugins.EmitEventSkipped(ctx, ev.ID, ev.Type, reason)

	case err != nil:
		if ferr := e.Fail(ctx, ev.ID, err); ferr != nil {
			e.logger.Error("failed to record event failure",
				"event_id", ev.ID,
				"error", ferr,
			)
		}
		e.logger.Error("event handler failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		e.plugins.EmitEventFailed(ctx, ev.ID, ev.Type, err)
		return OutcomeFailed, fmt.Errorf("tokenledger: handle %s %s: %w", ev.Type, ev.ID, err)
	}

	if err := e.Complete(ctx, ev.ID, res.outcome, res.note); err != nil {
		// Handler effects are committed and idempotent. Leaving the record in
		// processing lets redelivery or replay confirm it later.
		e.logger.Error("failed to complete event",
			"event_id", ev.ID,
			"error", err,
		)
		return OutcomeFailed, err
	}

	elapsed := time.Since(start)
	e.plugins.EmitEventProcessed(ctx, ev.ID, ev.Type, string(res.outcome), elapsed)

	e.logger.Debug("event processed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"outcome", string(res.outcome),
		"elapsed_ms", elapsed.Milliseconds(),
	)

	switch res.outcome {
	case event.OutcomeIgnored:
		return OutcomeIgnored, nil
	case event.OutcomeSkipped:
		return OutcomeSkipped, nil
	default:
		return OutcomeProcessed, nil
	}
}

type handlerResult struct {
	outcome event.Outcome
	note    string
}

var handled = handlerResult{outcome: event.OutcomeHandled}

func (e *Engine) handle(ctx context.Context, ev ProviderEvent) (handlerResult, error) {
	switch Classify(ev.Type) {
	case KindRenewalPaid:
		return e.handleRenewalPaid(ctx, ev)
	case KindSubscriptionChanged:
		return e.handleSubscriptionChanged(ctx, ev)
	case KindSubscriptionEnded:
		return e.handleSubscriptionEnded(ctx, ev)
	case KindPurchaseCompleted:
		return e.handlePurchaseCompleted(ctx, ev)
	default:
		return handlerResult{outcome: event.OutcomeIgnored, note: "unhandled event type"}, nil
	}
}
