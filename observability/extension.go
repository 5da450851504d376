// Package observability provides a metrics extension for the token ledger
// that records event, subscription and ledger counts via a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/plugin"
	"github.com/xraph/tokenledger/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnEventReceived        = (*MetricsExtension)(nil)
	_ plugin.OnEventProcessed       = (*MetricsExtension)(nil)
	_ plugin.OnEventFailed          = (*MetricsExtension)(nil)
	_ plugin.OnEventDuplicate       = (*MetricsExtension)(nil)
	_ plugin.OnEventSkipped         = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnCycleOpened          = (*MetricsExtension)(nil)
	_ plugin.OnEntryAppended        = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an engine plugin to track webhook and ledger activity.
type MetricsExtension struct {
	factory MetricFactory

	// Event metrics
	EventsReceived  Counter
	EventsProcessed Counter
	EventsIgnored   Counter
	EventsSkipped   Counter
	EventsDuplicate Counter
	EventsFailed    Counter
	EventLatency    Histogram

	// Subscription metrics
	SubscriptionChanged  Counter
	SubscriptionCanceled Counter

	// Ledger metrics
	CyclesOpened        Counter
	EntriesAppended     Counter
	TokensCredited      Counter
	TokensDebited       Counter
	SubscriptionCredits Counter
	TopUpCredits        Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		EventsReceived:  factory.Counter("tokenledger.events.received"),
		EventsProcessed: factory.Counter("tokenledger.events.processed"),
		EventsIgnored:   factory.Counter("tokenledger.events.ignored"),
		EventsSkipped:   factory.Counter("tokenledger.events.skipped"),
		EventsDuplicate: factory.Counter("tokenledger.events.duplicate"),
		EventsFailed:    factory.Counter("tokenledger.events.failed"),
		EventLatency:    factory.Histogram("tokenledger.events.latency_ms"),

		SubscriptionChanged:  factory.Counter("tokenledger.subscription.changed"),
		SubscriptionCanceled: factory.Counter("tokenledger.subscription.canceled"),

		CyclesOpened:        factory.Counter("tokenledger.cycle.opened"),
		EntriesAppended:     factory.Counter("tokenledger.entry.appended"),
		TokensCredited:      factory.Counter("tokenledger.tokens.credited"),
		TokensDebited:       factory.Counter("tokenledger.tokens.debited"),
		SubscriptionCredits: factory.Counter("tokenledger.entry.subscription_credits"),
		TopUpCredits:        factory.Counter("tokenledger.entry.topup_credits"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Event hooks
// ──────────────────────────────────────────────────

// OnEventReceived implements plugin.OnEventReceived.
func (m *MetricsExtension) OnEventReceived(_ context.Context, _, _ string) error {
	m.EventsReceived.Inc()
	return nil
}

// OnEventProcessed implements plugin.OnEventProcessed.
func (m *MetricsExtension) OnEventProcessed(_ context.Context, _, _, outcome string, elapsed time.Duration) error {
	switch outcome {
	case "ignored":
		m.EventsIgnored.Inc()
	case "skipped":
		// Counted by OnEventSkipped.
	default:
		m.EventsProcessed.Inc()
	}
	m.EventLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnEventFailed implements plugin.OnEventFailed.
func (m *MetricsExtension) OnEventFailed(_ context.Context, _, _ string, _ error) error {
	m.EventsFailed.Inc()
	return nil
}

// OnEventDuplicate implements plugin.OnEventDuplicate.
func (m *MetricsExtension) OnEventDuplicate(_ context.Context, _, _ string) error {
	m.EventsDuplicate.Inc()
	return nil
}

// OnEventSkipped implements plugin.OnEventSkipped.
func (m *MetricsExtension) OnEventSkipped(_ context.Context, _, _, _ string) error {
	m.EventsSkipped.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionChanged.Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCycleOpened implements plugin.OnCycleOpened.
func (m *MetricsExtension) OnCycleOpened(_ context.Context, _ *cycle.BillingCycle) error {
	m.CyclesOpened.Inc()
	return nil
}

// OnEntryAppended implements plugin.OnEntryAppended.
func (m *MetricsExtension) OnEntryAppended(_ context.Context, e *entry.Entry) error {
	m.EntriesAppended.Inc()
	if e.Amount < 0 {
		m.TokensDebited.Add(float64(-e.Amount))
		return nil
	}
	m.TokensCredited.Add(float64(e.Amount))
	switch e.Type {
	case entry.TypeCreditSubscription:
		m.SubscriptionCredits.Inc()
	case entry.TypeCreditTopUp:
		m.TopUpCredits.Inc()
	}
	return nil
}
