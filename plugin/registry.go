package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/subscription"
)

// DefaultHookTimeout bounds a single plugin hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook lists are cached per interface at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onEventReceived        []OnEventReceived
	onEventProcessed       []OnEventProcessed
	onEventFailed          []OnEventFailed
	onEventDuplicate       []OnEventDuplicate
	onEventSkipped         []OnEventSkipped
	onSubscriptionChanged  []OnSubscriptionChanged
	onSubscriptionCanceled []OnSubscriptionCanceled
	onCycleOpened          []OnCycleOpened
	onEntryAppended        []OnEntryAppended
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEventReceived); ok {
		r.onEventReceived = append(r.onEventReceived, v)
	}
	if v, ok := p.(OnEventProcessed); ok {
		r.onEventProcessed = append(r.onEventProcessed, v)
	}
	if v, ok := p.(OnEventFailed); ok {
		r.onEventFailed = append(r.onEventFailed, v)
	}
	if v, ok := p.(OnEventDuplicate); ok {
		r.onEventDuplicate = append(r.onEventDuplicate, v)
	}
	if v, ok := p.(OnEventSkipped); ok {
		r.onEventSkipped = append(r.onEventSkipped, v)
	}
	if v, ok := p.(OnSubscriptionChanged); ok {
		r.onSubscriptionChanged = append(r.onSubscriptionChanged, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnCycleOpened); ok {
		r.onCycleOpened = append(r.onCycleOpened, v)
	}
	if v, ok := p.(OnEntryAppended); ok {
		r.onEntryAppended = append(r.onEntryAppended, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedHooks(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnEventReceived", reflect.TypeOf((*OnEventReceived)(nil)).Elem()},
	{"OnEventProcessed", reflect.TypeOf((*OnEventProcessed)(nil)).Elem()},
	{"OnEventFailed", reflect.TypeOf((*OnEventFailed)(nil)).Elem()},
	{"OnEventDuplicate", reflect.TypeOf((*OnEventDuplicate)(nil)).Elem()},
	{"OnEventSkipped", reflect.TypeOf((*OnEventSkipped)(nil)).Elem()},
	{"OnSubscriptionChanged", reflect.TypeOf((*OnSubscriptionChanged)(nil)).Elem()},
	{"OnSubscriptionCanceled", reflect.TypeOf((*OnSubscriptionCanceled)(nil)).Elem()},
	{"OnCycleOpened", reflect.TypeOf((*OnCycleOpened)(nil)).Elem()},
	{"OnEntryAppended", reflect.TypeOf((*OnEntryAppended)(nil)).Elem()},
}

func implementedHooks(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnInit", p.Name(), func() error {
			return p.OnInit(ctx, engine)
		})
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnShutdown", p.Name(), func() error {
			return p.OnShutdown(ctx)
		})
	}
}

// EmitEventReceived emits an event received notification.
func (r *Registry) EmitEventReceived(ctx context.Context, eventID, eventType string) {
	r.mu.RLock()
	plugins := r.onEventReceived
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnEventReceived", p.Name(), func() error {
			return p.OnEventReceived(ctx, eventID, eventType)
		})
	}
}

// EmitEventProcessed emits an event processed notification.
func (r *Registry) EmitEventProcessed(ctx context.Context, eventID, eventType, outcome string, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onEventProcessed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnEventProcessed", p.Name(), func() error {
			return p.OnEventProcessed(ctx, eventID, eventType, outcome, elapsed)
		})
	}
}

// EmitEventFailed emits an event failed notification.
func (r *Registry) EmitEventFailed(ctx context.Context, eventID, eventType string, err error) {
	r.mu.RLock()
	plugins := r.onEventFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnEventFailed", p.Name(), func() error {
			return p.OnEventFailed(ctx, eventID, eventType, err)
		})
	}
}

// EmitEventDuplicate emits a duplicate delivery notification.
func (r *Registry) EmitEventDuplicate(ctx context.Context, eventID, eventType string) {
	r.mu.RLock()
	plugins := r.onEventDuplicate
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnEventDuplicate", p.Name(), func() error {
			return p.OnEventDuplicate(ctx, eventID, eventType)
		})
	}
}

// EmitEventSkipped emits a skipped event notification.
func (r *Registry) EmitEventSkipped(ctx context.Context, eventID, eventType, reason string) {
	r.mu.RLock()
	plugins := r.onEventSkipped
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnEventSkipped", p.Name(), func() error {
			return p.OnEventSkipped(ctx, eventID, eventType, reason)
		})
	}
}

// EmitSubscriptionChanged emits a subscription changed notification.
func (r *Registry) EmitSubscriptionChanged(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	plugins := r.onSubscriptionChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnSubscriptionChanged", p.Name(), func() error {
			return p.OnSubscriptionChanged(ctx, sub)
		})
	}
}

// EmitSubscriptionCanceled emits a subscription canceled notification.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	plugins := r.onSubscriptionCanceled
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnSubscriptionCanceled", p.Name(), func() error {
			return p.OnSubscriptionCanceled(ctx, sub)
		})
	}
}

// EmitCycleOpened emits a cycle opened notification.
func (r *Registry) EmitCycleOpened(ctx context.Context, c *cycle.BillingCycle) {
	r.mu.RLock()
	plugins := r.onCycleOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnCycleOpened", p.Name(), func() error {
			return p.OnCycleOpened(ctx, c)
		})
	}
}

// EmitEntryAppended emits an entry appended notification.
func (r *Registry) EmitEntryAppended(ctx context.Context, e *entry.Entry) {
	r.mu.RLock()
	plugins := r.onEntryAppended
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, "OnEntryAppended", p.Name(), func() error {
			return p.OnEntryAppended(ctx, e)
		})
	}
}

func (r *Registry) call(ctx context.Context, hook, pluginName string, fn func() error) {
	if err := r.callWithTimeout(ctx, pluginName, fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", pluginName,
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block event processing.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
