package tokenledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tokenledger/notify"
	"github.com/xraph/tokenledger/plugin"
	"github.com/xraph/tokenledger/store"
	"github.com/xraph/tokenledger/tier"
)

// Defaults applied by New.
const (
	DefaultLeaseTimeout       = 2 * time.Minute
	DefaultMaxAttempts        = 8
	DefaultDispatchWorkers    = 4
	DefaultDispatchBufferSize = 1024
	DefaultReplayInterval     = time.Minute
	DefaultReplayMaxRetries   = 10
	DefaultReplayBatchSize    = 100
	DefaultTopUpTokens        = 8

	// MaxTopUpTokens bounds the quantity a purchase may declare in its
	// metadata. Larger declarations fall back to the price table.
	MaxTopUpTokens = 1_000_000
)

// DefaultTopUpPrices maps token pack price IDs to token quantities.
func DefaultTopUpPrices() map[string]int64 {
	return map[string]int64{
		"price_token_pack_8":  8,
		"price_token_pack_16": 16,
		"price_token_pack_32": 32,
	}
}

// Notifier accepts purchase notifications without blocking.
type Notifier interface {
	Dispatch(n *notify.Notification) bool
}

// Engine turns provider billing events into subscription state, billing
// cycles and ledger entries.
type Engine struct {
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	catalog  *tier.Catalog
	notifier Notifier
	tracer   trace.Tracer
	validate *validator.Validate
	now      func() time.Time

	// Background workers
	dispatch chan ProviderEvent
	stopChan chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	wg       sync.WaitGroup

	// Configuration
	leaseTimeout       time.Duration
	maxAttempts        int
	dispatchWorkers    int
	dispatchBufferSize int
	replayInterval     time.Duration
	replayMaxRetries   int
	replayBatchSize    int
	topUpPrices        map[string]int64
	defaultTopUpTokens int64
	skipMigrate        bool
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		catalog:            tier.DefaultCatalog(),
		tracer:             otel.Tracer("github.com/xraph/tokenledger"),
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		now:                func() time.Time { return time.Now().UTC() },
		stopChan:           make(chan struct{}),
		leaseTimeout:       DefaultLeaseTimeout,
		maxAttempts:        DefaultMaxAttempts,
		dispatchWorkers:    DefaultDispatchWorkers,
		dispatchBufferSize: DefaultDispatchBufferSize,
		replayInterval:     DefaultReplayInterval,
		replayMaxRetries:   DefaultReplayMaxRetries,
		replayBatchSize:    DefaultReplayBatchSize,
		topUpPrices:        DefaultTopUpPrices(),
		defaultTopUpTokens: DefaultTopUpTokens,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.dispatch = make(chan ProviderEvent, e.dispatchBufferSize)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCatalog replaces the default tier catalog.
func WithCatalog(c *tier.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

// WithNotifier sets where top-up notifications are sent.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithTracer sets the tracer used for event spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLeaseTimeout sets how long a processing claim is honored before another
// delivery may take the event over.
func WithLeaseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTimeout = d
		}
	}
}

// WithMaxAttempts bounds the retries on cycle number and ledger sequence
// contention.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithDispatchConfig configures the asynchronous dispatch workers used by Accept.
func WithDispatchConfig(workers, bufferSize int) Option {
	return func(e *Engine) {
		if workers > 0 {
			e.dispatchWorkers = workers
		}
		if bufferSize > 0 {
			e.dispatchBufferSize = bufferSize
		}
	}
}

// WithReplayConfig configures the replay worker. An interval of zero disables it.
func WithReplayConfig(interval time.Duration, maxRetries, batchSize int) Option {
	return func(e *Engine) {
		e.replayInterval = interval
		if maxRetries > 0 {
			e.replayMaxRetries = maxRetries
		}
		if batchSize > 0 {
			e.replayBatchSize = batchSize
		}
	}
}

// WithTopUpPrices replaces the price ID to token quantity table.
func WithTopUpPrices(prices map[string]int64) Option {
	return func(e *Engine) {
		e.topUpPrices = make(map[string]int64, len(prices))
		for k, v := range prices {
			e.topUpPrices[k] = v
		}
	}
}

// WithDefaultTopUpTokens sets the quantity credited when a purchase names no
// known quantity.
func WithDefaultTopUpTokens(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultTopUpTokens = n
		}
	}
}

// WithSkipMigrate makes Start leave the schema alone. Workers still start.
func WithSkipMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// Catalog returns the engine's tier catalog.
func (e *Engine) Catalog() *tier.Catalog { return e.catalog }

// Plugins returns the engine's plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	workerCtx := context.WithoutCancel(ctx)

	for i := 0; i < e.dispatchWorkers; i++ {
		e.wg.Add(1)
		go e.dispatchWorker(workerCtx)
	}

	if e.replayInterval > 0 {
		e.wg.Add(1)
		go e.replayWorker(workerCtx)
	}

	e.logger.Info("tokenledger started",
		"dispatch_workers", e.dispatchWorkers,
		"dispatch_buffer", e.dispatchBufferSize,
		"lease_timeout", e.leaseTimeout,
		"replay_interval", e.replayInterval,
	)

	return nil
}

// Stop shuts down background workers and closes the store. Events still
// buffered for dispatch stay in processing and are picked up by the replay
// worker of the next run once their lease expires.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopChan)
	})
	e.wg.Wait()

	if n := len(e.dispatch); n > 0 {
		e.logger.Warn("stopping with undispatched events", "count", n)
	}

	e.plugins.EmitShutdown(context.Background())

	return e.store.Close()
}

// dispatchWorker runs events enqueued by Accept.
func (e *Engine) dispatchWorker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case ev := <-e.dispatch:
			if _, err := e.runClaimed(ctx, ev); err != nil {
				e.logger.Debug("async dispatch failed",
					"event_id", ev.ID,
					"error", err,
				)
			}
		}
	}
}
