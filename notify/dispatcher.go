package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Dispatcher defaults.
const (
	DefaultQueueSize      = 256
	DefaultWorkers        = 2
	DefaultSendTimeout    = 5 * time.Second
	DefaultResolveTimeout = 1500 * time.Millisecond
)

// ProductResolver looks up a human-readable product name.
type ProductResolver interface {
	ProductName(ctx context.Context, productID string) (string, error)
}

// Dispatcher queues notifications and delivers them from background workers.
// A full queue drops the notification.
type Dispatcher struct {
	sink     Sink
	resolver ProductResolver
	logger   *slog.Logger

	queueSize      int
	workers        int
	sendTimeout    time.Duration
	resolveTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan *Notification
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithResolver enables product name enrichment.
func WithResolver(r ProductResolver) DispatcherOption {
	return func(d *Dispatcher) {
		d.resolver = r
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithTimeouts sets the per-send and product lookup timeouts.
func WithTimeouts(send, resolve time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if send > 0 {
			d.sendTimeout = send
		}
		if resolve > 0 {
			d.resolveTimeout = resolve
		}
	}
}

// NewDispatcher creates a Dispatcher and starts its workers.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:           sink,
		logger:         slog.Default(),
		queueSize:      DefaultQueueSize,
		workers:        DefaultWorkers,
		sendTimeout:    DefaultSendTimeout,
		resolveTimeout: DefaultResolveTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.queue = make(chan *Notification, d.queueSize)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues n without blocking. It reports false when n was dropped
// because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Dispatch(n *Notification) bool {
	if n == nil {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("notification dropped: dispatcher closed",
			"kind", string(n.Kind),
			"customer_ref", n.CustomerRef,
		)
		return false
	}

	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Warn("notification dropped: queue full",
			"kind", string(n.Kind),
			"customer_ref", n.CustomerRef,
			"queue_size", d.queueSize,
		)
		return false
	}
}

// Close stops accepting notifications and waits for queued ones to be sent,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n *Notification) {
	d.enrich(n)

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.sink.Notify(ctx, n); err != nil {
		d.logger.Warn("notification delivery failed",
			"kind", string(n.Kind),
			"customer_ref", n.CustomerRef,
			"error", err,
		)
		return
	}

	d.logger.Debug("notification delivered",
		"kind", string(n.Kind),
		"customer_ref", n.CustomerRef,
	)
}

func (d *Dispatcher) enrich(n *Notification) {
	if strings.TrimSpace(n.ProductDescription) != "" {
		return
	}

	if d.resolver != nil && n.ProductID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), d.resolveTimeout)
		name, err := d.resolver.ProductName(ctx, n.ProductID)
		cancel()

		if err == nil && strings.TrimSpace(name) != "" {
			n.ProductDescription = name
			return
		}
		if err != nil {
			d.logger.Debug("product name lookup failed",
				"product_id", n.ProductID,
				"error", err,
			)
		}
	}

	n.ProductDescription = FallbackDescription(n.Tokens)
}
