package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/api"
	audithook "github.com/xraph/tokenledger/audit_hook"
	"github.com/xraph/tokenledger/notify"
	"github.com/xraph/tokenledger/notify/kafka"
	"github.com/xraph/tokenledger/notify/rabbitmq"
	"github.com/xraph/tokenledger/observability"
	"github.com/xraph/tokenledger/provider/stripe"
)

// app holds the wired daemon components.
type app struct {
	cfg        Config
	logger     *slog.Logger
	engine     *tokenledger.Engine
	dispatcher *notify.Dispatcher
	server     *api.Server
	registry   *prometheus.Registry
	closers    []io.Closer
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// build wires the store, engine, notification pipeline and HTTP server.
func build(ctx context.Context, cfg Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   newLogger(cfg, os.Stderr),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	sink, err := a.buildSink()
	if err != nil {
		_ = s.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}

	a.dispatcher = notify.NewDispatcher(sink,
		notify.WithLogger(a.logger),
		notify.WithResolver(a.buildResolver()),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithWorkers(cfg.Notify.Workers),
	)

	opts := []tokenledger.Option{
		tokenledger.WithLogger(a.logger),
		tokenledger.WithNotifier(a.dispatcher),
		tokenledger.WithLeaseTimeout(cfg.Engine.LeaseTimeout),
		tokenledger.WithDispatchConfig(cfg.Engine.DispatchWorkers, cfg.Engine.DispatchBufferSize),
		tokenledger.WithReplayConfig(cfg.Engine.ReplayInterval, cfg.Engine.ReplayMaxRetries, cfg.Engine.ReplayBatchSize),
		tokenledger.WithDefaultTopUpTokens(cfg.Engine.DefaultTopUpTokens),
		tokenledger.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(a.registry))),
		tokenledger.WithPlugin(audithook.New(logRecorder(a.logger), audithook.WithLogger(a.logger))),
	}
	if len(cfg.Engine.TopUpPrices) > 0 {
		opts = append(opts, tokenledger.WithTopUpPrices(cfg.Engine.TopUpPrices))
	}
	a.engine = tokenledger.New(s, opts...)

	verifier := stripe.NewVerifier(cfg.Stripe.WebhookSecret, stripe.WithTolerance(cfg.Stripe.WebhookTolerance))
	a.server = api.New(a.engine, verifier,
		api.WithAsync(cfg.Server.Async),
		api.WithBasePath(cfg.Server.BasePath),
		api.WithBodyLimit(cfg.Server.BodyLimit),
		api.WithLogger(a.logger),
		api.WithGatherer(a.registry),
	)

	return a, nil
}

// newKafkaSink opens the kafka producer.
var newKafkaSink = kafka.New

// buildSink assembles the log sink plus any configured broker sinks. Sinks
// opened before a failure are closed again.
func (a *app) buildSink() (notify.Sink, error) {
	sinks := notify.MultiSink{notify.LogSink{Logger: a.logger}}
	var opened []io.Closer

	if len(a.cfg.Notify.KafkaBrokers) > 0 {
		k := newKafkaSink(a.cfg.Notify.KafkaBrokers, a.cfg.Notify.KafkaTopic)
		sinks = append(sinks, k)
		opened = append(opened, k)
	}

	if a.cfg.Notify.RabbitMQURL != "" {
		r, err := rabbitmq.Dial(a.cfg.Notify.RabbitMQURL, a.cfg.Notify.RabbitMQQueue)
		if err != nil {
			for _, c := range opened {
				_ = c.Close() //nolint:errcheck // already failing
			}
			return nil, err
		}
		sinks = append(sinks, r)
		opened = append(opened, r)
	}

	a.closers = append(a.closers, opened...)
	return sinks, nil
}

// buildResolver returns the product name resolver, cached in redis when
// configured.
func (a *app) buildResolver() *stripe.ProductResolver {
	opts := []stripe.ResolverOption{
		stripe.WithResolverLogger(a.logger),
		stripe.WithLookupTimeout(a.cfg.Stripe.LookupTimeout),
	}
	if a.cfg.Stripe.LookupRate > 0 {
		opts = append(opts, stripe.WithRateLimit(rate.Limit(a.cfg.Stripe.LookupRate), 1))
	}
	if a.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		opts = append(opts, stripe.WithCache(stripe.NewRedisCache(client), a.cfg.Stripe.ProductCacheTTL))
		a.closers = append(a.closers, client)
	}
	return stripe.NewProductResolver(a.cfg.Stripe.APIKey, opts...)
}

// close drains notifications, stops the engine and releases clients.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.engine.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// logRecorder writes audit events to the structured log.
func logRecorder(logger *slog.Logger) audithook.RecorderFunc {
	return func(ctx context.Context, ev *audithook.AuditEvent) error {
		logger.InfoContext(ctx, "audit",
			"action", ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"outcome", ev.Outcome,
			"severity", ev.Severity,
		)
		return nil
	}
}
