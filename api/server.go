// Package api exposes the token ledger over HTTP with fiber: the provider
// webhook endpoint, a JSON read path for the UI, health and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/subscription"
)

// Server defaults.
const (
	DefaultBasePath    = "/api"
	DefaultBodyLimit   = 1024 * 1024 // 1 MiB
	DefaultHealthCheck = 2 * time.Second
	defaultPageSize    = 50
	maxPageSize        = 500
)

// Ledger is the part of the engine the HTTP layer drives.
type Ledger interface {
	Ingest(ctx context.Context, ev tokenledger.ProviderEvent) (tokenledger.Outcome, error)
	Accept(ctx context.Context, ev tokenledger.ProviderEvent) (tokenledger.Outcome, error)
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error)
	CurrentBalance(ctx context.Context, subID id.SubscriptionID) (*tokenledger.Balance, error)
	ListCycles(ctx context.Context, subID id.SubscriptionID, opts cycle.ListOpts) ([]*cycle.BillingCycle, error)
	ListEntries(ctx context.Context, cycleID id.CycleID, opts entry.ListOpts) ([]*entry.Entry, error)
	GetEventRecord(ctx context.Context, eventID string) (*event.Record, error)
	Ping(ctx context.Context) error
}

// Verifier authenticates a webhook delivery.
type Verifier interface {
	Verify(payload []byte, sigHeader string) (tokenledger.ProviderEvent, error)
}

// Server holds the HTTP handlers.
type Server struct {
	ledger   Ledger
	verifier Verifier
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	basePath  string
	bodyLimit int
	async     bool
}

// Option configures a Server.
type Option func(*Server)

// WithAsync makes the webhook endpoint record events and return 202,
// leaving processing to the engine's dispatch workers.
func WithAsync(async bool) Option {
	return func(s *Server) { s.async = async }
}

// WithBasePath sets the route prefix for webhook and read endpoints.
func WithBasePath(p string) Option {
	return func(s *Server) { s.basePath = "/" + strings.Trim(p, "/") }
}

// WithBodyLimit caps the webhook body size.
func WithBodyLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.bodyLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server.
func New(ledger Ledger, verifier Verifier, opts ...Option) *Server {
	s := &Server{
		ledger:    ledger,
		verifier:  verifier,
		logger:    slog.Default(),
		gatherer:  prometheus.DefaultGatherer,
		basePath:  DefaultBasePath,
		bodyLimit: DefaultBodyLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// App builds a fiber application with every route registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "tokenledger",
		BodyLimit:             s.bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())
	s.Register(app)
	return app
}

// Register mounts the routes on an existing router.
func (s *Server) Register(r fiber.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	g := r.Group(s.basePath)
	g.Post("/webhooks/stripe", s.handleWebhook)
	g.Get("/subscriptions/by-provider/:providerId", s.handleSubscriptionByProvider)
	g.Get("/subscriptions/:id", s.handleSubscription)
	g.Get("/subscriptions/:id/balance", s.handleBalance)
	g.Get("/subscriptions/:id/cycles", s.handleCycles)
	g.Get("/cycles/:id/entries", s.handleEntries)
	g.Get("/events/:eventId", s.handleEvent)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), DefaultHealthCheck)
	defer cancel()

	if err := s.ledger.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// errorHandler renders fiber errors, including body-limit rejections, as JSON.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": utils.StatusMessage(code), "message": err.Error()})
}

// pageOpts reads limit and offset query parameters.
func pageOpts(c *fiber.Ctx) (limit, offset int) {
	limit = c.QueryInt("limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
