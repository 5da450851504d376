package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Product lookup defaults.
const (
	DefaultLookupTimeout = 2 * time.Second
	DefaultCacheTTL      = 6 * time.Hour
	DefaultRateLimit     = rate.Limit(5)
	DefaultRateBurst     = 5

	cacheKeyPrefix = "tokenledger:stripe:product:"
)

// Cache stores product names between lookups.
type Cache interface {
	// Get returns the cached name and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps a redis client.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

// Get reads key. A missing key is not an error.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes key with a TTL.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// ProductResolver looks up product names through the Stripe API. Lookups are
// rate limited, concurrent lookups of one product share a single call, and
// results are cached when a Cache is configured.
type ProductResolver struct {
	apiKey     string
	getProduct func(id string, params *stripelib.ProductParams) (*stripelib.Product, error)
	cache      Cache
	cacheTTL   time.Duration
	timeout    time.Duration
	limiter    *rate.Limiter
	group      singleflight.Group
	logger     *slog.Logger
}

// ResolverOption configures a ProductResolver.
type ResolverOption func(*ProductResolver)

// WithCache enables result caching.
func WithCache(c Cache, ttl time.Duration) ResolverOption {
	return func(r *ProductResolver) {
		r.cache = c
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithLookupTimeout bounds a single API call.
func WithLookupTimeout(d time.Duration) ResolverOption {
	return func(r *ProductResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRateLimit sets the API call rate.
func WithRateLimit(limit rate.Limit, burst int) ResolverOption {
	return func(r *ProductResolver) { r.limiter = rate.NewLimiter(limit, burst) }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *ProductResolver) { r.logger = l }
}

// WithProductGetter replaces the Stripe API call.
func WithProductGetter(fn func(id string, params *stripelib.ProductParams) (*stripelib.Product, error)) ResolverOption {
	return func(r *ProductResolver) { r.getProduct = fn }
}

// NewProductResolver creates a resolver using apiKey for Stripe calls. Each
// resolver owns its API client, so the package-level stripe key is untouched.
func NewProductResolver(apiKey string, opts ...ResolverOption) *ProductResolver {
	r := &ProductResolver{
		apiKey:   strings.TrimSpace(apiKey),
		cacheTTL: DefaultCacheTTL,
		timeout:  DefaultLookupTimeout,
		limiter:  rate.NewLimiter(DefaultRateLimit, DefaultRateBurst),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.getProduct == nil {
		r.getProduct = client.New(r.apiKey, nil).Products.Get
	}
	return r
}

// ProductName returns the display name of productID.
func (r *ProductResolver) ProductName(ctx context.Context, productID string) (string, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return "", nil
	}

	key := cacheKeyPrefix + productID
	if r.cache != nil {
		name, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("product cache read failed", "product_id", productID, "error", err)
		} else if ok {
			return name, nil
		}
	}

	v, err, _ := r.group.Do(productID, func() (interface{}, error) {
		return r.fetch(ctx, productID)
	})
	if err != nil {
		return "", err
	}
	name, _ := v.(string) //nolint:errcheck // fetch returns string

	if r.cache != nil && name != "" {
		if err := r.cache.Set(ctx, key, name, r.cacheTTL); err != nil {
			r.logger.Warn("product cache write failed", "product_id", productID, "error", err)
		}
	}
	return name, nil
}

func (r *ProductResolver) fetch(ctx context.Context, productID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("tokenledger/stripe: product %s: %w", productID, err)
	}

	params := &stripelib.ProductParams{}
	params.Context = ctx
	p, err := r.getProduct(productID, params)
	if err != nil {
		return "", fmt.Errorf("tokenledger/stripe: product %s: %w", productID, err)
	}
	if p == nil {
		return "", nil
	}
	return p.Name, nil
}
