package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every environment override.
const envPrefix = "TOKENLEDGER_"

// Config is the daemon configuration. Values are layered: defaults, then the
// YAML file, then TOKENLEDGER_* environment variables (optionally loaded from
// a .env file).
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Store    StoreConfig  `yaml:"store"`
	Stripe   StripeConfig `yaml:"stripe"`
	Engine   EngineConfig `yaml:"engine"`
	Notify   NotifyConfig `yaml:"notify"`
	Redis    RedisConfig  `yaml:"redis"`
	LogLevel string       `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogJSON  bool         `yaml:"log_json"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	BasePath        string        `yaml:"base_path" validate:"required,startswith=/"`
	BodyLimit       int           `yaml:"body_limit" validate:"gt=0"`
	Async           bool          `yaml:"async"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres sqlite mongo"`
	// DSN is the connection string. Mongo URIs carry the database name in
	// their path.
	DSN string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

// StripeConfig holds payment provider credentials.
type StripeConfig struct {
	APIKey           string        `yaml:"api_key"`
	WebhookSecret    string        `yaml:"webhook_secret" validate:"required"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance"`
	LookupTimeout    time.Duration `yaml:"lookup_timeout"`
	LookupRate       float64       `yaml:"lookup_rate" validate:"gte=0"`
	ProductCacheTTL  time.Duration `yaml:"product_cache_ttl"`
}

// EngineConfig tunes the ledger engine.
type EngineConfig struct {
	LeaseTimeout       time.Duration    `yaml:"lease_timeout" validate:"gt=0"`
	DispatchWorkers    int              `yaml:"dispatch_workers" validate:"gt=0"`
	DispatchBufferSize int              `yaml:"dispatch_buffer_size" validate:"gt=0"`
	ReplayInterval     time.Duration    `yaml:"replay_interval" validate:"gte=0"`
	ReplayMaxRetries   int              `yaml:"replay_max_retries" validate:"gt=0"`
	ReplayBatchSize    int              `yaml:"replay_batch_size" validate:"gt=0"`
	DefaultTopUpTokens int64            `yaml:"default_topup_tokens" validate:"gt=0"`
	TopUpPrices        map[string]int64 `yaml:"topup_prices"`
}

// NotifyConfig selects purchase notification sinks. The log sink is always
// active.
type NotifyConfig struct {
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic" validate:"required_with=KafkaBrokers"`
	RabbitMQURL   string   `yaml:"rabbitmq_url" validate:"omitempty,url"`
	RabbitMQQueue string   `yaml:"rabbitmq_queue" validate:"required_with=RabbitMQURL"`
	QueueSize     int      `yaml:"queue_size" validate:"gte=0"`
	Workers       int      `yaml:"workers" validate:"gte=0"`
}

// RedisConfig enables the product name cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BasePath:        "/api",
			BodyLimit:       1 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{Driver: "memory"},
		Stripe: StripeConfig{
			WebhookTolerance: 5 * time.Minute,
			LookupTimeout:    5 * time.Second,
			LookupRate:       20,
			ProductCacheTTL:  time.Hour,
		},
		Engine: EngineConfig{
			LeaseTimeout:       2 * time.Minute,
			DispatchWorkers:    4,
			DispatchBufferSize: 1024,
			ReplayInterval:     time.Minute,
			ReplayMaxRetries:   10,
			ReplayBatchSize:    100,
			DefaultTopUpTokens: 8,
		},
		Notify: NotifyConfig{
			QueueSize: 256,
			Workers:   2,
		},
		LogLevel: "info",
	}
}

// LoadConfig builds a Config from an optional YAML file and the environment.
// A missing envFile is not an error.
func LoadConfig(path, envFile string) (Config, error) {
	cfg := DefaultConfig()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// applyEnv overlays TOKENLEDGER_* variables onto cfg.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ADDR":                  &cfg.Server.Addr,
		"BASE_PATH":             &cfg.Server.BasePath,
		"STORE_DRIVER":          &cfg.Store.Driver,
		"STORE_DSN":             &cfg.Store.DSN,
		"STRIPE_API_KEY":        &cfg.Stripe.APIKey,
		"STRIPE_WEBHOOK_SECRET": &cfg.Stripe.WebhookSecret,
		"KAFKA_TOPIC":           &cfg.Notify.KafkaTopic,
		"RABBITMQ_URL":          &cfg.Notify.RabbitMQURL,
		"RABBITMQ_QUEUE":        &cfg.Notify.RabbitMQQueue,
		"REDIS_ADDR":            &cfg.Redis.Addr,
		"REDIS_PASSWORD":        &cfg.Redis.Password,
		"LOG_LEVEL":             &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := lookupEnv("KAFKA_BROKERS"); ok {
		cfg.Notify.KafkaBrokers = splitList(v)
	}

	bools := map[string]*bool{
		"ASYNC":    &cfg.Server.Async,
		"LOG_JSON": &cfg.LogJSON,
	}
	for key, dst := range bools {
		if v, ok := lookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"LEASE_TIMEOUT":   &cfg.Engine.LeaseTimeout,
		"REPLAY_INTERVAL": &cfg.Engine.ReplayInterval,
	}
	for key, dst := range durations {
		if v, ok := lookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"DISPATCH_WORKERS": &cfg.Engine.DispatchWorkers,
		"REDIS_DB":         &cfg.Redis.DB,
	}
	for key, dst := range ints {
		if v, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
