package extension

import "time"

// Config holds the token ledger extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tokenledger" or "tokenledger" keys).
type Config struct {
	// DisableRoutes skips building the HTTP server.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate skips schema migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for ledger routes (default: "/api").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// WebhookSecret is the provider signing secret used to verify deliveries.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// WebhookTolerance is the maximum accepted signature age (default: 5m).
	WebhookTolerance time.Duration `json:"webhook_tolerance" mapstructure:"webhook_tolerance" yaml:"webhook_tolerance"`

	// AsyncWebhooks acknowledges deliveries once recorded and processes them
	// on the dispatch workers.
	AsyncWebhooks bool `json:"async_webhooks" mapstructure:"async_webhooks" yaml:"async_webhooks"`

	// LeaseTimeout is how long a claimed event stays owned before another
	// delivery or the replay worker may reclaim it (default: 2m).
	LeaseTimeout time.Duration `json:"lease_timeout" mapstructure:"lease_timeout" yaml:"lease_timeout"`

	// DispatchWorkers is the number of async dispatch workers (default: 4).
	DispatchWorkers int `json:"dispatch_workers" mapstructure:"dispatch_workers" yaml:"dispatch_workers"`

	// DispatchBufferSize bounds the async dispatch queue (default: 1024).
	DispatchBufferSize int `json:"dispatch_buffer_size" mapstructure:"dispatch_buffer_size" yaml:"dispatch_buffer_size"`

	// ReplayInterval is how often stale and failed events are re-driven
	// (default: 1m).
	ReplayInterval time.Duration `json:"replay_interval" mapstructure:"replay_interval" yaml:"replay_interval"`

	// ReplayMaxRetries caps replay attempts per event (default: 10).
	ReplayMaxRetries int `json:"replay_max_retries" mapstructure:"replay_max_retries" yaml:"replay_max_retries"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:           "/api",
		WebhookTolerance:   5 * time.Minute,
		LeaseTimeout:       2 * time.Minute,
		DispatchWorkers:    4,
		DispatchBufferSize: 1024,
		ReplayInterval:     time.Minute,
		ReplayMaxRetries:   10,
	}
}
