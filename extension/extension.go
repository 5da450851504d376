// Package extension provides the Forge extension adapter for the token ledger.
//
// It implements the forge.Extension interface to integrate the engine and
// its webhook API into a Forge application with DI registration and
// lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tokenledger" or
// "tokenledger" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/api"
	"github.com/xraph/tokenledger/provider/stripe"
	"github.com/xraph/tokenledger/store"
	"github.com/xraph/tokenledger/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tokenledger"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Token ledger driven by payment provider webhooks"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the token ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tokenledger.Engine
	server     *api.Server
	store      store.Store
	engineOpts []tokenledger.Option
}

// New creates a new token ledger Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tokenledger.Engine { return e.engine }

// Server returns the webhook and read API server, or nil when routes are
// disabled or Register has not run.
func (e *Extension) Server() *api.Server { return e.server }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = tokenledger.New(e.store, e.buildEngineOpts()...)

	if !e.config.DisableRoutes {
		if e.config.WebhookSecret == "" {
			return errors.New("tokenledger: webhook_secret is required when routes are enabled")
		}
		verifier := stripe.NewVerifier(e.config.WebhookSecret, stripe.WithTolerance(e.config.WebhookTolerance))
		e.server = api.New(e.engine, verifier,
			api.WithBasePath(e.config.BasePath),
			api.WithAsync(e.config.AsyncWebhooks),
		)
		if err := vessel.Provide(fapp.Container(), func() (*api.Server, error) {
			return e.server, nil
		}); err != nil {
			return err
		}
	}

	return vessel.Provide(fapp.Container(), func() (*tokenledger.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tokenledger: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tokenledger: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs tokenledger.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []tokenledger.Option {
	opts := make([]tokenledger.Option, 0, len(e.engineOpts)+4)

	opts = append(opts,
		tokenledger.WithLeaseTimeout(e.config.LeaseTimeout),
		tokenledger.WithDispatchConfig(e.config.DispatchWorkers, e.config.DispatchBufferSize),
		tokenledger.WithReplayConfig(e.config.ReplayInterval, e.config.ReplayMaxRetries, tokenledger.DefaultReplayBatchSize),
	)
	if e.config.DisableMigrate {
		opts = append(opts, tokenledger.WithSkipMigrate())
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tokenledger: configuration is required but not found in config files; " +
				"ensure 'extensions.tokenledger' or 'tokenledger' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tokenledger: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("async_webhooks", e.config.AsyncWebhooks),
		forge.F("lease_timeout", e.config.LeaseTimeout),
		forge.F("dispatch_workers", e.config.DispatchWorkers),
		forge.F("replay_interval", e.config.ReplayInterval),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tokenledger", "tokenledger"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tokenledger: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("tokenledger: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.WebhookTolerance == 0 {
		cfg.WebhookTolerance = defaults.WebhookTolerance
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = defaults.LeaseTimeout
	}
	if cfg.DispatchWorkers == 0 {
		cfg.DispatchWorkers = defaults.DispatchWorkers
	}
	if cfg.DispatchBufferSize == 0 {
		cfg.DispatchBufferSize = defaults.DispatchBufferSize
	}
	if cfg.ReplayInterval == 0 {
		cfg.ReplayInterval = defaults.ReplayInterval
	}
	if cfg.ReplayMaxRetries == 0 {
		cfg.ReplayMaxRetries = defaults.ReplayMaxRetries
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.AsyncWebhooks {
		yamlConfig.AsyncWebhooks = true
	}

	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.WebhookSecret == "" {
		yamlConfig.WebhookSecret = programmaticConfig.WebhookSecret
	}
	if yamlConfig.WebhookTolerance == 0 {
		yamlConfig.WebhookTolerance = programmaticConfig.WebhookTolerance
	}
	if yamlConfig.LeaseTimeout == 0 {
		yamlConfig.LeaseTimeout = programmaticConfig.LeaseTimeout
	}
	if yamlConfig.DispatchWorkers == 0 {
		yamlConfig.DispatchWorkers = programmaticConfig.DispatchWorkers
	}
	if yamlConfig.DispatchBufferSize == 0 {
		yamlConfig.DispatchBufferSize = programmaticConfig.DispatchBufferSize
	}
	if yamlConfig.ReplayInterval == 0 {
		yamlConfig.ReplayInterval = programmaticConfig.ReplayInterval
	}
	if yamlConfig.ReplayMaxRetries == 0 {
		yamlConfig.ReplayMaxRetries = programmaticConfig.ReplayMaxRetries
	}

	return mergeWithDefaults(yamlConfig)
}
