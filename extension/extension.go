// Package extension provides the Forge extension adapter for Tithe.
//
// It implements the forge.Extension interface to integrate the fee engine
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tithe" or "tithe" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/api"
	"github.com/xraph/tithe/exchange"
	"github.com/xraph/tithe/store"
	"github.com/xraph/tithe/store/memory"
	"github.com/xraph/tithe/store/mongo"
	"github.com/xraph/tithe/store/postgres"
	"github.com/xraph/tithe/store/sqlite"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tithe"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Fee skimming and settlement engine for exchange venues"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tithe as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tithe.Engine
	handler    *api.Handler
	store      store.Store
	groveDB    *grove.DB
	exchange   exchange.Exchange
	tokens     token.Ledger
	sink       tithe.FeeSink
	engineOpts []tithe.Option
}

// New creates a new Tithe Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
		config:        Config{StoreDriver: DriverMemory},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tithe.Engine { return e.engine }

// Handler returns the HTTP handler, or nil when routes are disabled.
func (e *Extension) Handler() *api.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.init(); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*tithe.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.handler == nil {
		return nil
	}
	return vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
		return e.handler, nil
	})
}

// init builds the store, engine and handler from the resolved config.
func (e *Extension) init() error {
	if e.exchange == nil {
		return errors.New("tithe: extension requires an exchange (use WithExchange)")
	}
	if e.tokens == nil {
		return errors.New("tithe: extension requires a token ledger (use WithTokens)")
	}
	if e.sink == nil {
		return errors.New("tithe: extension requires a fee sink (use WithFeeSink)")
	}

	if e.store == nil {
		s, err := buildStore(e.config.StoreDriver, e.groveDB)
		if err != nil {
			return err
		}
		e.store = s
	}

	address, err := types.ParseAddress(e.config.EngineAddress)
	if err != nil {
		return fmt.Errorf("tithe: engine_address: %w", err)
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	eng, err := tithe.New(e.store, e.exchange, e.tokens, address, opts...)
	if err != nil {
		return err
	}
	e.engine = eng

	if !e.config.DisableRoutes {
		e.handler = api.New(eng)
	}
	return nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tithe: extension not initialized")
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
		return errors.New("tithe: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildStore returns the store for driver. A nil db always yields the
// in-memory store.
func buildStore(driver string, db *grove.DB) (store.Store, error) {
	if db == nil {
		if driver != "" && driver != DriverMemory {
			return nil, fmt.Errorf("tithe: store driver %q requires a grove database (use WithGroveDB)", driver)
		}
		return memory.New(), nil
	}

	switch driver {
	case DriverPostgres:
		return postgres.New(db), nil
	case DriverSQLite:
		return sqlite.New(db), nil
	case DriverMongo:
		return mongo.New(db), nil
	case "", DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("tithe: unknown store driver %q", driver)
	}
}

// buildEngineOpts constructs tithe.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]tithe.Option, error) {
	opts := make([]tithe.Option, 0, len(e.engineOpts)+8)

	opts = append(opts, tithe.WithFeeSink(e.sink))

	if e.config.Owner != "" {
		owner, err := types.ParseAddress(e.config.Owner)
		if err != nil {
			return nil, fmt.Errorf("tithe: owner: %w", err)
		}
		opts = append(opts, tithe.WithOwner(owner))
	}

	if e.config.GlobalRateBps > 0 {
		opts = append(opts, tithe.WithGlobalRate(e.config.GlobalRateBps))
	}

	if e.config.DustThreshold != "" {
		dust, err := types.ParseAmount(e.config.DustThreshold)
		if err != nil {
			return nil, fmt.Errorf("tithe: dust_threshold: %w", err)
		}
		opts = append(opts, tithe.WithDustThreshold(dust))
	}

	if e.config.Paused {
		opts = append(opts, tithe.WithPaused(true))
	}

	if e.config.RecordBatchSize > 0 || e.config.RecordFlushInterval > 0 {
		batchSize := e.config.RecordBatchSize
		flushInterval := e.config.RecordFlushInterval
		defaults := DefaultConfig()
		if batchSize == 0 {
			batchSize = defaults.RecordBatchSize
		}
		if flushInterval == 0 {
			flushInterval = defaults.RecordFlushInterval
		}
		opts = append(opts, tithe.WithRecordConfig(batchSize, flushInterval))
	}

	if e.config.SettleInterval > 0 {
		opts = append(opts, tithe.WithSettleInterval(e.config.SettleInterval))
	}

	if e.config.DisableMigrate {
		opts = append(opts, tithe.WithoutMigrate())
	}

	// Pass-through options run last so they win over config.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tithe: configuration is required but not found in config files; " +
				"ensure 'extensions.tithe' or 'tithe' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tithe: configuration loaded",
		forge.F("engine_address", e.config.EngineAddress),
		forge.F("global_rate_bps", e.config.GlobalRateBps),
		forge.F("paused", e.config.Paused),
		forge.F("store_driver", e.config.StoreDriver),
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("record_batch_size", e.config.RecordBatchSize),
		forge.F("record_flush_interval", e.config.RecordFlushInterval),
		forge.F("settle_interval", e.config.SettleInterval),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.tithe", "tithe"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tithe: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("tithe: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.RecordBatchSize == 0 {
		cfg.RecordBatchSize = defaults.RecordBatchSize
	}
	if cfg.RecordFlushInterval == 0 {
		cfg.RecordFlushInterval = defaults.RecordFlushInterval
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.Paused {
		yamlConfig.Paused = true
	}

	if yamlConfig.Owner == "" {
		yamlConfig.Owner = programmaticConfig.Owner
	}
	if yamlConfig.EngineAddress == "" {
		yamlConfig.EngineAddress = programmaticConfig.EngineAddress
	}
	if yamlConfig.DustThreshold == "" {
		yamlConfig.DustThreshold = programmaticConfig.DustThreshold
	}
	// A driver set by WithGroveDB describes the db actually injected.
	if programmaticConfig.StoreDriver != "" && programmaticConfig.StoreDriver != DriverMemory {
		yamlConfig.StoreDriver = programmaticConfig.StoreDriver
	} else if yamlConfig.StoreDriver == "" {
		yamlConfig.StoreDriver = programmaticConfig.StoreDriver
	}

	if yamlConfig.GlobalRateBps == 0 {
		yamlConfig.GlobalRateBps = programmaticConfig.GlobalRateBps
	}
	if yamlConfig.RecordBatchSize == 0 {
		yamlConfig.RecordBatchSize = programmaticConfig.RecordBatchSize
	}
	if yamlConfig.RecordFlushInterval == 0 {
		yamlConfig.RecordFlushInterval = programmaticConfig.RecordFlushInterval
	}
	if yamlConfig.SettleInterval == 0 {
		yamlConfig.SettleInterval = programmaticConfig.SettleInterval
	}

	return mergeWithDefaults(yamlConfig)
}
