package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/exchange"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/store"
	"github.com/xraph/tithe/token"
)

// Option configures the Tithe Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine. It takes precedence over
// WithGroveDB.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDB builds the store from db using the configured store driver.
func WithGroveDB(db *grove.DB, driver string) Option {
	return func(e *Extension) {
		e.groveDB = db
		e.config.StoreDriver = driver
	}
}

// WithExchange sets the exchange the engine hooks into.
func WithExchange(ex exchange.Exchange) Option {
	return func(e *Extension) { e.exchange = ex }
}

// WithTokens sets the token ledger used for approvals and transfers.
func WithTokens(tokens token.Ledger) Option {
	return func(e *Extension) { e.tokens = tokens }
}

// WithFeeSink sets the sink settled fees are deposited into.
func WithFeeSink(sink tithe.FeeSink) Option {
	return func(e *Extension) { e.sink = sink }
}

// WithEngineOption passes a tithe.Option through to the underlying engine.
func WithEngineOption(opt tithe.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a tithe plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, tithe.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithOwner sets the governance owner.
func WithOwner(owner string) Option {
	return func(e *Extension) { e.config.Owner = owner }
}

// WithEngineAddress sets the account the engine acts as.
func WithEngineAddress(addr string) Option {
	return func(e *Extension) { e.config.EngineAddress = addr }
}

// WithGlobalRate sets the default fee rate in basis points.
func WithGlobalRate(bps uint16) Option {
	return func(e *Extension) { e.config.GlobalRateBps = bps }
}

// WithDisableRoutes skips building the HTTP handler.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithRecordBatchSize sets the number of accrual records to buffer before flushing.
func WithRecordBatchSize(size int) Option {
	return func(e *Extension) { e.config.RecordBatchSize = size }
}

// WithRecordFlushInterval sets how frequently the record buffer is flushed.
func WithRecordFlushInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.RecordFlushInterval = d }
}

// WithSettleInterval enables the auto-settle worker.
func WithSettleInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SettleInterval = d }
}
