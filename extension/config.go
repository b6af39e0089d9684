package extension

import "time"

// Store drivers accepted in Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds the Tithe extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tithe" or "tithe" keys).
type Config struct {
	// Owner is the governance owner of the fee policy (0x-prefixed hex).
	Owner string `json:"owner" mapstructure:"owner" yaml:"owner"`

	// EngineAddress is the account the engine acts as on the exchange. It
	// must equal the hook address of every venue the engine charges.
	EngineAddress string `json:"engine_address" mapstructure:"engine_address" yaml:"engine_address"`

	// GlobalRateBps is the default fee rate in basis points (max 500).
	GlobalRateBps uint16 `json:"global_rate_bps" mapstructure:"global_rate_bps" yaml:"global_rate_bps"`

	// DustThreshold is the minimum fee worth accruing, in base units.
	DustThreshold string `json:"dust_threshold" mapstructure:"dust_threshold" yaml:"dust_threshold"`

	// Paused starts the engine without charging fees.
	Paused bool `json:"paused" mapstructure:"paused" yaml:"paused"`

	// SettleInterval enables the auto-settle worker when nonzero.
	SettleInterval time.Duration `json:"settle_interval" mapstructure:"settle_interval" yaml:"settle_interval"`

	// RecordBatchSize is the number of accrual records to buffer before
	// flushing to the store (default: 100).
	RecordBatchSize int `json:"record_batch_size" mapstructure:"record_batch_size" yaml:"record_batch_size"`

	// RecordFlushInterval is how frequently the record buffer is flushed
	// even if the batch size has not been reached (default: 5s).
	RecordFlushInterval time.Duration `json:"record_flush_interval" mapstructure:"record_flush_interval" yaml:"record_flush_interval"`

	// DisableRoutes skips building the HTTP handler.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// StoreDriver selects the store backend built around the grove.DB passed
	// with WithGroveDB: "postgres", "sqlite" or "mongo". Without a grove.DB
	// the in-memory store is used (default: "memory").
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecordBatchSize:     100,
		RecordFlushInterval: 5 * time.Second,
		StoreDriver:         DriverMemory,
	}
}
