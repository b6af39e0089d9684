package tithe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/exchange"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/store"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
)

// Engine skims fees from trades on an exchange, books them as pending per
// (venue, asset), and settles them into a FeeSink. It is both the exchange
// hook and the settlement callback.
type Engine struct {
	address  types.Address
	exchange exchange.Exchange
	tokens   token.Ledger
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	policy FeePolicy
	sink   FeeSink

	// Background workers
	records  chan *accrual.Record
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool

	// Configuration
	recordBatchSize     int
	recordFlushInterval time.Duration
	settleInterval      time.Duration
	skipMigrate         bool
}

var (
	_ exchange.Hook           = (*Engine)(nil)
	_ exchange.UnlockCallback = (*Engine)(nil)
	_ exchange.RevertListener = (*Engine)(nil)
	_ exchange.CommitListener = (*Engine)(nil)
)

// New creates an Engine acting as address on ex. The owner, the fee sink
// and any configured rates are validated here: a rate above MaxRateBps
// fails with ErrInvalidRate.
func New(s store.Store, ex exchange.Exchange, tokens token.Ledger, address types.Address, opts ...Option) (*Engine, error) {
	e := &Engine{
		address:             address,
		exchange:            ex,
		tokens:              tokens,
		store:               s,
		plugins:             plugin.NewRegistry(),
		logger:              slog.Default(),
		policy:              FeePolicy{}.Clone(),
		records:             make(chan *accrual.Record, 10000),
		stopChan:            make(chan struct{}),
		recordBatchSize:     100,
		recordFlushInterval: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	if address == types.ZeroAddress {
		return nil, fmt.Errorf("%w: zero engine address", ErrInvalidAddress)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	if e.sink == nil {
		return nil, ErrNoFeeSink
	}
	if e.sink.Address() == types.ZeroAddress {
		return nil, fmt.Errorf("%w: zero fee sink", ErrInvalidAddress)
	}

	return e, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithRegistry shares a plugin registry, typically with the fee sink.
// Apply it before WithPlugin.
func WithRegistry(r *plugin.Registry) Option {
	return func(e *Engine) { e.plugins = r }
}

// WithOwner sets the governance owner.
func WithOwner(owner types.Address) Option {
	return func(e *Engine) { e.policy.Owner = owner }
}

// WithFeeSink sets the sink settled fees are deposited into. Its asset is
// the only asset the engine charges.
func WithFeeSink(sink FeeSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithGlobalRate sets the global rate in basis points.
func WithGlobalRate(bps uint16) Option {
	return func(e *Engine) { e.policy.GlobalRateBps = bps }
}

// WithVenueRate sets a per-venue override in basis points.
func WithVenueRate(venue types.VenueID, bps uint16) Option {
	return func(e *Engine) {
		if bps == 0 {
			delete(e.policy.Overrides, venue)
			return
		}
		e.policy.Overrides[venue] = bps
	}
}

// WithDustThreshold sets the minimum fee worth accruing.
func WithDustThreshold(amount types.Amount) Option {
	return func(e *Engine) { e.policy.DustThreshold = amount }
}

// WithPaused starts the engine paused.
func WithPaused(paused bool) Option {
	return func(e *Engine) { e.policy.Paused = paused }
}

// WithRecordConfig configures accrual record batching.
func WithRecordConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		e.recordBatchSize = batchSize
		e.recordFlushInterval = flushInterval
	}
}

// WithSettleInterval enables the auto-settle worker.
func WithSettleInterval(d time.Duration) Option {
	return func(e *Engine) { e.settleInterval = d }
}

// WithoutMigrate skips store migration in Start.
func WithoutMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// Start migrates the store, restores persisted policy and begins
// background workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	if err := e.restorePolicy(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	wctx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go e.recordFlushWorker(wctx)

	if e.settleInterval > 0 {
		e.wg.Add(1)
		go e.settleWorker(wctx)
	}
	e.started.Store(true)

	e.logger.Info("tithe started",
		"engine", e.address.Hex(),
		"asset", e.Asset().Hex(),
		"batch_size", e.recordBatchSize,
		"flush_interval", e.recordFlushInterval,
		"settle_interval", e.settleInterval,
	)

	return nil
}

// Stop drains the workers, notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
	e.started.Store(false)

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Plugins returns the engine's plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// restorePolicy adopts the persisted policy of this engine address, or
// persists the configured one on first start.
func (e *Engine) restorePolicy(ctx context.Context) error {
	cfg, err := e.store.GetPolicy(ctx, e.address)
	if errors.Is(err, ErrNotFound) {
		e.mu.RLock()
		c := e.policy.toConfig(e.address, e.sink.Address())
		e.mu.RUnlock()
		return e.store.SavePolicy(ctx, c)
	}
	if err != nil {
		return fmt.Errorf("tithe: load policy: %w", err)
	}

	restored := policyFromConfig(cfg)
	if err := restored.Validate(); err != nil {
		return fmt.Errorf("tithe: persisted policy: %w", err)
	}

	e.mu.Lock()
	e.policy = restored
	sink := e.sink.Address()
	e.mu.Unlock()

	if cfg.FeeSink != sink {
		e.logger.Warn("persisted fee sink differs from configured sink",
			"persisted", cfg.FeeSink.Hex(),
			"configured", sink.Hex(),
		)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Accrual records
// ──────────────────────────────────────────────────

// recordAccrual queues r for the flush worker, or writes it through when
// the worker is not running or the buffer is full.
func (e *Engine) recordAccrual(ctx context.Context, r *accrual.Record) {
	if !e.started.Load() {
		e.flushRecords(ctx, []*accrual.Record{r})
		return
	}
	select {
	case e.records <- r:
	default:
		e.logger.Warn("accrual buffer full, writing through", "venue", r.Venue.Hex())
		e.flushRecords(ctx, []*accrual.Record{r})
	}
}

func (e *Engine) recordFlushWorker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]*accrual.Record, 0, e.recordBatchSize)
	ticker := time.NewTicker(e.recordFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Final flush
		drain:
			for {
				select {
				case r := <-e.records:
					batch = append(batch, r)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				e.flushRecords(ctx, batch)
			}
			return

		case r := <-e.records:
			batch = append(batch, r)
			if len(batch) >= e.recordBatchSize {
				e.flushRecords(ctx, batch)
				batch = make([]*accrual.Record, 0, e.recordBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flushRecords(ctx, batch)
				batch = make([]*accrual.Record, 0, e.recordBatchSize)
			}
		}
	}
}

func (e *Engine) flushRecords(ctx context.Context, batch []*accrual.Record) {
	start := time.Now()

	if err := e.store.CreateAccruals(ctx, batch); err != nil {
		e.logger.Error("failed to flush accrual records",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}

	elapsed := time.Since(start)
	e.plugins.EmitRecordsFlushed(ctx, len(batch), elapsed)

	e.logger.Debug("flushed accrual records",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// settleWorker periodically settles every nonzero pending key of the sink
// asset.
func (e *Engine) settleWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.settleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.settleAll(ctx)
		}
	}
}

func (e *Engine) settleAll(ctx context.Context) {
	entries, err := e.store.ListPending(ctx, e.Asset())
	if err != nil {
		e.logger.Error("auto-settle: list pending", "error", err)
		return
	}
	ctx = types.WithCaller(ctx, e.address)
	for _, entry := range entries {
		if err := e.Settle(ctx, entry.Venue, entry.Asset); err != nil {
			e.logger.Warn("auto-settle failed",
				"venue", entry.Venue.Hex(),
				"asset", entry.Asset.Hex(),
				"error", err,
			)
		}
	}
}
