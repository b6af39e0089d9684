package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Registry manages registered plugins and dispatches events to them.
// Interfaces are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                   []OnInit
	onShutdown               []OnShutdown
	onFeeAccrued             []OnFeeAccrued
	onFeeCollected           []OnFeeCollected
	onSettlementFailed       []OnSettlementFailed
	onRecordsFlushed         []OnRecordsFlushed
	onPolicyChanged          []OnPolicyChanged
	onVaultDeposit           []OnVaultDeposit
	onDonation               []OnDonation
	onDonationAddressChanged []OnDonationAddressChanged
	onYieldReported          []OnYieldReported
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout bounds how long a single hook may run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnFeeAccrued); ok {
		r.onFeeAccrued = append(r.onFeeAccrued, v)
	}
	if v, ok := p.(OnFeeCollected); ok {
		r.onFeeCollected = append(r.onFeeCollected, v)
	}
	if v, ok := p.(OnSettlementFailed); ok {
		r.onSettlementFailed = append(r.onSettlementFailed, v)
	}
	if v, ok := p.(OnRecordsFlushed); ok {
		r.onRecordsFlushed = append(r.onRecordsFlushed, v)
	}
	if v, ok := p.(OnPolicyChanged); ok {
		r.onPolicyChanged = append(r.onPolicyChanged, v)
	}
	if v, ok := p.(OnVaultDeposit); ok {
		r.onVaultDeposit = append(r.onVaultDeposit, v)
	}
	if v, ok := p.(OnDonation); ok {
		r.onDonation = append(r.onDonation, v)
	}
	if v, ok := p.(OnDonationAddressChanged); ok {
		r.onDonationAddressChanged = append(r.onDonationAddressChanged, v)
	}
	if v, ok := p.(OnYieldReported); ok {
		r.onYieldReported = append(r.onYieldReported, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnFeeAccrued", reflect.TypeFor[OnFeeAccrued]()},
	{"OnFeeCollected", reflect.TypeFor[OnFeeCollected]()},
	{"OnSettlementFailed", reflect.TypeFor[OnSettlementFailed]()},
	{"OnRecordsFlushed", reflect.TypeFor[OnRecordsFlushed]()},
	{"OnPolicyChanged", reflect.TypeFor[OnPolicyChanged]()},
	{"OnVaultDeposit", reflect.TypeFor[OnVaultDeposit]()},
	{"OnDonation", reflect.TypeFor[OnDonation]()},
	{"OnDonationAddressChanged", reflect.TypeFor[OnDonationAddressChanged]()},
	{"OnYieldReported", reflect.TypeFor[OnYieldReported]()},
}

func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	dispatch(ctx, r, "OnInit", hooks(r, func() []OnInit { return r.onInit }), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	dispatch(ctx, r, "OnShutdown", hooks(r, func() []OnShutdown { return r.onShutdown }), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitFeeAccrued emits a fee accrued event.
func (r *Registry) EmitFeeAccrued(ctx context.Context, rec *accrual.Record) {
	dispatch(ctx, r, "OnFeeAccrued", hooks(r, func() []OnFeeAccrued { return r.onFeeAccrued }), func(p OnFeeAccrued) error {
		return p.OnFeeAccrued(ctx, rec)
	})
}

// EmitFeeCollected emits a fee collected event.
func (r *Registry) EmitFeeCollected(ctx context.Context, rec *collection.Record) {
	dispatch(ctx, r, "OnFeeCollected", hooks(r, func() []OnFeeCollected { return r.onFeeCollected }), func(p OnFeeCollected) error {
		return p.OnFeeCollected(ctx, rec)
	})
}

// EmitSettlementFailed emits a settlement failed event.
func (r *Registry) EmitSettlementFailed(ctx context.Context, key types.FeeKey, amount types.Amount, cause error) {
	dispatch(ctx, r, "OnSettlementFailed", hooks(r, func() []OnSettlementFailed { return r.onSettlementFailed }), func(p OnSettlementFailed) error {
		return p.OnSettlementFailed(ctx, key, amount, cause)
	})
}

// EmitRecordsFlushed emits a records flushed event.
func (r *Registry) EmitRecordsFlushed(ctx context.Context, count int, elapsed time.Duration) {
	dispatch(ctx, r, "OnRecordsFlushed", hooks(r, func() []OnRecordsFlushed { return r.onRecordsFlushed }), func(p OnRecordsFlushed) error {
		return p.OnRecordsFlushed(ctx, count, elapsed)
	})
}

// EmitPolicyChanged emits a policy changed event.
func (r *Registry) EmitPolicyChanged(ctx context.Context, c *policy.Change) {
	dispatch(ctx, r, "OnPolicyChanged", hooks(r, func() []OnPolicyChanged { return r.onPolicyChanged }), func(p OnPolicyChanged) error {
		return p.OnPolicyChanged(ctx, c)
	})
}

// EmitVaultDeposit emits a vault deposit event.
func (r *Registry) EmitVaultDeposit(ctx context.Context, d *Deposit) {
	dispatch(ctx, r, "OnVaultDeposit", hooks(r, func() []OnVaultDeposit { return r.onVaultDeposit }), func(p OnVaultDeposit) error {
		return p.OnVaultDeposit(ctx, d)
	})
}

// EmitDonation emits a donation event.
func (r *Registry) EmitDonation(ctx context.Context, rec *donation.Record) {
	dispatch(ctx, r, "OnDonation", hooks(r, func() []OnDonation { return r.onDonation }), func(p OnDonation) error {
		return p.OnDonation(ctx, rec)
	})
}

// EmitDonationAddressChanged emits a donation address changed event.
func (r *Registry) EmitDonationAddressChanged(ctx context.Context, vault, oldAddr, newAddr types.Address) {
	dispatch(ctx, r, "OnDonationAddressChanged", hooks(r, func() []OnDonationAddressChanged { return r.onDonationAddressChanged }), func(p OnDonationAddressChanged) error {
		return p.OnDonationAddressChanged(ctx, vault, oldAddr, newAddr)
	})
}

// EmitYieldReported emits a yield reported event.
func (r *Registry) EmitYieldReported(ctx context.Context, rec *yield.Report) {
	dispatch(ctx, r, "OnYieldReported", hooks(r, func() []OnYieldReported { return r.onYieldReported }), func(p OnYieldReported) error {
		return p.OnYieldReported(ctx, rec)
	})
}

// hooks reads a cached hook list under the registry lock.
func hooks[T any](r *Registry, get func() []T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return get()
}

// dispatch calls fn for each plugin in turn. Failures are logged and never
// propagate to the emitting operation.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, plugins []T, fn func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout runs fn and waits at most the registry timeout for it.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
