// Package plugin provides an extensible plugin system for Tithe.
// Plugins hook into accrual, settlement, governance, vault and strategy
// events. Hooks observe; they cannot veto the operation that emitted them.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *tithe.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Fee hooks
// ──────────────────────────────────────────────────

// OnFeeAccrued is called after a fee was skimmed from a trade.
type OnFeeAccrued interface {
	Plugin
	OnFeeAccrued(ctx context.Context, r *accrual.Record) error
}

// OnFeeCollected is called after a pending fee was settled into the sink.
type OnFeeCollected interface {
	Plugin
	OnFeeCollected(ctx context.Context, r *collection.Record) error
}

// OnSettlementFailed is called when a settlement aborted and its pending
// amount was restored.
type OnSettlementFailed interface {
	Plugin
	OnSettlementFailed(ctx context.Context, key types.FeeKey, amount types.Amount, err error) error
}

// OnRecordsFlushed is called after a batch of accrual records was persisted.
type OnRecordsFlushed interface {
	Plugin
	OnRecordsFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// OnPolicyChanged is called after a governance mutation.
type OnPolicyChanged interface {
	Plugin
	OnPolicyChanged(ctx context.Context, c *policy.Change) error
}

// ──────────────────────────────────────────────────
// Vault hooks
// ──────────────────────────────────────────────────

// Deposit is the standard share-vault deposit event.
type Deposit struct {
	Vault    types.Address
	Caller   types.Address
	Receiver types.Address
	Assets   types.Amount
	Shares   types.Amount
}

// OnVaultDeposit is called for every vault deposit.
type OnVaultDeposit interface {
	Plugin
	OnVaultDeposit(ctx context.Context, d *Deposit) error
}

// OnDonation is called for every deposit credited to the donation address.
type OnDonation interface {
	Plugin
	OnDonation(ctx context.Context, r *donation.Record) error
}

// OnDonationAddressChanged is called when governance moves the beneficiary.
type OnDonationAddressChanged interface {
	Plugin
	OnDonationAddressChanged(ctx context.Context, vault, oldAddr, newAddr types.Address) error
}

// ──────────────────────────────────────────────────
// Strategy hooks
// ──────────────────────────────────────────────────

// OnYieldReported is called for harvests that observed a profit.
type OnYieldReported interface {
	Plugin
	OnYieldReported(ctx context.Context, r *yield.Report) error
}
