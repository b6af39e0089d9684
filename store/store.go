package store

import (
	"context"
	"time"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/pending"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Store is the unified storage interface for all Tithe state. Methods are
// declared explicitly rather than by embedding the per-package interfaces;
// every per-package Store is a subset of it.
type Store interface {
	// Pending fee methods
	AddPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error)
	SubPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error)
	GetPending(ctx context.Context, key types.FeeKey) (types.Amount, error)
	TakePending(ctx context.Context, key types.FeeKey) (types.Amount, error)
	ListPending(ctx context.Context, asset types.AssetID) ([]*pending.Entry, error)

	// Collection methods
	AddCollected(ctx context.Context, key types.FeeKey, amount types.Amount) error
	IncrementTradeCount(ctx context.Context, venue types.VenueID) (uint64, error)
	GetStats(ctx context.Context, key types.FeeKey) (*collection.Stats, error)
	CreateCollection(ctx context.Context, r *collection.Record) error
	ListCollections(ctx context.Context, opts collection.ListOpts) ([]*collection.Record, error)

	// Accrual methods
	CreateAccruals(ctx context.Context, records []*accrual.Record) error
	ListAccruals(ctx context.Context, opts accrual.ListOpts) ([]*accrual.Record, error)
	PurgeAccruals(ctx context.Context, before time.Time) (int64, error)

	// Policy methods
	GetPolicy(ctx context.Context, engine types.Address) (*policy.Config, error)
	SavePolicy(ctx context.Context, c *policy.Config) error
	CreatePolicyChange(ctx context.Context, c *policy.Change) error
	ListPolicyChanges(ctx context.Context, engine types.Address, opts policy.ListOpts) ([]*policy.Change, error)

	// Donation vault methods
	GetVaultState(ctx context.Context, vault types.Address) (*donation.VaultState, error)
	SaveVaultState(ctx context.Context, s *donation.VaultState) error
	GetShareBalance(ctx context.Context, vault, holder types.Address) (types.Amount, error)
	SetShareBalance(ctx context.Context, vault, holder types.Address, shares types.Amount) error
	CreateDonation(ctx context.Context, r *donation.Record) error
	ListDonations(ctx context.Context, vault types.Address, opts donation.ListOpts) ([]*donation.Record, error)

	// Yield methods
	GetYieldState(ctx context.Context, strategy types.Address) (*yield.State, error)
	SaveYieldState(ctx context.Context, s *yield.State) error
	CreateYieldReport(ctx context.Context, r *yield.Report) error
	ListYieldReports(ctx context.Context, strategy types.Address, opts yield.ListOpts) ([]*yield.Report, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ pending.Store    = Store(nil)
	_ collection.Store = Store(nil)
	_ accrual.Store    = Store(nil)
	_ policy.Store     = Store(nil)
	_ donation.Store   = Store(nil)
	_ yield.Store      = Store(nil)
)
