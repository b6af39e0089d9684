package tithe

import (
	"context"
	"errors"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
)

// Address returns the engine's own account.
func (e *Engine) Address() types.Address { return e.address }

// Asset returns the only asset the engine charges: the fee sink's asset.
func (e *Engine) Asset() types.AssetID {
	_, sink := e.current()
	return sink.Asset()
}

// FeeSink returns the current fee sink.
func (e *Engine) FeeSink() FeeSink {
	_, sink := e.current()
	return sink
}

// Policy returns a copy of the current fee policy.
func (e *Engine) Policy() FeePolicy {
	pol, _ := e.current()
	return pol.Clone()
}

// CalculateFee returns the fee charged at the global rate.
func (e *Engine) CalculateFee(amount types.Amount) types.Amount {
	pol, _ := e.current()
	fee, _ := CalculateFeeAt(amount, pol.GlobalRateBps) //nolint:errcheck // rate validated on every write
	return fee
}

// GetEffectiveRate returns the rate applied to venue.
func (e *Engine) GetEffectiveRate(venue types.VenueID) uint16 {
	pol, _ := e.current()
	return pol.EffectiveRate(venue)
}

// GetPendingFee returns the fee accrued for (venue, asset) and not yet
// settled.
func (e *Engine) GetPendingFee(ctx context.Context, venue types.VenueID, asset types.AssetID) (types.Amount, error) {
	return e.store.GetPending(ctx, types.FeeKey{Venue: venue, Asset: asset})
}

// GetStats returns the lifetime collected fees of (venue, asset) and the
// number of trades charged on venue.
func (e *Engine) GetStats(ctx context.Context, venue types.VenueID, asset types.AssetID) (lifetimeFees types.Amount, tradeCount uint64, err error) {
	s, err := e.store.GetStats(ctx, types.FeeKey{Venue: venue, Asset: asset})
	if errors.Is(err, ErrNotFound) {
		return types.Amount{}, 0, nil
	}
	if err != nil {
		return types.Amount{}, 0, err
	}
	return s.LifetimeFees, s.TradeCount, nil
}

// GetVaultStats returns the fee sink's accounting.
func (e *Engine) GetVaultStats(ctx context.Context) (*VaultStats, error) {
	_, sink := e.current()
	return sink.Stats(ctx)
}

// ListAccruals returns persisted accrual records.
func (e *Engine) ListAccruals(ctx context.Context, opts accrual.ListOpts) ([]*accrual.Record, error) {
	return e.store.ListAccruals(ctx, opts)
}

// ListCollections returns persisted collection records.
func (e *Engine) ListCollections(ctx context.Context, opts collection.ListOpts) ([]*collection.Record, error) {
	return e.store.ListCollections(ctx, opts)
}

// ListPolicyChanges returns the governance history of this engine.
func (e *Engine) ListPolicyChanges(ctx context.Context, opts policy.ListOpts) ([]*policy.Change, error) {
	return e.store.ListPolicyChanges(ctx, e.address, opts)
}
