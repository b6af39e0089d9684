package tithe

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/exchange"
	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/types"
)

type settlerKey struct{}

// Settle converts the pending fee of (venue, asset) into real asset and
// deposits it into the fee sink. Anyone may call it; the resulting shares
// always go to the sink's beneficiary.
//
// The pending entry is zeroed before the exchange is unlocked, so a
// reentrant Settle of the same key finds nothing to do. If settlement
// fails the cleared amount is booked back and the error is returned.
func (e *Engine) Settle(ctx context.Context, venue types.VenueID, asset types.AssetID) error {
	key := types.FeeKey{Venue: venue, Asset: asset}

	pending, err := e.store.GetPending(ctx, key)
	if err != nil {
		return fmt.Errorf("tithe: read pending %s: %w", key, err)
	}
	if pending.IsZero() {
		return nil
	}

	_, sink := e.current()
	if asset != sink.Asset() {
		return fmt.Errorf("%w: settling %s into %s vault", ErrCurrencyMismatch, asset.Hex(), sink.Asset().Hex())
	}

	amount, err := e.store.TakePending(ctx, key)
	if err != nil {
		return fmt.Errorf("tithe: clear pending %s: %w", key, err)
	}
	if amount.IsZero() {
		return nil
	}

	if err := e.unlockAndSettle(ctx, key, amount); err != nil {
		e.restorePending(ctx, key, amount, err)
		return fmt.Errorf("tithe: settle %s: %w", key, err)
	}
	return nil
}

func (e *Engine) unlockAndSettle(ctx context.Context, key types.FeeKey, amount types.Amount) error {
	if _, ok := types.ToInt128(amount); !ok {
		return fmt.Errorf("%w: pending %s exceeds int128", ErrNumericOverflow, amount)
	}
	data, err := exchange.EncodeSettlement(exchange.Settlement{Venue: key.Venue, Asset: key.Asset, Amount: amount})
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, settlerKey{}, types.CallerFrom(ctx))
	_, err = e.exchange.Unlock(types.WithCaller(ctx, e.address), e, data)
	return err
}

func (e *Engine) restorePending(ctx context.Context, key types.FeeKey, amount types.Amount, cause error) {
	if _, err := e.store.AddPending(ctx, key, amount); err != nil {
		e.logger.Error("restore pending after failed settlement",
			"key", key.String(),
			"amount", amount.String(),
			"error", err,
		)
	}
	e.plugins.EmitSettlementFailed(ctx, key, amount, cause)

	e.logger.Warn("settlement failed",
		"key", key.String(),
		"amount", amount.String(),
		"error", cause,
	)
}

// UnlockCallback implements exchange.UnlockCallback. Only the exchange may
// call it. It burns the engine's claim, takes the same amount of real
// asset, and deposits it into the fee sink.
func (e *Engine) UnlockCallback(ctx context.Context, data []byte) ([]byte, error) {
	if caller := types.CallerFrom(ctx); caller != e.exchange.Address() {
		return nil, fmt.Errorf("%w: unlock callback called by %s", ErrUnauthorized, caller.Hex())
	}

	s, err := exchange.DecodeSettlement(data)
	if err != nil {
		return nil, err
	}

	_, sink := e.current()
	if s.Asset != sink.Asset() {
		return nil, fmt.Errorf("%w: callback for %s into %s vault", ErrCurrencyMismatch, s.Asset.Hex(), sink.Asset().Hex())
	}
	delta, ok := types.ToInt128(s.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: settlement %s exceeds int128", ErrNumericOverflow, s.Amount)
	}

	self := types.WithCaller(ctx, e.address)

	if err := e.exchange.BurnClaim(self, e.address, s.Asset, delta); err != nil {
		return nil, fmt.Errorf("burn claim: %w", err)
	}
	if err := e.exchange.Take(self, s.Asset, e.address, delta); err != nil {
		return nil, fmt.Errorf("take asset: %w", err)
	}
	if err := e.tokens.Approve(self, s.Asset, e.address, sink.Address(), s.Amount); err != nil {
		return nil, fmt.Errorf("approve sink: %w", err)
	}
	shares, err := sink.Deposit(self, s.Amount, e.address)
	if err != nil {
		return nil, fmt.Errorf("sink deposit: %w", err)
	}

	// The deposit is final from here on; bookkeeping failures are logged.
	key := types.FeeKey{Venue: s.Venue, Asset: s.Asset}
	if err := e.store.AddCollected(ctx, key, s.Amount); err != nil {
		e.logger.Error("book collected fee failed", "key", key.String(), "amount", s.Amount.String(), "error", err)
	}

	settler, _ := ctx.Value(settlerKey{}).(types.Address)
	rec := &collection.Record{
		ID:          id.NewCollectionID(),
		Venue:       s.Venue,
		Asset:       s.Asset,
		Amount:      s.Amount,
		Shares:      shares,
		Sink:        sink.Address(),
		Caller:      settler,
		CollectedAt: time.Now().UTC(),
	}
	if err := e.store.CreateCollection(ctx, rec); err != nil {
		e.logger.Error("store collection record failed", "key", key.String(), "error", err)
	}
	e.plugins.EmitFeeCollected(ctx, rec)

	e.logger.Info("fee settled",
		"venue", s.Venue.Hex(),
		"asset", s.Asset.Hex(),
		"amount", s.Amount.String(),
		"shares", shares.String(),
	)

	return nil, nil
}

// SettleMany settles each (venues[i], assets[i]) pair independently. The
// whole call is rejected with ErrArrayLengthMismatch if the slices differ
// in length; otherwise failures are collected into a MultiError while the
// remaining pairs still settle.
func (e *Engine) SettleMany(ctx context.Context, venues []types.VenueID, assets []types.AssetID) error {
	if len(venues) != len(assets) {
		return fmt.Errorf("%w: %d venues, %d assets", ErrArrayLengthMismatch, len(venues), len(assets))
	}

	var errs MultiError
	for i := range venues {
		errs.Add(e.Settle(ctx, venues[i], assets[i]))
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
