package tithe

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/exchange"
	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/types"
)

// BeforeTrade implements exchange.Hook. It charges the specified leg of
// the trade, books the fee as pending and returns the adjustment that
// credits the engine's claim back to the exchange. The accrual record
// rides along in the result's HookData until the trade commits.
//
// Configuration and store failures degrade to a no-op so the trade still
// executes. Only a caller other than the exchange (ErrUnauthorized) or a
// fee wider than the exchange's signed delta (ErrNumericOverflow) is
// returned as an error.
func (e *Engine) BeforeTrade(ctx context.Context, key exchange.VenueKey, params exchange.TradeParams) (exchange.TradeHookResult, error) {
	if caller := types.CallerFrom(ctx); caller != e.exchange.Address() {
		return exchange.TradeHookResult{}, fmt.Errorf("%w: before trade called by %s", ErrUnauthorized, caller.Hex())
	}

	venue := key.ID()
	pol, sink := e.current()

	if pol.Paused {
		return exchange.NoOp(), nil
	}
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() == 0 {
		return exchange.NoOp(), nil
	}

	feeAsset := params.SpecifiedAsset(key)
	if feeAsset != sink.Asset() {
		return exchange.NoOp(), nil
	}

	rate := pol.EffectiveRate(venue)
	if rate == 0 {
		return exchange.NoOp(), nil
	}

	specified, ok := types.AmountFromBig(new(big.Int).Abs(params.AmountSpecified))
	if !ok {
		return exchange.NoOp(), nil
	}
	fee, err := CalculateFeeAt(specified, rate)
	if err != nil {
		e.logger.Error("fee calculation failed", "venue", venue.Hex(), "error", err)
		return exchange.NoOp(), nil
	}
	if fee.IsZero() || fee.Lt(pol.DustThreshold) {
		return exchange.NoOp(), nil
	}

	delta, ok := types.ToInt128(fee)
	if !ok {
		return exchange.TradeHookResult{}, fmt.Errorf("%w: fee %s exceeds int128", ErrNumericOverflow, fee)
	}

	self := types.WithCaller(ctx, e.address)
	if err := e.exchange.MintClaim(self, e.address, feeAsset, delta); err != nil {
		e.logger.Warn("mint fee claim failed", "venue", venue.Hex(), "fee", fee.String(), "error", err)
		return exchange.NoOp(), nil
	}

	fk := types.FeeKey{Venue: venue, Asset: feeAsset}
	if _, err := e.store.AddPending(ctx, fk, fee); err != nil {
		e.logger.Error("book pending fee failed", "key", fk.String(), "fee", fee.String(), "error", err)
		if berr := e.exchange.BurnClaim(self, e.address, feeAsset, delta); berr != nil {
			e.logger.Error("burn unbooked claim failed", "key", fk.String(), "error", berr)
		}
		return exchange.NoOp(), nil
	}

	initiator := params.Initiator
	if initiator == types.ZeroAddress {
		initiator = types.CallerFrom(ctx)
	}

	// Counted, recorded and announced once the trade commits.
	rec := &accrual.Record{
		ID:         id.NewAccrualID(),
		Venue:      venue,
		Asset:      feeAsset,
		Fee:        fee,
		Specified:  specified,
		ExactInput: params.ExactInput(),
		RateBps:    rate,
		Initiator:  initiator,
		CreatedAt:  time.Now().UTC(),
	}

	return exchange.TradeHookResult{
		Handled: true,
		Adjustment: exchange.Delta{
			Specified:   delta,
			Unspecified: new(big.Int),
		},
		HookData: rec,
	}, nil
}

// TradeCommitted implements exchange.CommitListener. The trade charged in
// BeforeTrade is final: the venue's trade counter is bumped and the
// accrual is recorded and announced.
func (e *Engine) TradeCommitted(ctx context.Context, _ exchange.VenueKey, _ exchange.TradeParams, result exchange.TradeHookResult) {
	rec, ok := result.HookData.(*accrual.Record)
	if !ok || rec == nil {
		return
	}
	if caller := types.CallerFrom(ctx); caller != e.exchange.Address() {
		e.logger.Warn("trade commit from non-exchange caller ignored", "caller", caller.Hex())
		return
	}

	if _, err := e.store.IncrementTradeCount(ctx, rec.Venue); err != nil {
		e.logger.Warn("increment trade count failed", "venue", rec.Venue.Hex(), "error", err)
	}
	e.recordAccrual(ctx, rec)
	e.plugins.EmitFeeAccrued(ctx, rec)

	e.logger.Debug("fee accrued",
		"venue", rec.Venue.Hex(),
		"asset", rec.Asset.Hex(),
		"fee", rec.Fee.String(),
		"rate_bps", rec.RateBps,
	)
}

// TradeReverted implements exchange.RevertListener. The exchange rolled
// back the claim minted for the trade, so the booked pending fee is
// removed again. Nothing else was counted or recorded for the trade.
func (e *Engine) TradeReverted(ctx context.Context, key exchange.VenueKey, params exchange.TradeParams, result exchange.TradeHookResult) {
	if result.Adjustment.Specified == nil || result.Adjustment.Specified.Sign() <= 0 {
		return
	}
	fee, ok := types.AmountFromBig(result.Adjustment.Specified)
	if !ok {
		return
	}

	fk := types.FeeKey{Venue: key.ID(), Asset: params.SpecifiedAsset(key)}
	removed, err := e.store.SubPending(ctx, fk, fee)
	if err != nil {
		e.logger.Error("unbook reverted fee failed", "key", fk.String(), "fee", fee.String(), "error", err)
		return
	}
	if !removed.Eq(fee) {
		e.logger.Error("reverted fee exceeded pending balance",
			"key", fk.String(),
			"fee", fee.String(),
			"removed", removed.String(),
		)
		return
	}
	e.logger.Debug("reverted fee unbooked", "key", fk.String(), "fee", fee.String())
}

func (e *Engine) current() (FeePolicy, FeeSink) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy, e.sink
}
