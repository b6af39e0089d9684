// Package exchange describes the trading engine Tithe attaches to.
//
// The exchange keeps a balance sheet of per-account deltas inside an
// unlocked session. Deltas use the exchange's sign convention: a positive
// delta is owed by the exchange to the account, a negative delta is owed by
// the account. Every delta must net to zero before the session closes.
package exchange

import (
	"context"
	"errors"
	"math/big"

	"github.com/xraph/tithe/types"
)

var (
	ErrLocked            = errors.New("exchange: already unlocked")
	ErrNotUnlocked       = errors.New("exchange: not unlocked")
	ErrDeltaNotSettled   = errors.New("exchange: currency delta not settled")
	ErrInsufficientClaim = errors.New("exchange: insufficient claim balance")
	ErrUnknownVenue      = errors.New("exchange: venue not initialized")
	ErrVenueExists       = errors.New("exchange: venue already initialized")
	ErrInvalidAmount     = errors.New("exchange: amount out of range")
	ErrHookDeltaExceeds  = errors.New("exchange: hook delta exceeds swap amount")
	ErrNotClaimOwner     = errors.New("exchange: caller does not own claim")
)

// TradeParams is what the exchange tells a hook about a pending trade.
// AmountSpecified is negative for exact-input and positive for exact-output.
type TradeParams struct {
	Initiator       types.Address
	ZeroForOne      bool
	AmountSpecified *big.Int
}

// ExactInput reports whether the trader fixed the input amount.
func (p TradeParams) ExactInput() bool {
	return p.AmountSpecified.Sign() < 0
}

// SpecifiedIsAsset0 reports whether the specified leg is asset0 of the venue.
func (p TradeParams) SpecifiedIsAsset0() bool {
	return p.ExactInput() == p.ZeroForOne
}

// SpecifiedAsset returns the asset of the leg the trader fixed.
func (p TradeParams) SpecifiedAsset(key VenueKey) types.AssetID {
	if p.SpecifiedIsAsset0() {
		return key.Asset0
	}
	return key.Asset1
}

// Delta is a signed adjustment of the specified and unspecified legs,
// credited to the hook that returns it.
type Delta struct {
	Specified   *big.Int
	Unspecified *big.Int
}

// ZeroDelta returns a Delta with both legs zero.
func ZeroDelta() Delta {
	return Delta{Specified: new(big.Int), Unspecified: new(big.Int)}
}

// TradeHookResult is returned by a Hook before a trade executes.
type TradeHookResult struct {
	Handled     bool
	Adjustment  Delta
	FeeOverride uint32
	// HookData is opaque to the exchange and handed back unchanged to the
	// hook's CommitListener or RevertListener.
	HookData any
}

// NoOp returns a result that leaves the trade untouched.
func NoOp() TradeHookResult {
	return TradeHookResult{Handled: true, Adjustment: ZeroDelta()}
}

// Hook is called by the exchange before each trade on a venue it is
// attached to. The context caller is the exchange.
type Hook interface {
	BeforeTrade(ctx context.Context, key VenueKey, params TradeParams) (TradeHookResult, error)
}

// UnlockCallback receives control inside an unlocked session. The context
// caller is the exchange.
type UnlockCallback interface {
	UnlockCallback(ctx context.Context, data []byte) ([]byte, error)
}

// Exchange is the surface Tithe needs from the trading engine. Claim and
// delta operations act for the context caller and are only valid inside
// an unlocked session.
type Exchange interface {
	Address() types.Address

	// Unlock opens a session, runs cb and verifies every delta nets to zero.
	Unlock(ctx context.Context, cb UnlockCallback, data []byte) ([]byte, error)

	// MintClaim credits an internal claim to `to`; the caller owes amount.
	MintClaim(ctx context.Context, to types.Address, asset types.AssetID, amount *big.Int) error
	// BurnClaim destroys the caller's claim; the exchange owes the caller amount.
	BurnClaim(ctx context.Context, from types.Address, asset types.AssetID, amount *big.Int) error
	// Take transfers real asset to `to`; the caller owes amount.
	Take(ctx context.Context, asset types.AssetID, to types.Address, amount *big.Int) error

	ClaimBalance(ctx context.Context, owner types.Address, asset types.AssetID) (types.Amount, error)
}

// RevertListener is implemented by hooks that keep state outside the
// exchange. After BeforeTrade succeeded, a trade that is rolled back for
// any reason is reported through TradeReverted while the exchange still
// holds its session lock.
type RevertListener interface {
	TradeReverted(ctx context.Context, key VenueKey, params TradeParams, result TradeHookResult)
}

// CommitListener is implemented by hooks that defer work until the trade
// is final. After BeforeTrade succeeded and every delta netted to zero,
// TradeCommitted runs while the exchange still holds its session lock.
type CommitListener interface {
	TradeCommitted(ctx context.Context, key VenueKey, params TradeParams, result TradeHookResult)
}
