// Package memory is an in-process exchange used to drive Tithe in tests,
// examples and local development. Trades fill at par (one unit in for one
// unit out) so fee arithmetic is easy to follow.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/big"
	"sync"

	"github.com/xraph/tithe/exchange"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
)

type accountKey struct {
	account types.Address
	asset   types.AssetID
}

type venue struct {
	key  exchange.VenueKey
	hook exchange.Hook
}

type sessionKey struct{}

// session is the balance sheet of one unlocked call.
type session struct {
	mu     sync.Mutex
	deltas map[accountKey]*big.Int
}

func (s *session) account(account types.Address, asset types.AssetID, delta *big.Int) {
	if delta == nil || delta.Sign() == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := accountKey{account, asset}
	cur, ok := s.deltas[k]
	if !ok {
		cur = new(big.Int)
	}
	cur.Add(cur, delta)
	if cur.Sign() == 0 {
		delete(s.deltas, k)
		return
	}
	s.deltas[k] = cur
}

func (s *session) unsettled() (accountKey, *big.Int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, d := range s.deltas {
		return k, d, true
	}
	return accountKey{}, nil, false
}

// Option configures the Exchange.
type Option func(*Exchange)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

// Exchange implements exchange.Exchange against a token.Ledger. Its own
// token balance backs every outstanding claim.
type Exchange struct {
	addr   types.Address
	tokens token.Ledger
	logger *slog.Logger

	sessions sync.Mutex

	mu     sync.RWMutex
	claims map[accountKey]types.Amount
	venues map[types.VenueID]*venue
}

var _ exchange.Exchange = (*Exchange)(nil)

// New creates an exchange that custodies assets at addr on tokens.
func New(addr types.Address, tokens token.Ledger, opts ...Option) *Exchange {
	e := &Exchange{
		addr:   addr,
		tokens: tokens,
		logger: slog.Default(),
		claims: make(map[accountKey]types.Amount),
		venues: make(map[types.VenueID]*venue),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchange) Address() types.Address { return e.addr }

// Initialize registers a venue. hook may be nil.
func (e *Exchange) Initialize(key exchange.VenueKey, hook exchange.Hook) (types.VenueID, error) {
	if err := key.Validate(); err != nil {
		return types.VenueID{}, err
	}
	vid := key.ID()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.venues[vid]; ok {
		return vid, fmt.Errorf("%w: %s", exchange.ErrVenueExists, vid.Hex())
	}
	e.venues[vid] = &venue{key: key, hook: hook}
	return vid, nil
}

// Unlock implements exchange.Exchange. Calling it from inside a session
// fails with exchange.ErrLocked.
func (e *Exchange) Unlock(ctx context.Context, cb exchange.UnlockCallback, data []byte) ([]byte, error) {
	if _, ok := ctx.Value(sessionKey{}).(*session); ok {
		return nil, exchange.ErrLocked
	}

	var out []byte
	err := e.run(ctx, func(sctx context.Context) error {
		var err error
		out, err = cb.UnlockCallback(sctx, data)
		return err
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Exchange) MintClaim(ctx context.Context, to types.Address, asset types.AssetID, amount *big.Int) error {
	s, a, err := e.begin(ctx, amount)
	if err != nil {
		return err
	}

	e.mu.Lock()
	k := accountKey{to, asset}
	sum, overflow := e.claims[k].Add(a)
	if overflow {
		e.mu.Unlock()
		return fmt.Errorf("%w: claim overflow", exchange.ErrInvalidAmount)
	}
	e.claims[k] = sum
	e.mu.Unlock()

	s.account(types.CallerFrom(ctx), asset, new(big.Int).Neg(amount))
	return nil
}

func (e *Exchange) BurnClaim(ctx context.Context, from types.Address, asset types.AssetID, amount *big.Int) error {
	s, a, err := e.begin(ctx, amount)
	if err != nil {
		return err
	}
	caller := types.CallerFrom(ctx)
	if caller != from {
		return fmt.Errorf("%w: %s burning for %s", exchange.ErrNotClaimOwner, caller.Hex(), from.Hex())
	}

	e.mu.Lock()
	k := accountKey{from, asset}
	left, underflow := e.claims[k].Sub(a)
	if underflow {
		held := e.claims[k]
		e.mu.Unlock()
		return fmt.Errorf("%w: %s holds %s, burn %s", exchange.ErrInsufficientClaim, from.Hex(), held, a)
	}
	e.claims[k] = left
	e.mu.Unlock()

	s.account(caller, asset, new(big.Int).Set(amount))
	return nil
}

func (e *Exchange) Take(ctx context.Context, asset types.AssetID, to types.Address, amount *big.Int) error {
	s, a, err := e.begin(ctx, amount)
	if err != nil {
		return err
	}
	if err := e.tokens.Transfer(ctx, asset, e.addr, to, a); err != nil {
		return fmt.Errorf("exchange: take: %w", err)
	}
	s.account(types.CallerFrom(ctx), asset, new(big.Int).Neg(amount))
	return nil
}

func (e *Exchange) ClaimBalance(_ context.Context, owner types.Address, asset types.AssetID) (types.Amount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.claims[accountKey{owner, asset}], nil
}

// SwapResult reports what the trader paid and received.
type SwapResult struct {
	AmountIn  types.Amount
	AmountOut types.Amount
	Hook      exchange.TradeHookResult
}

// Swap executes a trade for the context caller on the venue of key. The
// venue hook runs first; its returned adjustment is credited to the hook
// and the trade is resized accordingly. The whole swap rolls back if any
// delta is left unsettled.
func (e *Exchange) Swap(ctx context.Context, key exchange.VenueKey, params exchange.TradeParams) (*SwapResult, error) {
	if _, ok := ctx.Value(sessionKey{}).(*session); ok {
		return nil, exchange.ErrLocked
	}
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() == 0 || !types.FitsInt128(params.AmountSpecified) {
		return nil, fmt.Errorf("%w: specified amount %v", exchange.ErrInvalidAmount, params.AmountSpecified)
	}

	e.mu.RLock()
	v, ok := e.venues[key.ID()]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownVenue, key.ID().Hex())
	}

	trader := types.CallerFrom(ctx)
	if params.Initiator == (types.Address{}) {
		params.Initiator = trader
	}

	specAsset := params.SpecifiedAsset(key)
	unspecAsset := key.Asset0
	if specAsset == key.Asset0 {
		unspecAsset = key.Asset1
	}
	inAsset, outAsset := key.Asset1, key.Asset0
	if params.ZeroForOne {
		inAsset, outAsset = key.Asset0, key.Asset1
	}

	result := &SwapResult{Hook: exchange.NoOp()}
	hookRan := false
	rollback := func(rctx context.Context) {
		if l, ok := v.hook.(exchange.RevertListener); ok && hookRan {
			l.TradeReverted(rctx, key, params, result.Hook)
		}
	}
	commit := func(cctx context.Context) {
		if l, ok := v.hook.(exchange.CommitListener); ok && hookRan {
			l.TradeCommitted(cctx, key, params, result.Hook)
		}
	}
	err := e.run(ctx, func(sctx context.Context) error {
		s := sctx.Value(sessionKey{}).(*session)

		if v.hook != nil {
			res, err := v.hook.BeforeTrade(sctx, key, params)
			if err != nil {
				return fmt.Errorf("exchange: before trade hook: %w", err)
			}
			result.Hook = res
			hookRan = true
		}
		adjSpec := orZero(result.Hook.Adjustment.Specified)
		adjUnspec := orZero(result.Hook.Adjustment.Unspecified)
		s.account(key.Hooks, specAsset, adjSpec)
		s.account(key.Hooks, unspecAsset, adjUnspec)

		// Fills are at par. The hook's take on the specified leg comes out of
		// that leg: an exact-input trader pays the full input and only the
		// rest is swapped; an exact-output trader receives fee less output.
		// The unspecified take comes out of the other leg.
		magnitude := new(big.Int).Abs(params.AmountSpecified)
		var in, out *big.Int
		if params.ExactInput() {
			in = magnitude
			out = new(big.Int).Sub(magnitude, adjSpec)
			out.Sub(out, adjUnspec)
		} else {
			out = new(big.Int).Sub(magnitude, adjSpec)
			in = new(big.Int).Add(magnitude, adjUnspec)
		}
		if in.Sign() < 0 || out.Sign() < 0 {
			return exchange.ErrHookDeltaExceeds
		}

		inAmt, _ := types.AmountFromBig(in)
		outAmt, _ := types.AmountFromBig(out)
		if err := e.tokens.Transfer(sctx, inAsset, trader, e.addr, inAmt); err != nil {
			return fmt.Errorf("exchange: pay input: %w", err)
		}
		if err := e.tokens.Transfer(sctx, outAsset, e.addr, trader, outAmt); err != nil {
			return fmt.Errorf("exchange: pay output: %w", err)
		}
		result.AmountIn, result.AmountOut = inAmt, outAmt
		return nil
	}, commit, rollback)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("swap executed",
		"venue", key.ID().Hex(),
		"trader", trader.Hex(),
		"amount_in", result.AmountIn.String(),
		"amount_out", result.AmountOut.String(),
	)
	return result, nil
}

// run executes fn inside a fresh session and rolls back claims and token
// balances if fn fails or leaves a delta unsettled. onCommit or onRollback,
// if set, runs once the outcome is known and before the session lock is
// released.
func (e *Exchange) run(ctx context.Context, fn func(ctx context.Context) error, onCommit, onRollback func(ctx context.Context)) error {
	e.sessions.Lock()
	defer e.sessions.Unlock()

	restore := e.snapshot()
	s := &session{deltas: make(map[accountKey]*big.Int)}
	sctx := types.WithCaller(context.WithValue(ctx, sessionKey{}, s), e.addr)

	err := fn(sctx)
	if err == nil {
		if k, d, ok := s.unsettled(); ok {
			err = fmt.Errorf("%w: account %s asset %s delta %s", exchange.ErrDeltaNotSettled, k.account.Hex(), k.asset.Hex(), d)
		}
	}
	if err != nil {
		restore()
		if onRollback != nil {
			onRollback(types.WithCaller(ctx, e.addr))
		}
		e.logger.Debug("session rolled back", "error", err)
		return err
	}
	if onCommit != nil {
		onCommit(types.WithCaller(ctx, e.addr))
	}
	return nil
}

func (e *Exchange) snapshot() func() {
	e.mu.RLock()
	claims := maps.Clone(e.claims)
	e.mu.RUnlock()

	restoreTokens := func() {}
	if snap, ok := e.tokens.(token.Snapshotter); ok {
		restoreTokens = snap.Snapshot()
	}

	return func() {
		e.mu.Lock()
		e.claims = claims
		e.mu.Unlock()
		restoreTokens()
	}
}

// begin validates a delta operation and returns the active session.
func (e *Exchange) begin(ctx context.Context, amount *big.Int) (*session, types.Amount, error) {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		return nil, types.Amount{}, exchange.ErrNotUnlocked
	}
	if amount == nil || amount.Sign() <= 0 || !types.FitsInt128(amount) {
		return nil, types.Amount{}, fmt.Errorf("%w: %v", exchange.ErrInvalidAmount, amount)
	}
	a, _ := types.AmountFromBig(amount)
	return s, a, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
