package tithe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
)

// change is one validated governance mutation applied to a copy of the
// engine state.
type change struct {
	kind  policy.ChangeKind
	venue types.VenueID
	apply func(p *FeePolicy, sink *FeeSink) (oldVal, newVal string, err error)
}

// govern checks that the context caller owns the engine, applies c to a
// copy of the state, persists it and only then swaps it in. A rejected or
// unpersisted change leaves the state untouched.
func (e *Engine) govern(ctx context.Context, c change) error {
	actor := types.CallerFrom(ctx)

	e.mu.Lock()
	if actor != e.policy.Owner {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, actor.Hex())
	}

	next := e.policy.Clone()
	sink := e.sink
	oldVal, newVal, err := c.apply(&next, &sink)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.store.SavePolicy(ctx, next.toConfig(e.address, sink.Address())); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("tithe: persist policy: %w", err)
	}
	e.policy = next
	e.sink = sink
	e.mu.Unlock()

	rec := &policy.Change{
		ID:        id.NewChangeID(),
		Engine:    e.address,
		Actor:     actor,
		Kind:      c.kind,
		Venue:     c.venue,
		Old:       oldVal,
		New:       newVal,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreatePolicyChange(ctx, rec); err != nil {
		e.logger.Warn("store policy change failed", "kind", c.kind, "error", err)
	}
	e.plugins.EmitPolicyChanged(ctx, rec)

	e.logger.Info("policy changed",
		"kind", c.kind,
		"actor", actor.Hex(),
		"old", oldVal,
		"new", newVal,
	)
	return nil
}

// SetGlobalRate sets the global rate. Fails with ErrInvalidRate above
// MaxRateBps.
func (e *Engine) SetGlobalRate(ctx context.Context, bps uint16) error {
	return e.govern(ctx, change{
		kind: policy.ChangeGlobalRate,
		apply: func(p *FeePolicy, _ *FeeSink) (string, string, error) {
			if err := checkRate(bps); err != nil {
				return "", "", err
			}
			old := p.GlobalRateBps
			p.GlobalRateBps = bps
			return formatBps(old), formatBps(bps), nil
		},
	})
}

// SetPaused pauses or resumes accrual. Settlement is unaffected.
func (e *Engine) SetPaused(ctx context.Context, paused bool) error {
	return e.govern(ctx, change{
		kind: policy.ChangePaused,
		apply: func(p *FeePolicy, _ *FeeSink) (string, string, error) {
			old := p.Paused
			p.Paused = paused
			return strconv.FormatBool(old), strconv.FormatBool(paused), nil
		},
	})
}

// SetVenueRateOverride sets the rate of one venue. Zero clears the
// override.
func (e *Engine) SetVenueRateOverride(ctx context.Context, venue types.VenueID, bps uint16) error {
	return e.govern(ctx, change{
		kind:  policy.ChangeVenueOverride,
		venue: venue,
		apply: func(p *FeePolicy, _ *FeeSink) (string, string, error) {
			if err := checkRate(bps); err != nil {
				return "", "", err
			}
			old := p.Overrides[venue]
			if bps == 0 {
				delete(p.Overrides, venue)
			} else {
				p.Overrides[venue] = bps
			}
			return formatBps(old), formatBps(bps), nil
		},
	})
}

// SetDustThreshold sets the minimum fee worth accruing.
func (e *Engine) SetDustThreshold(ctx context.Context, amount types.Amount) error {
	return e.govern(ctx, change{
		kind: policy.ChangeDustThreshold,
		apply: func(p *FeePolicy, _ *FeeSink) (string, string, error) {
			old := p.DustThreshold
			p.DustThreshold = amount
			return old.String(), amount.String(), nil
		},
	})
}

// SetFeeSink replaces the fee sink. The new sink must hold the same asset.
func (e *Engine) SetFeeSink(ctx context.Context, next FeeSink) error {
	return e.govern(ctx, change{
		kind: policy.ChangeFeeSink,
		apply: func(_ *FeePolicy, sink *FeeSink) (string, string, error) {
			if next == nil || next.Address() == types.ZeroAddress {
				return "", "", fmt.Errorf("%w: zero fee sink", ErrInvalidAddress)
			}
			if next.Asset() != (*sink).Asset() {
				return "", "", fmt.Errorf("%w: sink asset %s, engine asset %s", ErrCurrencyMismatch, next.Asset().Hex(), (*sink).Asset().Hex())
			}
			old := (*sink).Address()
			*sink = next
			return old.Hex(), next.Address().Hex(), nil
		},
	})
}

// TransferOwnership hands governance to newOwner.
func (e *Engine) TransferOwnership(ctx context.Context, newOwner types.Address) error {
	return e.govern(ctx, change{
		kind: policy.ChangeOwner,
		apply: func(p *FeePolicy, _ *FeeSink) (string, string, error) {
			if newOwner == types.ZeroAddress {
				return "", "", fmt.Errorf("%w: zero owner", ErrInvalidAddress)
			}
			old := p.Owner
			p.Owner = newOwner
			return old.Hex(), newOwner.Hex(), nil
		},
	})
}
