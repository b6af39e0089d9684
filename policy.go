package tithe

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
)

const (
	// MaxRateBps caps every global and per-venue rate (5%).
	MaxRateBps uint16 = 500

	// BpsDenominator is the basis-point scale.
	BpsDenominator = 10_000
)

// FeePolicy is the fee configuration of an Engine. Every rate it holds is
// at most MaxRateBps; a zero override means the venue uses the global rate.
type FeePolicy struct {
	Owner         types.Address            `json:"owner"`
	GlobalRateBps uint16                   `json:"global_rate_bps"`
	Overrides     map[types.VenueID]uint16 `json:"overrides,omitempty"`
	Paused        bool                     `json:"paused"`
	DustThreshold types.Amount             `json:"dust_threshold"`
}

// Validate checks the rate cap and the owner.
func (p FeePolicy) Validate() error {
	if p.Owner == types.ZeroAddress {
		return fmt.Errorf("%w: zero owner", ErrInvalidAddress)
	}
	if err := checkRate(p.GlobalRateBps); err != nil {
		return err
	}
	for venue, bps := range p.Overrides {
		if err := checkRate(bps); err != nil {
			return fmt.Errorf("venue %s: %w", venue.Hex(), err)
		}
	}
	return nil
}

// EffectiveRate returns the venue override if set, else the global rate.
func (p FeePolicy) EffectiveRate(venue types.VenueID) uint16 {
	if bps := p.Overrides[venue]; bps != 0 {
		return bps
	}
	return p.GlobalRateBps
}

// Clone returns a deep copy.
func (p FeePolicy) Clone() FeePolicy {
	p.Overrides = maps.Clone(p.Overrides)
	if p.Overrides == nil {
		p.Overrides = make(map[types.VenueID]uint16)
	}
	return p
}

// CalculateFeeAt returns floor(amount * bps / 10000). It fails with
// ErrInvalidRate when bps exceeds MaxRateBps. Any uint256 amount is exact.
func CalculateFeeAt(amount types.Amount, bps uint16) (types.Amount, error) {
	if err := checkRate(bps); err != nil {
		return types.Amount{}, err
	}
	fee, overflow := amount.MulDiv(types.NewAmount(uint64(bps)), types.NewAmount(BpsDenominator))
	if overflow {
		return types.Amount{}, fmt.Errorf("%w: fee of %s at %d bps", ErrNumericOverflow, amount, bps)
	}
	return fee, nil
}

func checkRate(bps uint16) error {
	if bps > MaxRateBps {
		return fmt.Errorf("%w: %d bps > %d bps", ErrInvalidRate, bps, MaxRateBps)
	}
	return nil
}

func formatBps(bps uint16) string {
	return strconv.FormatUint(uint64(bps), 10)
}

// toConfig renders the policy and sink address for the store.
func (p FeePolicy) toConfig(engine, sink types.Address) *policy.Config {
	return &policy.Config{
		Engine:        engine,
		Owner:         p.Owner,
		GlobalRateBps: p.GlobalRateBps,
		Overrides:     maps.Clone(p.Overrides),
		Paused:        p.Paused,
		DustThreshold: p.DustThreshold,
		FeeSink:       sink,
	}
}

func policyFromConfig(c *policy.Config) FeePolicy {
	return FeePolicy{
		Owner:         c.Owner,
		GlobalRateBps: c.GlobalRateBps,
		Overrides:     maps.Clone(c.Overrides),
		Paused:        c.Paused,
		DustThreshold: c.DustThreshold,
	}.Clone()
}
