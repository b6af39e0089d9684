package exchange

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xraph/tithe/types"
)

// VenueKey identifies a trading venue. Asset0 sorts below Asset1.
type VenueKey struct {
	Asset0      types.AssetID `json:"asset0"`
	Asset1      types.AssetID `json:"asset1"`
	Fee         uint32        `json:"fee"`
	TickSpacing int32         `json:"tick_spacing"`
	Hooks       types.Address `json:"hooks"`
}

var venueKeyArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint24")},
	{Type: mustType("int24")},
	{Type: mustType("address")},
}

// Validate checks asset ordering and field widths.
func (k VenueKey) Validate() error {
	if k.Asset0.Cmp(k.Asset1) >= 0 {
		return fmt.Errorf("exchange: venue assets not sorted: %s >= %s", k.Asset0.Hex(), k.Asset1.Hex())
	}
	if k.Fee >= 1<<24 {
		return fmt.Errorf("exchange: venue fee %d exceeds uint24", k.Fee)
	}
	if k.TickSpacing <= 0 || k.TickSpacing >= 1<<23 {
		return fmt.Errorf("exchange: tick spacing %d out of range", k.TickSpacing)
	}
	return nil
}

// ID returns keccak256(abi.encode(asset0, asset1, fee, tickSpacing, hooks)).
// The key must be valid.
func (k VenueKey) ID() types.VenueID {
	packed, err := venueKeyArgs.Pack(
		k.Asset0,
		k.Asset1,
		big.NewInt(int64(k.Fee)),
		big.NewInt(int64(k.TickSpacing)),
		k.Hooks,
	)
	if err != nil {
		panic(fmt.Sprintf("exchange: encode venue key: %v", err))
	}
	return crypto.Keccak256Hash(packed)
}

// Has reports whether asset is one of the venue's two legs.
func (k VenueKey) Has(asset types.AssetID) bool {
	return asset == k.Asset0 || asset == k.Asset1
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
