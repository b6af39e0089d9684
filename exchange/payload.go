package exchange

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe/types"
)

// Settlement is the payload carried through Unlock to the settlement
// callback.
type Settlement struct {
	Venue  types.VenueID
	Asset  types.AssetID
	Amount types.Amount
}

var settlementArgs = abi.Arguments{
	{Type: mustType("bytes32")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
}

// EncodeSettlement ABI-encodes (venue, asset, amount).
func EncodeSettlement(s Settlement) ([]byte, error) {
	data, err := settlementArgs.Pack([32]byte(s.Venue), s.Asset, s.Amount.Big())
	if err != nil {
		return nil, fmt.Errorf("exchange: encode settlement: %w", err)
	}
	return data, nil
}

// DecodeSettlement is the inverse of EncodeSettlement.
func DecodeSettlement(data []byte) (Settlement, error) {
	vals, err := settlementArgs.Unpack(data)
	if err != nil {
		return Settlement{}, fmt.Errorf("exchange: decode settlement: %w", err)
	}
	if len(vals) != 3 {
		return Settlement{}, fmt.Errorf("exchange: decode settlement: got %d values", len(vals))
	}

	venue, ok0 := vals[0].([32]byte)
	asset, ok1 := vals[1].(common.Address)
	amount, ok2 := vals[2].(*big.Int)
	if !ok0 || !ok1 || !ok2 {
		return Settlement{}, fmt.Errorf("exchange: decode settlement: unexpected value types %T, %T, %T", vals[0], vals[1], vals[2])
	}

	a, ok := types.AmountFromBig(amount)
	if !ok {
		return Settlement{}, fmt.Errorf("exchange: decode settlement: amount out of range")
	}
	return Settlement{Venue: common.Hash(venue), Asset: asset, Amount: a}, nil
}
