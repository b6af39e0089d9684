package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Address identifies an account: a trader, the engine, a vault or a governor.
type Address = common.Address

// AssetID identifies a fungible asset by its token address.
type AssetID = common.Address

// VenueID identifies a trading venue (pool) by the keccak256 hash of its key.
type VenueID = common.Hash

// ZeroAddress is the zero account, never a valid beneficiary.
var ZeroAddress = common.Address{}

// ParseAddress parses a 0x-prefixed 20-byte hex address.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return Address{}, fmt.Errorf("address: parse %q: not a hex address", s)
	}
	return common.HexToAddress(s), nil
}

// ParseVenueID parses a 0x-prefixed 32-byte hex venue identifier.
func ParseVenueID(s string) (VenueID, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return VenueID{}, fmt.Errorf("venue: parse %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return VenueID{}, fmt.Errorf("venue: parse %q: want %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// FeeKey is the (venue, asset) key of the pending and collected fee books.
type FeeKey struct {
	Venue VenueID `json:"venue"`
	Asset AssetID `json:"asset"`
}

// String returns "venue/asset" in hex.
func (k FeeKey) String() string {
	return k.Venue.Hex() + "/" + k.Asset.Hex()
}
