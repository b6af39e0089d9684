package tithe

import (
	"context"

	"github.com/xraph/tithe/types"
)

// FeeSink receives settled fees. The engine approves the sink for the exact
// amount and then calls Deposit acting as itself.
type FeeSink interface {
	Address() types.Address
	Asset() types.AssetID
	// Deposit pulls assets from the context caller and returns the shares
	// minted. depositorTag is bookkeeping only.
	Deposit(ctx context.Context, assets types.Amount, depositorTag types.Address) (types.Amount, error)
	Stats(ctx context.Context) (*VaultStats, error)
}

// VaultStats is the read model of a fee sink.
type VaultStats struct {
	Vault           types.Address `json:"vault"`
	Asset           types.AssetID `json:"asset"`
	DonationAddress types.Address `json:"donation_address"`
	TotalDonated    types.Amount  `json:"total_donated"`
	TotalShares     types.Amount  `json:"total_shares"`
	TotalAssets     types.Amount  `json:"total_assets"`
}
