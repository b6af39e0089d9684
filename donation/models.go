package donation

import (
	"time"

	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/types"
)

// VaultState is the persistent accounting of a donation vault. TotalDonated
// only ever grows.
type VaultState struct {
	Vault           types.Address `json:"vault"`
	Asset           types.AssetID `json:"asset"`
	DonationAddress types.Address `json:"donation_address"`
	TotalDonated    types.Amount  `json:"total_donated"`
	TotalShares     types.Amount  `json:"total_shares"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Record is written for every deposit. Beneficiary is always the donation
// address at the time of the deposit; Tag is bookkeeping only.
type Record struct {
	ID          id.DonationID `json:"id"`
	Vault       types.Address `json:"vault"`
	Depositor   types.Address `json:"depositor"`
	Tag         types.Address `json:"tag"`
	Beneficiary types.Address `json:"beneficiary"`
	Assets      types.Amount  `json:"assets"`
	Shares      types.Amount  `json:"shares"`
	CreatedAt   time.Time     `json:"created_at"`
}
