package donation

import (
	"context"

	"github.com/xraph/tithe/types"
)

type Store interface {
	GetVaultState(ctx context.Context, vault types.Address) (*VaultState, error)
	SaveVaultState(ctx context.Context, s *VaultState) error
	GetShareBalance(ctx context.Context, vault, holder types.Address) (types.Amount, error)
	SetShareBalance(ctx context.Context, vault, holder types.Address, shares types.Amount) error
	CreateDonation(ctx context.Context, r *Record) error
	ListDonations(ctx context.Context, vault types.Address, opts ListOpts) ([]*Record, error)
}

type ListOpts struct {
	Beneficiary types.Address
	Limit       int
	Offset      int
}
