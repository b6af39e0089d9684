package pending

import (
	"context"

	"github.com/xraph/tithe/types"
)

type Store interface {
	// AddPending adds amount to the key and returns the new total.
	AddPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error)
	// SubPending removes up to amount from the key and returns what was
	// actually removed.
	SubPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error)
	// GetPending returns zero for keys that have never accrued.
	GetPending(ctx context.Context, key types.FeeKey) (types.Amount, error)
	// TakePending reads and zeroes the key as one atomic step.
	TakePending(ctx context.Context, key types.FeeKey) (types.Amount, error)
	// ListPending returns the nonzero entries denominated in asset.
	ListPending(ctx context.Context, asset types.AssetID) ([]*Entry, error)
}
