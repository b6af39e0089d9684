// Package token describes the asset ledger Tithe moves real balances on.
//
// Every call names the account it acts for explicitly; authentication of
// that account is the ledger's concern, not the caller's.
package token

import (
	"context"
	"errors"

	"github.com/xraph/tithe/types"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrOverflow              = errors.New("token: balance overflow")
)

// Ledger holds fungible balances of many assets.
type Ledger interface {
	BalanceOf(ctx context.Context, asset types.AssetID, owner types.Address) (types.Amount, error)
	Transfer(ctx context.Context, asset types.AssetID, from, to types.Address, amount types.Amount) error
	Approve(ctx context.Context, asset types.AssetID, owner, spender types.Address, amount types.Amount) error
	Allowance(ctx context.Context, asset types.AssetID, owner, spender types.Address) (types.Amount, error)
	TransferFrom(ctx context.Context, asset types.AssetID, spender, from, to types.Address, amount types.Amount) error
}

// Snapshotter is implemented by ledgers that can roll back to an earlier
// state. The returned restore func discards every change made after the
// snapshot was taken.
type Snapshotter interface {
	Snapshot() (restore func())
}
