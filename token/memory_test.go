package token_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	l := token.NewMemory()
	if err := l.Mint(usdc, alice, types.NewAmount(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := l.Transfer(ctx, usdc, alice, bob, types.NewAmount(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	a, _ := l.BalanceOf(ctx, usdc, alice)
	b, _ := l.BalanceOf(ctx, usdc, bob)
	if !a.Eq(types.NewAmount(60)) || !b.Eq(types.NewAmount(40)) {
		t.Errorf("balances: alice=%s bob=%s", a, b)
	}

	err := l.Transfer(ctx, usdc, bob, alice, types.NewAmount(41))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestTransferFrom(t *testing.T) {
	ctx := context.Background()
	l := token.NewMemory()
	_ = l.Mint(usdc, alice, types.NewAmount(100))

	tests := []struct {
		name    string
		approve uint64
		pull    uint64
		wantErr error
	}{
		{"no allowance", 0, 10, token.ErrInsufficientAllowance},
		{"exact allowance", 10, 10, nil},
		{"allowance above balance", 1000, 500, token.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.Approve(ctx, usdc, alice, bob, types.NewAmount(tt.approve)); err != nil {
				t.Fatalf("approve: %v", err)
			}
			err := l.TransferFrom(ctx, usdc, bob, alice, bob, types.NewAmount(tt.pull))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				left, _ := l.Allowance(ctx, usdc, alice, bob)
				if !left.IsZero() {
					t.Errorf("allowance not consumed: %s", left)
				}
			}
		})
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	l := token.NewMemory()
	_ = l.Mint(usdc, alice, types.NewAmount(100))

	restore := l.Snapshot()
	_ = l.Transfer(ctx, usdc, alice, bob, types.NewAmount(100))
	restore()

	a, _ := l.BalanceOf(ctx, usdc, alice)
	b, _ := l.BalanceOf(ctx, usdc, bob)
	if !a.Eq(types.NewAmount(100)) || !b.IsZero() {
		t.Errorf("after restore: alice=%s bob=%s", a, b)
	}
}
