package exchange_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe/exchange"
	"github.com/xraph/tithe/types"
)

var (
	weth = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	usdc = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	hook = common.HexToAddress("0x0000000000000000000000000000000000000f00")
)

func TestSpecifiedAsset(t *testing.T) {
	key := exchange.VenueKey{Asset0: weth, Asset1: usdc, Fee: 3000, TickSpacing: 60, Hooks: hook}

	tests := []struct {
		name       string
		zeroForOne bool
		specified  int64
		want       types.AssetID
	}{
		{"exact input 0->1 charges asset0", true, -100, weth},
		{"exact input 1->0 charges asset1", false, -100, usdc},
		{"exact output 0->1 charges asset1", true, 100, usdc},
		{"exact output 1->0 charges asset0", false, 100, weth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := exchange.TradeParams{ZeroForOne: tt.zeroForOne, AmountSpecified: big.NewInt(tt.specified)}
			if got := p.SpecifiedAsset(key); got != tt.want {
				t.Errorf("got %s, want %s", got.Hex(), tt.want.Hex())
			}
		})
	}
}

func TestVenueKeyID(t *testing.T) {
	a := exchange.VenueKey{Asset0: weth, Asset1: usdc, Fee: 3000, TickSpacing: 60, Hooks: hook}
	b := a
	b.Fee = 500

	if a.ID() != a.ID() {
		t.Error("ID must be deterministic")
	}
	if a.ID() == b.ID() {
		t.Error("different fee tiers must not share an ID")
	}
	if err := a.Validate(); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}

	swapped := exchange.VenueKey{Asset0: usdc, Asset1: weth, Fee: 3000, TickSpacing: 60}
	if err := swapped.Validate(); err == nil {
		t.Error("unsorted key accepted")
	}
}

func TestSettlementPayload(t *testing.T) {
	in := exchange.Settlement{
		Venue:  common.HexToHash("0xdeadbeef"),
		Asset:  usdc,
		Amount: types.MustParseAmount("1000000000000000"),
	}

	data, err := exchange.EncodeSettlement(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 96 {
		t.Errorf("expected 3 ABI words, got %d bytes", len(data))
	}

	out, err := exchange.DecodeSettlement(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Venue != in.Venue || out.Asset != in.Asset || !out.Amount.Eq(in.Amount) {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if _, err := exchange.DecodeSettlement(data[:64]); err == nil {
		t.Error("expected error for truncated payload")
	}
}
