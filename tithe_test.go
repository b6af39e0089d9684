package tithe_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/exchange"
	exmem "github.com/xraph/tithe/exchange/memory"
	"github.com/xraph/tithe/policy"
	memstore "github.com/xraph/tithe/store/memory"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/vault"
)

var (
	exchangeAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	engineAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	trader       = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	stranger     = common.HexToAddress("0x00000000000000000000000000000000000000b9")
	charity      = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	gov          = common.HexToAddress("0x00000000000000000000000000000000000000d9")
	weth         = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	usdc         = common.HexToAddress("0x0000000000000000000000000000000000000a02")
)

// hookedSink wraps a vault so tests can interfere with the deposit made
// from inside the settlement callback.
type hookedSink struct {
	*vault.Vault
	before func(ctx context.Context) error
}

func (s *hookedSink) Deposit(ctx context.Context, assets types.Amount, tag types.Address) (types.Amount, error) {
	if s.before != nil {
		if err := s.before(ctx); err != nil {
			return types.Amount{}, err
		}
	}
	return s.Vault.Deposit(ctx, assets, tag)
}

type failures struct {
	mu   sync.Mutex
	keys []types.FeeKey
}

func (f *failures) Name() string { return "failures" }

func (f *failures) OnSettlementFailed(_ context.Context, key types.FeeKey, _ types.Amount, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

type harness struct {
	ctx    context.Context
	engine *tithe.Engine
	ex     *exmem.Exchange
	tokens *token.Memory
	store  *memstore.Store
	vault  *vault.Vault
	sink   *hookedSink
	fails  *failures
}

func newHarness(t *testing.T, opts ...tithe.Option) *harness {
	t.Helper()
	ctx := context.Background()
	tokens := token.NewMemory()
	store := memstore.New()

	v, err := vault.New(store, tokens, vault.Config{
		Address:         vaultAddr,
		Asset:           usdc,
		DonationAddress: charity,
		Governance:      gov,
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	sink := &hookedSink{Vault: v}
	fails := &failures{}

	ex := exmem.New(exchangeAddr, tokens)
	base := []tithe.Option{
		tithe.WithOwner(owner),
		tithe.WithFeeSink(sink),
		tithe.WithGlobalRate(10),
		tithe.WithPlugin(fails),
	}
	engine, err := tithe.New(store, ex, tokens, engineAddr, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	liquidity := types.Pow10(24)
	for _, asset := range []types.AssetID{weth, usdc} {
		if err := tokens.Mint(asset, exchangeAddr, liquidity); err != nil {
			t.Fatalf("mint liquidity: %v", err)
		}
		if err := tokens.Mint(asset, trader, liquidity); err != nil {
			t.Fatalf("mint trader: %v", err)
		}
	}

	return &harness{ctx: ctx, engine: engine, ex: ex, tokens: tokens, store: store, vault: v, sink: sink, fails: fails}
}

// venue initializes a venue with the engine as its hook. fee distinguishes
// venues over the same pair.
func (h *harness) venue(t *testing.T, fee uint32) exchange.VenueKey {
	t.Helper()
	key := exchange.VenueKey{Asset0: weth, Asset1: usdc, Fee: fee, TickSpacing: 60, Hooks: engineAddr}
	if _, err := h.ex.Initialize(key, h.engine); err != nil {
		t.Fatalf("initialize venue: %v", err)
	}
	return key
}

// buyWETH sells exactly amount of USDC, so the specified leg is USDC.
func (h *harness) buyWETH(t *testing.T, key exchange.VenueKey, amount *big.Int) *exmem.SwapResult {
	t.Helper()
	res, err := h.ex.Swap(types.WithCaller(h.ctx, trader), key, exchange.TradeParams{
		ZeroForOne:      false,
		AmountSpecified: new(big.Int).Neg(amount),
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	return res
}

func (h *harness) pending(t *testing.T, key exchange.VenueKey) types.Amount {
	t.Helper()
	p, err := h.engine.GetPendingFee(h.ctx, key.ID(), usdc)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return p
}

func asOwner() context.Context { return types.WithCaller(context.Background(), owner) }

func TestCalculateFeeAt(t *testing.T) {
	huge := types.MaxAmount()
	tests := []struct {
		amount types.Amount
		bps    uint16
	}{
		{types.NewAmount(0), 10},
		{types.NewAmount(9_999), 1},
		{types.NewAmount(10_000), 1},
		{types.NewAmount(123_456_789), 10},
		{types.Pow10(18), 10},
		{types.Pow10(18), 500},
		{types.Pow10(18), 0},
		{huge, 500},
	}

	for _, tt := range tests {
		t.Run(tt.amount.String()+"@"+formatUint(tt.bps), func(t *testing.T) {
			got, err := tithe.CalculateFeeAt(tt.amount, tt.bps)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := new(big.Int).Mul(tt.amount.Big(), big.NewInt(int64(tt.bps)))
			want.Quo(want, big.NewInt(tithe.BpsDenominator))
			if got.Big().Cmp(want) != 0 {
				t.Errorf("fee = %s, want %s", got, want)
			}
		})
	}

	if _, err := tithe.CalculateFeeAt(types.NewAmount(1), 501); !errors.Is(err, tithe.ErrInvalidRate) {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}
}

func formatUint(v uint16) string { return big.NewInt(int64(v)).String() }

func TestAccrueAndSettle(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)
	oneEther := types.Pow10(18)
	wantFee := types.Pow10(15)

	res := h.buyWETH(t, key, oneEther.Big())
	if !res.AmountIn.Eq(oneEther) {
		t.Errorf("amount in = %s", res.AmountIn)
	}
	if want, _ := oneEther.Sub(wantFee); !res.AmountOut.Eq(want) {
		t.Errorf("amount out = %s, want %s", res.AmountOut, want)
	}
	if p := h.pending(t, key); !p.Eq(wantFee) {
		t.Fatalf("pending = %s, want %s", p, wantFee)
	}
	claim, _ := h.ex.ClaimBalance(h.ctx, engineAddr, usdc)
	if !claim.Eq(wantFee) {
		t.Errorf("claim = %s, want %s", claim, wantFee)
	}

	recs, err := h.engine.ListAccruals(h.ctx, accrual.ListOpts{Venue: key.ID()})
	if err != nil {
		t.Fatalf("list accruals: %v", err)
	}
	if len(recs) != 1 || !recs[0].Fee.Eq(wantFee) || recs[0].Initiator != trader || !recs[0].ExactInput {
		t.Errorf("unexpected accrual records: %+v", recs)
	}

	if err := h.engine.Settle(types.WithCaller(h.ctx, stranger), key.ID(), usdc); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if p := h.pending(t, key); !p.IsZero() {
		t.Errorf("pending after settle = %s", p)
	}
	lifetime, trades, err := h.engine.GetStats(h.ctx, key.ID(), usdc)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !lifetime.Eq(wantFee) || trades != 1 {
		t.Errorf("stats = (%s, %d), want (%s, 1)", lifetime, trades, wantFee)
	}

	vs, err := h.engine.GetVaultStats(h.ctx)
	if err != nil {
		t.Fatalf("vault stats: %v", err)
	}
	if !vs.TotalAssets.Eq(wantFee) || !vs.TotalDonated.Eq(wantFee) || vs.DonationAddress != charity {
		t.Errorf("unexpected vault stats: %+v", vs)
	}
	shares, _ := h.vault.BalanceOf(h.ctx, charity)
	if !shares.Eq(wantFee) {
		t.Errorf("donation shares = %s, want %s", shares, wantFee)
	}
	for _, who := range []types.Address{stranger, engineAddr} {
		if s, _ := h.vault.BalanceOf(h.ctx, who); !s.IsZero() {
			t.Errorf("%s received %s shares", who.Hex(), s)
		}
	}
	claim, _ = h.ex.ClaimBalance(h.ctx, engineAddr, usdc)
	if !claim.IsZero() {
		t.Errorf("claim left after settle: %s", claim)
	}

	cols, err := h.engine.ListCollections(h.ctx, collection.ListOpts{Venue: key.ID()})
	if err != nil {
		t.Fatalf("list collections: %v", err)
	}
	if len(cols) != 1 || cols[0].Caller != stranger || !cols[0].Shares.Eq(wantFee) {
		t.Errorf("unexpected collection records: %+v", cols)
	}

	t.Run("second settle is a no-op", func(t *testing.T) {
		if err := h.engine.Settle(h.ctx, key.ID(), usdc); err != nil {
			t.Fatalf("settle: %v", err)
		}
		again, _, _ := h.engine.GetStats(h.ctx, key.ID(), usdc)
		if !again.Eq(wantFee) {
			t.Errorf("lifetime changed to %s", again)
		}
		vs2, _ := h.engine.GetVaultStats(h.ctx)
		if !vs2.TotalShares.Eq(vs.TotalShares) {
			t.Errorf("shares changed: %s -> %s", vs.TotalShares, vs2.TotalShares)
		}
	})
}

func TestExactOutputChargesSpecifiedLeg(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)

	// Buy exactly 1e6 USDC with WETH; the trader receives the fee less.
	res, err := h.ex.Swap(types.WithCaller(h.ctx, trader), key, exchange.TradeParams{
		ZeroForOne:      true,
		AmountSpecified: big.NewInt(1_000_000),
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !res.AmountOut.Eq(types.NewAmount(999_000)) || !res.AmountIn.Eq(types.NewAmount(1_000_000)) {
		t.Errorf("in=%s out=%s, want in=1000000 out=999000", res.AmountIn, res.AmountOut)
	}
	if p := h.pending(t, key); !p.Eq(types.NewAmount(1_000)) {
		t.Errorf("pending = %s, want 1000", p)
	}
}

func TestNonSinkAssetNotCharged(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)

	// Sell exactly 1e6 WETH: the specified leg is not the sink asset.
	res, err := h.ex.Swap(types.WithCaller(h.ctx, trader), key, exchange.TradeParams{
		ZeroForOne:      true,
		AmountSpecified: big.NewInt(-1_000_000),
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !res.AmountOut.Eq(types.NewAmount(1_000_000)) {
		t.Errorf("trade was charged: out=%s", res.AmountOut)
	}
	p, _ := h.engine.GetPendingFee(h.ctx, key.ID(), weth)
	if !p.IsZero() {
		t.Errorf("pending weth = %s", p)
	}
}

func TestAccrualGuards(t *testing.T) {
	amount := big.NewInt(1_000_000)

	t.Run("paused", func(t *testing.T) {
		h := newHarness(t)
		key := h.venue(t, 3000)
		h.buyWETH(t, key, amount)
		before := h.pending(t, key)

		if err := h.engine.SetPaused(asOwner(), true); err != nil {
			t.Fatalf("pause: %v", err)
		}
		res := h.buyWETH(t, key, amount)
		if !res.AmountOut.Eq(types.NewAmount(1_000_000)) {
			t.Errorf("paused trade charged: out=%s", res.AmountOut)
		}
		if after := h.pending(t, key); !after.Eq(before) {
			t.Errorf("pending moved while paused: %s -> %s", before, after)
		}
	})

	t.Run("dust", func(t *testing.T) {
		h := newHarness(t, tithe.WithDustThreshold(types.NewAmount(2_000)))
		key := h.venue(t, 3000)
		h.buyWETH(t, key, amount) // fee 1000 < 2000
		if p := h.pending(t, key); !p.IsZero() {
			t.Errorf("dust fee booked: %s", p)
		}
		h.buyWETH(t, key, big.NewInt(2_000_000)) // fee 2000 == threshold
		if p := h.pending(t, key); !p.Eq(types.NewAmount(2_000)) {
			t.Errorf("pending = %s, want 2000", p)
		}
	})

	t.Run("zero rate", func(t *testing.T) {
		h := newHarness(t, tithe.WithGlobalRate(0))
		key := h.venue(t, 3000)
		h.buyWETH(t, key, amount)
		if p := h.pending(t, key); !p.IsZero() {
			t.Errorf("pending = %s at zero rate", p)
		}
	})

	t.Run("venue override", func(t *testing.T) {
		h := newHarness(t)
		key := h.venue(t, 3000)
		other := h.venue(t, 500)

		if err := h.engine.SetVenueRateOverride(asOwner(), key.ID(), 30); err != nil {
			t.Fatalf("override: %v", err)
		}
		if got := h.engine.GetEffectiveRate(key.ID()); got != 30 {
			t.Errorf("effective rate = %d, want 30", got)
		}
		if got := h.engine.GetEffectiveRate(other.ID()); got != 10 {
			t.Errorf("other venue rate = %d, want 10", got)
		}

		h.buyWETH(t, key, amount)
		h.buyWETH(t, other, amount)
		if p := h.pending(t, key); !p.Eq(types.NewAmount(3_000)) {
			t.Errorf("override venue pending = %s, want 3000", p)
		}
		if p := h.pending(t, other); !p.Eq(types.NewAmount(1_000)) {
			t.Errorf("global venue pending = %s, want 1000", p)
		}

		if err := h.engine.SetVenueRateOverride(asOwner(), key.ID(), 0); err != nil {
			t.Fatalf("clear override: %v", err)
		}
		if got := h.engine.GetEffectiveRate(key.ID()); got != 10 {
			t.Errorf("cleared override rate = %d, want 10", got)
		}
	})

	t.Run("fees merge per key", func(t *testing.T) {
		h := newHarness(t)
		key := h.venue(t, 3000)
		for range 3 {
			h.buyWETH(t, key, amount)
		}
		if p := h.pending(t, key); !p.Eq(types.NewAmount(3_000)) {
			t.Errorf("pending = %s, want 3000", p)
		}
		_, trades, _ := h.engine.GetStats(h.ctx, key.ID(), usdc)
		if trades != 3 {
			t.Errorf("trade count = %d, want 3", trades)
		}
	})
}

type accrued struct {
	mu   sync.Mutex
	recs []*accrual.Record
}

func (a *accrued) Name() string { return "accrued" }

func (a *accrued) OnFeeAccrued(_ context.Context, r *accrual.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, r)
	return nil
}

func (a *accrued) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs)
}

func TestRevertedTradeLeavesNoTrace(t *testing.T) {
	events := &accrued{}
	h := newHarness(t, tithe.WithPlugin(events))
	key := h.venue(t, 3000)

	// stranger holds no USDC, so paying the input fails after the hook ran.
	_, err := h.ex.Swap(types.WithCaller(h.ctx, stranger), key, exchange.TradeParams{
		ZeroForOne:      false,
		AmountSpecified: big.NewInt(-1_000_000),
	})
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("swap: expected ErrInsufficientBalance, got %v", err)
	}

	if p := h.pending(t, key); !p.IsZero() {
		t.Errorf("pending after revert = %s", p)
	}
	if _, trades, _ := h.engine.GetStats(h.ctx, key.ID(), usdc); trades != 0 {
		t.Errorf("trade count after revert = %d, want 0", trades)
	}
	recs, err := h.engine.ListAccruals(h.ctx, accrual.ListOpts{Venue: key.ID()})
	if err != nil {
		t.Fatalf("list accruals: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("accrual records after revert = %d, want 0", len(recs))
	}
	if n := events.count(); n != 0 {
		t.Errorf("fee accrued events after revert = %d, want 0", n)
	}
	if claim, _ := h.ex.ClaimBalance(h.ctx, engineAddr, usdc); !claim.IsZero() {
		t.Errorf("claim after revert = %s", claim)
	}

	h.buyWETH(t, key, big.NewInt(1_000_000))

	if p := h.pending(t, key); !p.Eq(types.NewAmount(1_000)) {
		t.Errorf("pending = %s, want 1000", p)
	}
	if _, trades, _ := h.engine.GetStats(h.ctx, key.ID(), usdc); trades != 1 {
		t.Errorf("trade count = %d, want 1", trades)
	}
	recs, _ = h.engine.ListAccruals(h.ctx, accrual.ListOpts{Venue: key.ID()})
	if len(recs) != 1 {
		t.Errorf("accrual records = %d, want 1", len(recs))
	}
	if n := events.count(); n != 1 {
		t.Errorf("fee accrued events = %d, want 1", n)
	}
}

func TestSettleAfterVaultInflation(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)

	h.buyWETH(t, key, big.NewInt(10_000)) // fee 10
	if err := h.engine.Settle(h.ctx, key.ID(), usdc); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	// Assets sent straight to the vault make a small deposit worth zero shares.
	if err := h.tokens.Mint(usdc, vaultAddr, types.NewAmount(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	h.buyWETH(t, key, big.NewInt(1_000_000)) // fee 1000

	if err := h.engine.Settle(h.ctx, key.ID(), usdc); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if p := h.pending(t, key); !p.IsZero() {
		t.Errorf("pending after settle = %s, want 0", p)
	}
	lifetime, _, _ := h.engine.GetStats(h.ctx, key.ID(), usdc)
	if !lifetime.Eq(types.NewAmount(1_010)) {
		t.Errorf("lifetime fees = %s, want 1010", lifetime)
	}
	vs, err := h.engine.GetVaultStats(h.ctx)
	if err != nil {
		t.Fatalf("vault stats: %v", err)
	}
	if !vs.TotalDonated.Eq(types.NewAmount(1_010)) {
		t.Errorf("total donated = %s, want 1010", vs.TotalDonated)
	}
	if !vs.TotalShares.Eq(types.NewAmount(10)) {
		t.Errorf("total shares = %s, want 10", vs.TotalShares)
	}
	if !vs.TotalAssets.Eq(types.NewAmount(1_001_010)) {
		t.Errorf("total assets = %s, want 1001010", vs.TotalAssets)
	}
	if len(h.fails.keys) != 0 {
		t.Errorf("settlement failures reported: %v", h.fails.keys)
	}
}

func TestHookCallerMustBeExchange(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)

	_, err := h.engine.BeforeTrade(types.WithCaller(h.ctx, stranger), key, exchange.TradeParams{
		AmountSpecified: big.NewInt(-1_000_000),
	})
	if !errors.Is(err, tithe.ErrUnauthorized) {
		t.Errorf("BeforeTrade: expected ErrUnauthorized, got %v", err)
	}

	data, err := exchange.EncodeSettlement(exchange.Settlement{Venue: key.ID(), Asset: usdc, Amount: types.NewAmount(1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := h.engine.UnlockCallback(types.WithCaller(h.ctx, stranger), data); !errors.Is(err, tithe.ErrUnauthorized) {
		t.Errorf("UnlockCallback: expected ErrUnauthorized, got %v", err)
	}
}

func TestReentrantSettleIsNoOp(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)
	h.buyWETH(t, key, big.NewInt(1_000_000))

	var reentered bool
	h.sink.before = func(ctx context.Context) error {
		reentered = true
		return h.engine.Settle(ctx, key.ID(), usdc)
	}

	if err := h.engine.Settle(h.ctx, key.ID(), usdc); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !reentered {
		t.Fatal("sink was not called")
	}
	lifetime, _, _ := h.engine.GetStats(h.ctx, key.ID(), usdc)
	if !lifetime.Eq(types.NewAmount(1_000)) {
		t.Errorf("lifetime = %s, want 1000", lifetime)
	}
	shares, _ := h.vault.BalanceOf(h.ctx, charity)
	if !shares.Eq(types.NewAmount(1_000)) {
		t.Errorf("shares = %s, want 1000", shares)
	}
}

func TestFailedSettlementRestoresPending(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)
	h.buyWETH(t, key, big.NewInt(1_000_000))

	boom := errors.New("vault offline")
	h.sink.before = func(context.Context) error { return boom }

	err := h.engine.Settle(h.ctx, key.ID(), usdc)
	if !errors.Is(err, boom) {
		t.Fatalf("expected vault error, got %v", err)
	}
	if p := h.pending(t, key); !p.Eq(types.NewAmount(1_000)) {
		t.Errorf("pending = %s, want 1000 restored", p)
	}
	claim, _ := h.ex.ClaimBalance(h.ctx, engineAddr, usdc)
	if !claim.Eq(types.NewAmount(1_000)) {
		t.Errorf("claim = %s, want 1000 after rollback", claim)
	}
	engineBal, _ := h.tokens.BalanceOf(h.ctx, usdc, engineAddr)
	if !engineBal.IsZero() {
		t.Errorf("engine kept %s after rollback", engineBal)
	}
	if len(h.fails.keys) != 1 || h.fails.keys[0].Venue != key.ID() {
		t.Errorf("expected one settlement failure event, got %v", h.fails.keys)
	}

	h.sink.before = nil
	if err := h.engine.Settle(h.ctx, key.ID(), usdc); err != nil {
		t.Fatalf("retry settle: %v", err)
	}
	if p := h.pending(t, key); !p.IsZero() {
		t.Errorf("pending after retry = %s", p)
	}
}

func TestSettleCurrencyMismatch(t *testing.T) {
	h := newHarness(t)
	key := h.venue(t, 3000)

	if err := h.engine.Settle(h.ctx, key.ID(), weth); err != nil {
		t.Errorf("settling an empty key should be a no-op, got %v", err)
	}

	fk := types.FeeKey{Venue: key.ID(), Asset: weth}
	if _, err := h.store.AddPending(h.ctx, fk, types.NewAmount(5)); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	if err := h.engine.Settle(h.ctx, key.ID(), weth); !errors.Is(err, tithe.ErrCurrencyMismatch) {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}
	left, _ := h.store.GetPending(h.ctx, fk)
	if !left.Eq(types.NewAmount(5)) {
		t.Errorf("rejected settle cleared pending: %s", left)
	}
}

func TestSettleMany(t *testing.T) {
	t.Run("length mismatch", func(t *testing.T) {
		h := newHarness(t)
		key := h.venue(t, 3000)
		err := h.engine.SettleMany(h.ctx, []types.VenueID{key.ID()}, nil)
		if !errors.Is(err, tithe.ErrArrayLengthMismatch) {
			t.Errorf("expected ErrArrayLengthMismatch, got %v", err)
		}
	})

	// The same trades settled as one batch and as reversed single calls
	// must end in the same state.
	type outcome struct {
		lifetime []types.Amount
		vault    *tithe.VaultStats
	}
	run := func(t *testing.T, batch bool) outcome {
		h := newHarness(t)
		keys := []exchange.VenueKey{h.venue(t, 100), h.venue(t, 500), h.venue(t, 3000)}
		for i, k := range keys {
			h.buyWETH(t, k, big.NewInt(int64(i+1)*1_000_000))
		}

		venues := make([]types.VenueID, len(keys))
		assets := make([]types.AssetID, len(keys))
		for i, k := range keys {
			venues[i], assets[i] = k.ID(), usdc
		}

		if batch {
			if err := h.engine.SettleMany(h.ctx, venues, assets); err != nil {
				t.Fatalf("settle many: %v", err)
			}
		} else {
			for i := len(venues) - 1; i >= 0; i-- {
				if err := h.engine.Settle(h.ctx, venues[i], assets[i]); err != nil {
					t.Fatalf("settle: %v", err)
				}
			}
		}

		var out outcome
		for _, k := range keys {
			if p := h.pending(t, k); !p.IsZero() {
				t.Errorf("pending left on %s: %s", k.ID().Hex(), p)
			}
			l, _, _ := h.engine.GetStats(h.ctx, k.ID(), usdc)
			out.lifetime = append(out.lifetime, l)
		}
		vs, err := h.engine.GetVaultStats(h.ctx)
		if err != nil {
			t.Fatalf("vault stats: %v", err)
		}
		out.vault = vs
		return out
	}

	batched := run(t, true)
	sequential := run(t, false)
	for i := range batched.lifetime {
		if !batched.lifetime[i].Eq(sequential.lifetime[i]) {
			t.Errorf("venue %d lifetime: batch %s, sequential %s", i, batched.lifetime[i], sequential.lifetime[i])
		}
	}
	if !batched.vault.TotalAssets.Eq(sequential.vault.TotalAssets) ||
		!batched.vault.TotalShares.Eq(sequential.vault.TotalShares) ||
		!batched.vault.TotalDonated.Eq(sequential.vault.TotalDonated) {
		t.Errorf("vault: batch %+v, sequential %+v", batched.vault, sequential.vault)
	}
	if !batched.vault.TotalDonated.Eq(types.NewAmount(6_000)) {
		t.Errorf("total donated = %s, want 6000", batched.vault.TotalDonated)
	}

	t.Run("failures are isolated", func(t *testing.T) {
		h := newHarness(t)
		good := h.venue(t, 100)
		h.buyWETH(t, good, big.NewInt(1_000_000))
		bad := types.FeeKey{Venue: good.ID(), Asset: weth}
		_, _ = h.store.AddPending(h.ctx, bad, types.NewAmount(5))

		err := h.engine.SettleMany(h.ctx, []types.VenueID{bad.Venue, good.ID()}, []types.AssetID{weth, usdc})
		var multi tithe.MultiError
		if !errors.As(err, &multi) || len(multi.Errors) != 1 {
			t.Fatalf("expected one collected error, got %v", err)
		}
		if !errors.Is(err, tithe.ErrCurrencyMismatch) {
			t.Errorf("expected ErrCurrencyMismatch in %v", err)
		}
		if p := h.pending(t, good); !p.IsZero() {
			t.Errorf("good pair not settled: %s", p)
		}
	})
}

func TestRateCap(t *testing.T) {
	venue := common.HexToHash("0x01")
	tests := []struct {
		name string
		opts []tithe.Option
	}{
		{"global", []tithe.Option{tithe.WithGlobalRate(501)}},
		{"venue", []tithe.Option{tithe.WithVenueRate(venue, 501)}},
	}
	for _, tt := range tests {
		t.Run("constructor "+tt.name, func(t *testing.T) {
			v, _ := vault.New(memstore.New(), token.NewMemory(), vault.Config{
				Address: vaultAddr, Asset: usdc, DonationAddress: charity, Governance: gov,
			})
			opts := append([]tithe.Option{tithe.WithOwner(owner), tithe.WithFeeSink(v)}, tt.opts...)
			_, err := tithe.New(memstore.New(), exmem.New(exchangeAddr, token.NewMemory()), token.NewMemory(), engineAddr, opts...)
			if !errors.Is(err, tithe.ErrInvalidRate) {
				t.Errorf("expected ErrInvalidRate, got %v", err)
			}
		})
	}

	h := newHarness(t)
	if err := h.engine.SetGlobalRate(asOwner(), 501); !errors.Is(err, tithe.ErrInvalidRate) {
		t.Errorf("setter: expected ErrInvalidRate, got %v", err)
	}
	if err := h.engine.SetVenueRateOverride(asOwner(), venue, 501); !errors.Is(err, tithe.ErrInvalidRate) {
		t.Errorf("override setter: expected ErrInvalidRate, got %v", err)
	}
	if err := h.engine.SetGlobalRate(asOwner(), 500); err != nil {
		t.Errorf("rate at cap rejected: %v", err)
	}
	if got := h.engine.CalculateFee(types.NewAmount(10_000)); !got.Eq(types.NewAmount(500)) {
		t.Errorf("fee at cap = %s, want 500", got)
	}
}

func TestNewValidation(t *testing.T) {
	v, _ := vault.New(memstore.New(), token.NewMemory(), vault.Config{
		Address: vaultAddr, Asset: usdc, DonationAddress: charity, Governance: gov,
	})
	ex := exmem.New(exchangeAddr, token.NewMemory())

	tests := []struct {
		name    string
		addr    types.Address
		opts    []tithe.Option
		wantErr error
	}{
		{"zero engine", types.ZeroAddress, []tithe.Option{tithe.WithOwner(owner), tithe.WithFeeSink(v)}, tithe.ErrInvalidAddress},
		{"zero owner", engineAddr, []tithe.Option{tithe.WithFeeSink(v)}, tithe.ErrInvalidAddress},
		{"no sink", engineAddr, []tithe.Option{tithe.WithOwner(owner)}, tithe.ErrNoFeeSink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tithe.New(memstore.New(), ex, token.NewMemory(), tt.addr, tt.opts...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGovernanceRequiresOwner(t *testing.T) {
	h := newHarness(t)
	venue := common.HexToHash("0x02")
	other, _ := vault.New(h.store, h.tokens, vault.Config{
		Address: common.HexToAddress("0xc2"), Asset: usdc, DonationAddress: charity, Governance: gov,
	})
	before := h.engine.Policy()
	asStranger := types.WithCaller(context.Background(), stranger)

	setters := map[string]func(context.Context) error{
		"global rate":    func(ctx context.Context) error { return h.engine.SetGlobalRate(ctx, 20) },
		"paused":         func(ctx context.Context) error { return h.engine.SetPaused(ctx, true) },
		"venue override": func(ctx context.Context) error { return h.engine.SetVenueRateOverride(ctx, venue, 20) },
		"dust":           func(ctx context.Context) error { return h.engine.SetDustThreshold(ctx, types.NewAmount(7)) },
		"fee sink":       func(ctx context.Context) error { return h.engine.SetFeeSink(ctx, other) },
		"ownership":      func(ctx context.Context) error { return h.engine.TransferOwnership(ctx, stranger) },
	}
	for name, set := range setters {
		t.Run(name, func(t *testing.T) {
			if err := set(asStranger); !errors.Is(err, tithe.ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			after := h.engine.Policy()
			if after.GlobalRateBps != before.GlobalRateBps || after.Paused != before.Paused ||
				after.Owner != before.Owner || len(after.Overrides) != len(before.Overrides) ||
				!after.DustThreshold.Eq(before.DustThreshold) {
				t.Errorf("policy changed: %+v -> %+v", before, after)
			}
			if h.engine.FeeSink().Address() != vaultAddr {
				t.Errorf("fee sink changed to %s", h.engine.FeeSink().Address().Hex())
			}
		})
	}

	changes, err := h.engine.ListPolicyChanges(h.ctx, policy.ListOpts{})
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("rejected changes were recorded: %d", len(changes))
	}
}

func TestGovernanceChanges(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.SetGlobalRate(asOwner(), 25); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if got := h.engine.CalculateFee(types.NewAmount(1_000_000)); !got.Eq(types.NewAmount(2_500)) {
		t.Errorf("fee = %s, want 2500", got)
	}

	wethVault, _ := vault.New(h.store, h.tokens, vault.Config{
		Address: common.HexToAddress("0xc3"), Asset: weth, DonationAddress: charity, Governance: gov,
	})
	if err := h.engine.SetFeeSink(asOwner(), wethVault); !errors.Is(err, tithe.ErrCurrencyMismatch) {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}

	next, _ := vault.New(h.store, h.tokens, vault.Config{
		Address: common.HexToAddress("0xc4"), Asset: usdc, DonationAddress: charity, Governance: gov,
	})
	if err := h.engine.SetFeeSink(asOwner(), next); err != nil {
		t.Fatalf("set fee sink: %v", err)
	}
	if h.engine.FeeSink().Address() != next.Address() {
		t.Errorf("fee sink not swapped")
	}

	if err := h.engine.TransferOwnership(asOwner(), stranger); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	if err := h.engine.SetPaused(asOwner(), true); !errors.Is(err, tithe.ErrUnauthorized) {
		t.Errorf("old owner still governs: %v", err)
	}

	changes, _ := h.engine.ListPolicyChanges(h.ctx, policy.ListOpts{})
	if len(changes) != 3 {
		t.Errorf("recorded changes = %d, want 3", len(changes))
	}
	persisted, err := h.store.GetPolicy(h.ctx, engineAddr)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if persisted.GlobalRateBps != 25 || persisted.Owner != stranger || persisted.FeeSink != next.Address() {
		t.Errorf("persisted policy out of date: %+v", persisted)
	}
}

func TestStartRestoresPolicyAndFlushes(t *testing.T) {
	h := newHarness(t, tithe.WithRecordConfig(10, time.Hour))
	if err := h.engine.Start(h.ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.SetGlobalRate(asOwner(), 40); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	key := h.venue(t, 3000)
	h.buyWETH(t, key, big.NewInt(1_000_000))

	if err := h.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	recs, _ := h.store.ListAccruals(h.ctx, accrual.ListOpts{})
	if len(recs) != 1 || recs[0].RateBps != 40 {
		t.Fatalf("accrual records after stop: %+v", recs)
	}

	// A fresh engine over the same store adopts the persisted rate.
	restarted, err := tithe.New(h.store, h.ex, h.tokens, engineAddr,
		tithe.WithOwner(owner), tithe.WithFeeSink(h.vault), tithe.WithGlobalRate(10))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := restarted.Start(h.ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer restarted.Stop()
	if got := restarted.Policy().GlobalRateBps; got != 40 {
		t.Errorf("restored rate = %d, want 40", got)
	}
}
