package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/plugin"
	memstore "github.com/xraph/tithe/store/memory"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/vault"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	vaultAdr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	charity  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	charity2 = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	gov      = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tag      = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

type recorder struct {
	mu        sync.Mutex
	deposits  []*plugin.Deposit
	donations []*donation.Record
	moved     []types.Address
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnVaultDeposit(_ context.Context, d *plugin.Deposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deposits = append(r.deposits, d)
	return nil
}

func (r *recorder) OnDonation(_ context.Context, rec *donation.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.donations = append(r.donations, rec)
	return nil
}

func (r *recorder) OnDonationAddressChanged(_ context.Context, _, _, newAddr types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moved = append(r.moved, newAddr)
	return nil
}

type fixture struct {
	vault  *vault.Vault
	tokens *token.Memory
	store  *memstore.Store
	rec    *recorder
}

func newFixture(t *testing.T, limit uint64) *fixture {
	t.Helper()
	s := memstore.New()
	tokens := token.NewMemory()
	rec := &recorder{}
	v, err := vault.New(s, tokens, vault.Config{
		Address:         vaultAdr,
		Asset:           usdc,
		DonationAddress: charity,
		Governance:      gov,
		DepositLimit:    types.NewAmount(limit),
		Name:            "Donation USDC",
		Symbol:          "dUSDC",
	}, vault.WithPlugin(rec))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return &fixture{vault: v, tokens: tokens, store: s, rec: rec}
}

// fund mints assets to alice and approves the vault to pull them.
func (f *fixture) fund(t *testing.T, n uint64) {
	t.Helper()
	ctx := context.Background()
	if err := f.tokens.Mint(usdc, alice, types.NewAmount(n)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.tokens.Approve(ctx, usdc, alice, vaultAdr, types.NewAmount(n)); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func asAlice() context.Context { return types.WithCaller(context.Background(), alice) }

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  vault.Config
	}{
		{"zero vault", vault.Config{Asset: usdc, DonationAddress: charity, Governance: gov}},
		{"zero donation address", vault.Config{Address: vaultAdr, Asset: usdc, Governance: gov}},
		{"zero governance", vault.Config{Address: vaultAdr, Asset: usdc, DonationAddress: charity}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vault.New(memstore.New(), token.NewMemory(), tt.cfg)
			if !errors.Is(err, tithe.ErrInvalidAddress) {
				t.Fatalf("expected ErrInvalidAddress, got %v", err)
			}
		})
	}
}

func TestDepositMintsToDonationAddress(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, 1000)

	shares, err := f.vault.Deposit(asAlice(), types.NewAmount(1000), tag)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !shares.Eq(types.NewAmount(1000)) {
		t.Errorf("first deposit should mint 1:1, got %s", shares)
	}

	ctx := context.Background()
	mine, _ := f.vault.BalanceOf(ctx, alice)
	theirs, _ := f.vault.BalanceOf(ctx, charity)
	if !mine.IsZero() {
		t.Errorf("depositor received shares: %s", mine)
	}
	if !theirs.Eq(types.NewAmount(1000)) {
		t.Errorf("donation address shares = %s, want 1000", theirs)
	}

	stats, err := f.vault.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.TotalDonated.Eq(types.NewAmount(1000)) || !stats.TotalShares.Eq(types.NewAmount(1000)) || !stats.TotalAssets.Eq(types.NewAmount(1000)) {
		t.Errorf("unexpected stats: %+v", stats)
	}

	recs, err := f.vault.ListDonations(ctx, donation.ListOpts{})
	if err != nil {
		t.Fatalf("list donations: %v", err)
	}
	if len(recs) != 1 || recs[0].Tag != tag || recs[0].Depositor != alice || recs[0].Beneficiary != charity {
		t.Errorf("unexpected donation records: %+v", recs)
	}
	if len(f.rec.deposits) != 1 || f.rec.deposits[0].Receiver != charity {
		t.Errorf("expected one deposit event to charity, got %+v", f.rec.deposits)
	}
	if len(f.rec.donations) != 1 {
		t.Errorf("expected one donation event, got %d", len(f.rec.donations))
	}
}

func TestDepositProRata(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, 300)

	if _, err := f.vault.Deposit(asAlice(), types.NewAmount(100), tag); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	// Idle yield: assets arrive without shares.
	if err := f.tokens.Mint(usdc, vaultAdr, types.NewAmount(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	shares, err := f.vault.Deposit(asAlice(), types.NewAmount(101), tag)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	// floor(101 * 100 / 200) = 50
	if !shares.Eq(types.NewAmount(50)) {
		t.Errorf("shares = %s, want 50", shares)
	}
}

func TestDepositEdgeCases(t *testing.T) {
	t.Run("zero is a no-op", func(t *testing.T) {
		f := newFixture(t, 0)
		shares, err := f.vault.Deposit(asAlice(), types.ZeroAmount(), tag)
		if err != nil || !shares.IsZero() {
			t.Fatalf("got %s, %v", shares, err)
		}
		if len(f.rec.deposits) != 0 {
			t.Errorf("zero deposit emitted an event")
		}
	})

	t.Run("limit exceeded", func(t *testing.T) {
		f := newFixture(t, 500)
		f.fund(t, 1000)
		if _, err := f.vault.Deposit(asAlice(), types.NewAmount(400), tag); err != nil {
			t.Fatalf("deposit under limit: %v", err)
		}
		room, _ := f.vault.MaxDeposit(context.Background())
		if !room.Eq(types.NewAmount(100)) {
			t.Errorf("max deposit = %s, want 100", room)
		}
		_, err := f.vault.Deposit(asAlice(), types.NewAmount(101), tag)
		if !errors.Is(err, tithe.ErrDepositLimitExceeded) {
			t.Fatalf("expected ErrDepositLimitExceeded, got %v", err)
		}
	})

	t.Run("rounds to zero shares", func(t *testing.T) {
		f := newFixture(t, 0)
		f.fund(t, 2)
		if _, err := f.vault.Deposit(asAlice(), types.NewAmount(1), tag); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
		_ = f.tokens.Mint(usdc, vaultAdr, types.NewAmount(999))

		shares, err := f.vault.Deposit(asAlice(), types.NewAmount(1), tag)
		if err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if !shares.IsZero() {
			t.Errorf("shares = %s, want 0", shares)
		}
		left, _ := f.tokens.BalanceOf(context.Background(), usdc, alice)
		if !left.IsZero() {
			t.Errorf("alice holds %s, want 0", left)
		}
		stats, err := f.vault.Stats(context.Background())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if !stats.TotalDonated.Eq(types.NewAmount(2)) {
			t.Errorf("total donated = %s, want 2", stats.TotalDonated)
		}
		if !stats.TotalShares.Eq(types.NewAmount(1)) {
			t.Errorf("total shares = %s, want 1", stats.TotalShares)
		}
		if !stats.TotalAssets.Eq(types.NewAmount(1001)) {
			t.Errorf("total assets = %s, want 1001", stats.TotalAssets)
		}
	})

	t.Run("no allowance", func(t *testing.T) {
		f := newFixture(t, 0)
		_ = f.tokens.Mint(usdc, alice, types.NewAmount(10))
		_, err := f.vault.Deposit(asAlice(), types.NewAmount(10), tag)
		if !errors.Is(err, token.ErrInsufficientAllowance) {
			t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
		}
		total, _ := f.vault.TotalShares(context.Background())
		if !total.IsZero() {
			t.Errorf("shares minted without assets: %s", total)
		}
	})
}

func TestSetDonationAddress(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, 200)
	if _, err := f.vault.Deposit(asAlice(), types.NewAmount(100), tag); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := f.vault.SetDonationAddress(asAlice(), charity2); !errors.Is(err, tithe.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	asGov := types.WithCaller(context.Background(), gov)
	if err := f.vault.SetDonationAddress(asGov, types.ZeroAddress); !errors.Is(err, tithe.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if err := f.vault.SetDonationAddress(asGov, charity2); err != nil {
		t.Fatalf("set donation address: %v", err)
	}

	if _, err := f.vault.Deposit(asAlice(), types.NewAmount(100), tag); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ctx := context.Background()
	old, _ := f.vault.BalanceOf(ctx, charity)
	cur, _ := f.vault.BalanceOf(ctx, charity2)
	if !old.Eq(types.NewAmount(100)) || !cur.Eq(types.NewAmount(100)) {
		t.Errorf("shares: old=%s new=%s", old, cur)
	}
	if len(f.rec.moved) != 1 || f.rec.moved[0] != charity2 {
		t.Errorf("expected one address change event, got %v", f.rec.moved)
	}
}

func TestRedeem(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, 100)
	if _, err := f.vault.Deposit(asAlice(), types.NewAmount(100), tag); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_ = f.tokens.Mint(usdc, vaultAdr, types.NewAmount(100))

	asCharity := types.WithCaller(context.Background(), charity)
	if _, err := f.vault.Redeem(asAlice(), types.NewAmount(1), alice); !errors.Is(err, tithe.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	assets, err := f.vault.Redeem(asCharity, types.NewAmount(50), charity)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !assets.Eq(types.NewAmount(100)) {
		t.Errorf("assets = %s, want 100", assets)
	}
	bal, _ := f.tokens.BalanceOf(context.Background(), usdc, charity)
	if !bal.Eq(types.NewAmount(100)) {
		t.Errorf("charity balance = %s", bal)
	}
	total, _ := f.vault.TotalShares(context.Background())
	if !total.Eq(types.NewAmount(50)) {
		t.Errorf("total shares = %s, want 50", total)
	}
}
