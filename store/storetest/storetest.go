// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/store"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

var (
	venueA = common.HexToHash("0x0a")
	venueB = common.HexToHash("0x0b")
	usdc   = common.HexToAddress("0x0a02")
	weth   = common.HexToAddress("0x0a01")
	engine = common.HexToAddress("0xf0")
	owner  = common.HexToAddress("0xa0")
	vault  = common.HexToAddress("0xc1")
	holder = common.HexToAddress("0xd1")
	trader = common.HexToAddress("0xb0")
)

// Run exercises s. newStore must return an empty, migrated store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Pending", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("Collection", func(t *testing.T) { testCollection(t, newStore(t)) })
	t.Run("Accruals", func(t *testing.T) { testAccruals(t, newStore(t)) })
	t.Run("Policy", func(t *testing.T) { testPolicy(t, newStore(t)) })
	t.Run("Donation", func(t *testing.T) { testDonation(t, newStore(t)) })
	t.Run("Yield", func(t *testing.T) { testYield(t, newStore(t)) })
}

func amt(n uint64) types.Amount { return types.NewAmount(n) }

func wantAmount(t *testing.T, what string, got types.Amount, want types.Amount) {
	t.Helper()
	if !got.Eq(want) {
		t.Errorf("%s = %s, want %s", what, got, want)
	}
}

func testPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := types.FeeKey{Venue: venueA, Asset: usdc}

	got, err := s.GetPending(ctx, key)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	wantAmount(t, "missing pending", got, amt(0))

	total, err := s.AddPending(ctx, key, amt(100))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	wantAmount(t, "total after first add", total, amt(100))
	total, _ = s.AddPending(ctx, key, amt(50))
	wantAmount(t, "total after second add", total, amt(150))

	big := types.Pow10(30)
	bigKey := types.FeeKey{Venue: venueB, Asset: usdc}
	if _, err := s.AddPending(ctx, bigKey, big); err != nil {
		t.Fatalf("add 1e30: %v", err)
	}
	got, _ = s.GetPending(ctx, bigKey)
	wantAmount(t, "wide pending", got, big)

	if _, err := s.AddPending(ctx, bigKey, types.MaxAmount()); !errors.Is(err, tithe.ErrNumericOverflow) {
		t.Errorf("expected ErrNumericOverflow, got %v", err)
	}
	got, _ = s.GetPending(ctx, bigKey)
	wantAmount(t, "pending after overflow", got, big)

	removed, err := s.SubPending(ctx, key, amt(30))
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	wantAmount(t, "removed", removed, amt(30))
	removed, _ = s.SubPending(ctx, key, amt(1000))
	wantAmount(t, "saturated removal", removed, amt(120))
	got, _ = s.GetPending(ctx, key)
	wantAmount(t, "pending after saturated sub", got, amt(0))

	_, _ = s.AddPending(ctx, key, amt(7))
	_, _ = s.AddPending(ctx, types.FeeKey{Venue: venueA, Asset: weth}, amt(9))

	entries, err := s.ListPending(ctx, usdc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("list usdc = %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Asset != usdc || e.Amount.IsZero() {
			t.Errorf("unexpected entry %+v", e)
		}
	}

	taken, err := s.TakePending(ctx, key)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	wantAmount(t, "taken", taken, amt(7))
	taken, _ = s.TakePending(ctx, key)
	wantAmount(t, "second take", taken, amt(0))
	taken, _ = s.TakePending(ctx, types.FeeKey{Venue: venueB, Asset: weth})
	wantAmount(t, "take missing", taken, amt(0))

	entries, _ = s.ListPending(ctx, usdc)
	if len(entries) != 1 {
		t.Errorf("cleared key still listed: %d entries", len(entries))
	}
}

func testCollection(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := types.FeeKey{Venue: venueA, Asset: usdc}

	st, err := s.GetStats(ctx, key)
	if err != nil {
		t.Fatalf("stats of empty key: %v", err)
	}
	wantAmount(t, "empty lifetime", st.LifetimeFees, amt(0))

	for range 3 {
		if _, err := s.IncrementTradeCount(ctx, venueA); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := s.AddCollected(ctx, key, amt(40)); err != nil {
		t.Fatalf("add collected: %v", err)
	}
	if err := s.AddCollected(ctx, key, amt(2)); err != nil {
		t.Fatalf("add collected: %v", err)
	}

	st, err = s.GetStats(ctx, key)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	wantAmount(t, "lifetime", st.LifetimeFees, amt(42))
	if st.TradeCount != 3 {
		t.Errorf("trade count = %d, want 3", st.TradeCount)
	}

	now := time.Now().UTC()
	for i, v := range []types.VenueID{venueA, venueA, venueB} {
		rec := &collection.Record{
			ID:          id.NewCollectionID(),
			Venue:       v,
			Asset:       usdc,
			Amount:      amt(uint64(i + 1)),
			Shares:      amt(uint64(i + 1)),
			Sink:        vault,
			Caller:      trader,
			CollectedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateCollection(ctx, rec); err != nil {
			t.Fatalf("create collection: %v", err)
		}
	}

	recs, err := s.ListCollections(ctx, collection.ListOpts{Venue: venueA})
	if err != nil {
		t.Fatalf("list collections: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("venue A collections = %d, want 2", len(recs))
	}
	recs, _ = s.ListCollections(ctx, collection.ListOpts{Limit: 1})
	if len(recs) != 1 {
		t.Errorf("limited list = %d, want 1", len(recs))
	}
}

func testAccruals(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	batch := []*accrual.Record{
		{ID: id.NewAccrualID(), Venue: venueA, Asset: usdc, Fee: amt(1), Specified: amt(1000), ExactInput: true, RateBps: 10, Initiator: trader, CreatedAt: old},
		{ID: id.NewAccrualID(), Venue: venueA, Asset: usdc, Fee: amt(2), Specified: amt(2000), RateBps: 10, Initiator: owner, CreatedAt: recent},
		{ID: id.NewAccrualID(), Venue: venueB, Asset: usdc, Fee: amt(3), Specified: amt(3000), RateBps: 10, Initiator: trader, CreatedAt: recent},
	}
	if err := s.CreateAccruals(ctx, batch); err != nil {
		t.Fatalf("create accruals: %v", err)
	}

	recs, err := s.ListAccruals(ctx, accrual.ListOpts{Initiator: trader})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("trader accruals = %d, want 2", len(recs))
	}
	recs, _ = s.ListAccruals(ctx, accrual.ListOpts{Venue: venueA, Start: recent.Add(-time.Hour)})
	if len(recs) != 1 || !recs[0].Fee.Eq(amt(2)) {
		t.Errorf("windowed accruals: %+v", recs)
	}

	purged, err := s.PurgeAccruals(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	recs, _ = s.ListAccruals(ctx, accrual.ListOpts{})
	if len(recs) != 2 {
		t.Errorf("remaining accruals = %d, want 2", len(recs))
	}
}

func testPolicy(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetPolicy(ctx, engine); !errors.Is(err, tithe.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cfg := &policy.Config{
		Engine:        engine,
		Owner:         owner,
		GlobalRateBps: 10,
		Overrides:     map[types.VenueID]uint16{venueA: 30},
		DustThreshold: amt(5),
		FeeSink:       vault,
	}
	if err := s.SavePolicy(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.GlobalRateBps = 20
	cfg.Paused = true
	cfg.Overrides = map[types.VenueID]uint16{venueB: 40}
	if err := s.SavePolicy(ctx, cfg); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.GetPolicy(ctx, engine)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GlobalRateBps != 20 || !got.Paused || got.Owner != owner || got.FeeSink != vault {
		t.Errorf("unexpected policy: %+v", got)
	}
	if len(got.Overrides) != 1 || got.Overrides[venueB] != 40 {
		t.Errorf("overrides = %v", got.Overrides)
	}
	wantAmount(t, "dust", got.DustThreshold, amt(5))

	for _, kind := range []policy.ChangeKind{policy.ChangeGlobalRate, policy.ChangePaused, policy.ChangeGlobalRate} {
		c := &policy.Change{
			ID:        id.NewChangeID(),
			Engine:    engine,
			Actor:     owner,
			Kind:      kind,
			Old:       "10",
			New:       "20",
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreatePolicyChange(ctx, c); err != nil {
			t.Fatalf("create change: %v", err)
		}
	}
	changes, err := s.ListPolicyChanges(ctx, engine, policy.ListOpts{Kind: policy.ChangeGlobalRate})
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 2 {
		t.Errorf("rate changes = %d, want 2", len(changes))
	}
}

func testDonation(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetVaultState(ctx, vault); !errors.Is(err, tithe.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	st := &donation.VaultState{
		Vault:           vault,
		Asset:           usdc,
		DonationAddress: holder,
		TotalDonated:    types.Pow10(21),
		TotalShares:     types.Pow10(21),
	}
	if err := s.SaveVaultState(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}
	st.TotalDonated = types.Pow10(22)
	if err := s.SaveVaultState(ctx, st); err != nil {
		t.Fatalf("resave state: %v", err)
	}
	got, err := s.GetVaultState(ctx, vault)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	wantAmount(t, "total donated", got.TotalDonated, types.Pow10(22))
	if got.DonationAddress != holder || got.Asset != usdc {
		t.Errorf("unexpected state: %+v", got)
	}

	bal, err := s.GetShareBalance(ctx, vault, holder)
	if err != nil {
		t.Fatalf("missing balance: %v", err)
	}
	wantAmount(t, "missing balance", bal, amt(0))
	if err := s.SetShareBalance(ctx, vault, holder, amt(77)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := s.SetShareBalance(ctx, vault, holder, amt(78)); err != nil {
		t.Fatalf("reset balance: %v", err)
	}
	bal, _ = s.GetShareBalance(ctx, vault, holder)
	wantAmount(t, "balance", bal, amt(78))

	for _, beneficiary := range []types.Address{holder, holder, owner} {
		rec := &donation.Record{
			ID:          id.NewDonationID(),
			Vault:       vault,
			Depositor:   trader,
			Tag:         engine,
			Beneficiary: beneficiary,
			Assets:      amt(10),
			Shares:      amt(10),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.CreateDonation(ctx, rec); err != nil {
			t.Fatalf("create donation: %v", err)
		}
	}
	recs, err := s.ListDonations(ctx, vault, donation.ListOpts{Beneficiary: holder})
	if err != nil {
		t.Fatalf("list donations: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("donations to holder = %d, want 2", len(recs))
	}
}

func testYield(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetYieldState(ctx, vault); !errors.Is(err, tithe.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveYieldState(ctx, &yield.State{Strategy: vault, Asset: usdc, LastReported: amt(10)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveYieldState(ctx, &yield.State{Strategy: vault, Asset: usdc, LastReported: amt(25)}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err := s.GetYieldState(ctx, vault)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	wantAmount(t, "last reported", got.LastReported, amt(25))

	rep := &yield.Report{
		ID:          id.NewYieldID(),
		Strategy:    vault,
		Asset:       usdc,
		Previous:    amt(10),
		TotalAssets: amt(25),
		Profit:      amt(15),
		ReportedAt:  time.Now().UTC(),
	}
	if err := s.CreateYieldReport(ctx, rep); err != nil {
		t.Fatalf("create report: %v", err)
	}
	reps, err := s.ListYieldReports(ctx, vault, yield.ListOpts{})
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reps) != 1 || !reps[0].Profit.Eq(amt(15)) || reps[0].ID.String() != rep.ID.String() {
		t.Errorf("unexpected reports: %+v", reps)
	}
}
