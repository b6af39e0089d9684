package strategy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe/plugin"
	memstore "github.com/xraph/tithe/store/memory"
	"github.com/xraph/tithe/strategy"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	strat = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	other = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type allocator struct {
	mu      sync.Mutex
	fail    error
	profits []types.Amount
}

func (a *allocator) Report(_ context.Context, _ types.Address, _, profit types.Amount) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.profits = append(a.profits, profit)
	return nil
}

type reports struct {
	mu   sync.Mutex
	seen []*yield.Report
}

func (r *reports) Name() string { return "reports" }

func (r *reports) OnYieldReported(_ context.Context, rep *yield.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rep)
	return nil
}

func (r *reports) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestHarvestAndReport(t *testing.T) {
	ctx := context.Background()
	tokens := token.NewMemory()
	store := memstore.New()
	reg := plugin.NewRegistry()
	rec := &reports{}
	if err := reg.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	alloc := &allocator{}

	s, err := strategy.New(store, tokens, strategy.Config{Address: strat, Asset: usdc},
		strategy.WithRegistry(reg), strategy.WithAllocator(alloc))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	steps := []struct {
		name       string
		mint       uint64
		drain      uint64
		wantProfit uint64
		wantTotal  uint64
	}{
		{"first harvest counts whole balance", 100, 0, 100, 100},
		{"no change", 0, 0, 0, 100},
		{"gain", 50, 0, 50, 150},
		{"loss floors at zero", 0, 30, 0, 120},
		{"gain measured from lowered baseline", 10, 0, 10, 130},
	}

	wantEvents := 0
	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			if step.mint > 0 {
				_ = tokens.Mint(usdc, strat, types.NewAmount(step.mint))
			}
			if step.drain > 0 {
				if err := tokens.Transfer(ctx, usdc, strat, other, types.NewAmount(step.drain)); err != nil {
					t.Fatalf("drain: %v", err)
				}
			}

			rep, err := s.HarvestAndReport(ctx)
			if err != nil {
				t.Fatalf("harvest: %v", err)
			}
			if !rep.Profit.Eq(types.NewAmount(step.wantProfit)) {
				t.Errorf("profit = %s, want %d", rep.Profit, step.wantProfit)
			}
			if !rep.TotalAssets.Eq(types.NewAmount(step.wantTotal)) {
				t.Errorf("total = %s, want %d", rep.TotalAssets, step.wantTotal)
			}
			last, _ := s.LastReported(ctx)
			if !last.Eq(types.NewAmount(step.wantTotal)) {
				t.Errorf("baseline = %s, want %d", last, step.wantTotal)
			}
			if step.wantProfit > 0 {
				wantEvents++
			}
			if rec.count() != wantEvents {
				t.Errorf("events = %d, want %d", rec.count(), wantEvents)
			}
		})
	}

	persisted, err := s.ListReports(ctx, yield.ListOpts{})
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted reports = %d, want 3", len(persisted))
	}
	if len(alloc.profits) != len(steps) {
		t.Errorf("allocator calls = %d, want %d", len(alloc.profits), len(steps))
	}
}

func TestAllocatorFailureKeepsBaseline(t *testing.T) {
	ctx := context.Background()
	tokens := token.NewMemory()
	alloc := &allocator{fail: errors.New("allocator down")}
	s, err := strategy.New(memstore.New(), tokens, strategy.Config{Address: strat, Asset: usdc},
		strategy.WithAllocator(alloc))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = tokens.Mint(usdc, strat, types.NewAmount(40))

	if _, err := s.HarvestAndReport(ctx); err == nil {
		t.Fatal("expected allocator error")
	}
	last, _ := s.LastReported(ctx)
	if !last.IsZero() {
		t.Errorf("baseline advanced to %s", last)
	}

	alloc.fail = nil
	rep, err := s.HarvestAndReport(ctx)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if !rep.Profit.Eq(types.NewAmount(40)) {
		t.Errorf("profit = %s, want 40", rep.Profit)
	}
}

// flakyStore fails SaveYieldState while failSave is set.
type flakyStore struct {
	yield.Store
	failSave bool
}

func (f *flakyStore) SaveYieldState(ctx context.Context, st *yield.State) error {
	if f.failSave {
		return errors.New("store down")
	}
	return f.Store.SaveYieldState(ctx, st)
}

func TestFailedSaveDoesNotCreditTwice(t *testing.T) {
	ctx := context.Background()
	tokens := token.NewMemory()
	st := &flakyStore{Store: memstore.New(), failSave: true}
	alloc := &allocator{}
	s, err := strategy.New(st, tokens, strategy.Config{Address: strat, Asset: usdc},
		strategy.WithAllocator(alloc))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = tokens.Mint(usdc, strat, types.NewAmount(40))

	if _, err := s.HarvestAndReport(ctx); err == nil {
		t.Fatal("expected save error")
	}
	if len(alloc.profits) != 0 {
		t.Fatalf("allocator credited %v before the baseline was saved", alloc.profits)
	}

	st.failSave = false
	for range 2 {
		if _, err := s.HarvestAndReport(ctx); err != nil {
			t.Fatalf("harvest: %v", err)
		}
	}

	want := []types.Amount{types.NewAmount(40), types.ZeroAmount()}
	if len(alloc.profits) != len(want) {
		t.Fatalf("allocator calls = %d, want %d", len(alloc.profits), len(want))
	}
	for i := range want {
		if !alloc.profits[i].Eq(want[i]) {
			t.Errorf("credit %d = %s, want %s", i, alloc.profits[i], want[i])
		}
	}
}

func TestLimitsAndNoOps(t *testing.T) {
	ctx := context.Background()
	tokens := token.NewMemory()
	s, _ := strategy.New(memstore.New(), tokens, strategy.Config{Address: strat, Asset: usdc})
	_ = tokens.Mint(usdc, strat, types.NewAmount(7))

	for _, fn := range []func(context.Context, types.Amount) error{s.DeployFunds, s.FreeFunds, s.EmergencyWithdraw} {
		if err := fn(ctx, types.NewAmount(7)); err != nil {
			t.Errorf("no-op returned %v", err)
		}
	}
	bal, _ := tokens.BalanceOf(ctx, usdc, strat)
	if !bal.Eq(types.NewAmount(7)) {
		t.Errorf("no-op moved funds: %s", bal)
	}

	dep, _ := s.AvailableDepositLimit(ctx, other)
	if !dep.Eq(types.MaxAmount()) {
		t.Errorf("deposit limit = %s", dep)
	}
	wd, _ := s.AvailableWithdrawLimit(ctx, other)
	if !wd.Eq(types.NewAmount(7)) {
		t.Errorf("withdraw limit = %s", wd)
	}
}

func TestReportWorker(t *testing.T) {
	tokens := token.NewMemory()
	reg := plugin.NewRegistry()
	rec := &reports{}
	_ = reg.Register(rec)
	s, _ := strategy.New(memstore.New(), tokens, strategy.Config{Address: strat, Asset: usdc},
		strategy.WithRegistry(reg), strategy.WithReportInterval(10*time.Millisecond))
	_ = tokens.Mint(usdc, strat, types.NewAmount(5))

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if rec.count() != 1 {
		t.Errorf("worker reports = %d, want 1", rec.count())
	}
}
