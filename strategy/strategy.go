// Package strategy reports the yield of an idle-asset holder by diffing its
// balance against the last reported baseline.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Allocator is the external capital-allocation system that credits shares
// for reported profit.
type Allocator interface {
	Report(ctx context.Context, strategy types.Address, totalAssets, profit types.Amount) error
}

// Config identifies the strategy and the account whose balance it reports.
type Config struct {
	Address types.Address
	Asset   types.AssetID
	// Holder defaults to Address.
	Holder types.Address
}

// Strategy is a yield-reporting strategy over idle assets.
type Strategy struct {
	cfg       Config
	store     yield.Store
	tokens    token.Ledger
	allocator Allocator
	plugins   *plugin.Registry
	logger    *slog.Logger

	mu sync.Mutex

	reportInterval time.Duration
	stopChan       chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Strategy) { s.logger = l }
}

// WithRegistry emits yield reports through r.
func WithRegistry(r *plugin.Registry) Option {
	return func(s *Strategy) { s.plugins = r }
}

// WithAllocator forwards every harvest to a.
func WithAllocator(a Allocator) Option {
	return func(s *Strategy) { s.allocator = a }
}

// WithReportInterval harvests on a ticker once Start is called.
func WithReportInterval(d time.Duration) Option {
	return func(s *Strategy) { s.reportInterval = d }
}

// New creates a strategy.
func New(st yield.Store, tokens token.Ledger, cfg Config, opts ...Option) (*Strategy, error) {
	if cfg.Address == types.ZeroAddress {
		return nil, fmt.Errorf("%w: zero strategy address", tithe.ErrInvalidAddress)
	}
	if cfg.Holder == types.ZeroAddress {
		cfg.Holder = cfg.Address
	}

	s := &Strategy{
		cfg:      cfg,
		store:    st,
		tokens:   tokens,
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Strategy) Address() types.Address { return s.cfg.Address }
func (s *Strategy) Asset() types.AssetID   { return s.cfg.Asset }

// HarvestAndReport reads the holder's balance and reports the gain since the
// last harvest. Losses report as zero profit. The baseline is rolled back
// if the allocator rejects the report.
func (s *Strategy) HarvestAndReport(ctx context.Context) (*yield.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.tokens.BalanceOf(ctx, s.cfg.Asset, s.cfg.Holder)
	if err != nil {
		return nil, fmt.Errorf("strategy: read balance: %w", err)
	}
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}

	rep := &yield.Report{
		ID:          id.NewYieldID(),
		Strategy:    s.cfg.Address,
		Asset:       s.cfg.Asset,
		Previous:    st.LastReported,
		TotalAssets: current,
		Profit:      current.SaturatingSub(st.LastReported),
		ReportedAt:  time.Now().UTC(),
	}

	// Baseline first, allocator second; a rejected report restores it.
	prev := *st
	st.LastReported = current
	if err := s.store.SaveYieldState(ctx, st); err != nil {
		return nil, fmt.Errorf("strategy: save state: %w", err)
	}

	if s.allocator != nil {
		if err := s.allocator.Report(ctx, s.cfg.Address, current, rep.Profit); err != nil {
			if rerr := s.store.SaveYieldState(ctx, &prev); rerr != nil {
				s.logger.Error("restore baseline after allocator failure",
					"strategy", s.cfg.Address.Hex(),
					"baseline", prev.LastReported.String(),
					"error", rerr,
				)
			}
			return nil, fmt.Errorf("strategy: allocator: %w", err)
		}
	}

	if !rep.Profit.IsZero() {
		if err := s.store.CreateYieldReport(ctx, rep); err != nil {
			s.logger.Warn("store yield report failed", "strategy", s.cfg.Address.Hex(), "error", err)
		}
		s.plugins.EmitYieldReported(ctx, rep)
		s.logger.Info("yield reported",
			"strategy", s.cfg.Address.Hex(),
			"profit", rep.Profit.String(),
			"total_assets", current.String(),
		)
	}
	return rep, nil
}

// LastReported returns the current baseline.
func (s *Strategy) LastReported(ctx context.Context) (types.Amount, error) {
	st, err := s.state(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	return st.LastReported, nil
}

// ListReports returns the persisted profitable harvests.
func (s *Strategy) ListReports(ctx context.Context, opts yield.ListOpts) ([]*yield.Report, error) {
	return s.store.ListYieldReports(ctx, s.cfg.Address, opts)
}

// DeployFunds is a no-op: assets stay idle.
func (s *Strategy) DeployFunds(context.Context, types.Amount) error { return nil }

// FreeFunds is a no-op: idle assets need no unwinding.
func (s *Strategy) FreeFunds(context.Context, types.Amount) error { return nil }

// EmergencyWithdraw is a no-op.
func (s *Strategy) EmergencyWithdraw(context.Context, types.Amount) error { return nil }

// AvailableDepositLimit is unbounded.
func (s *Strategy) AvailableDepositLimit(context.Context, types.Address) (types.Amount, error) {
	return types.MaxAmount(), nil
}

// AvailableWithdrawLimit is the idle balance.
func (s *Strategy) AvailableWithdrawLimit(ctx context.Context, _ types.Address) (types.Amount, error) {
	return s.tokens.BalanceOf(ctx, s.cfg.Asset, s.cfg.Holder)
}

// Start launches the report worker when a report interval is set.
func (s *Strategy) Start(ctx context.Context) {
	if s.reportInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.reportWorker(context.WithoutCancel(ctx))
}

// Stop waits for the report worker to exit.
func (s *Strategy) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Strategy) reportWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.HarvestAndReport(ctx); err != nil {
				s.logger.Error("scheduled harvest failed", "strategy", s.cfg.Address.Hex(), "error", err)
			}
		}
	}
}

func (s *Strategy) state(ctx context.Context) (*yield.State, error) {
	st, err := s.store.GetYieldState(ctx, s.cfg.Address)
	if errors.Is(err, tithe.ErrNotFound) {
		return &yield.State{Strategy: s.cfg.Address, Asset: s.cfg.Asset}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("strategy: load state: %w", err)
	}
	return st, nil
}
