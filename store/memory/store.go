package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/pending"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/store"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

type shareKey struct {
	vault  types.Address
	holder types.Address
}

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Fee books
	pending    map[types.FeeKey]*pending.Entry
	collected  map[types.FeeKey]types.Amount
	trades     map[types.VenueID]uint64
	collection []*collection.Record
	accruals   []*accrual.Record

	// Governance
	policies map[types.Address]*policy.Config
	changes  []*policy.Change

	// Donation vaults
	vaults    map[types.Address]*donation.VaultState
	shares    map[shareKey]types.Amount
	donations []*donation.Record

	// Strategies
	yieldStates  map[types.Address]*yield.State
	yieldReports []*yield.Report
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		pending:     make(map[types.FeeKey]*pending.Entry),
		collected:   make(map[types.FeeKey]types.Amount),
		trades:      make(map[types.VenueID]uint64),
		policies:    make(map[types.Address]*policy.Config),
		vaults:      make(map[types.Address]*donation.VaultState),
		shares:      make(map[shareKey]types.Amount),
		yieldStates: make(map[types.Address]*yield.State),
	}
}

// Pending fee implementation
func (s *Store) AddPending(_ context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		e = &pending.Entry{Venue: key.Venue, Asset: key.Asset}
		s.pending[key] = e
	}
	sum, overflow := e.Amount.Add(amount)
	if overflow {
		return types.Amount{}, fmt.Errorf("%w: pending %s", tithe.ErrNumericOverflow, key)
	}
	e.Amount = sum
	e.UpdatedAt = time.Now().UTC()
	return sum, nil
}

func (s *Store) SubPending(_ context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return types.Amount{}, nil
	}
	removed := amount
	if e.Amount.Lt(amount) {
		removed = e.Amount
	}
	e.Amount, _ = e.Amount.Sub(removed)
	e.UpdatedAt = time.Now().UTC()
	return removed, nil
}

func (s *Store) GetPending(_ context.Context, key types.FeeKey) (types.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.pending[key]; ok {
		return e.Amount, nil
	}
	return types.Amount{}, nil
}

func (s *Store) TakePending(_ context.Context, key types.FeeKey) (types.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return types.Amount{}, nil
	}
	taken := e.Amount
	e.Amount = types.Amount{}
	e.UpdatedAt = time.Now().UTC()
	return taken, nil
}

func (s *Store) ListPending(_ context.Context, asset types.AssetID) ([]*pending.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pending.Entry, 0)
	for _, e := range s.pending {
		if e.Asset == asset && !e.Amount.IsZero() {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Venue.Cmp(result[j].Venue) < 0
	})
	return result, nil
}

// Collection implementation
func (s *Store) AddCollected(_ context.Context, key types.FeeKey, amount types.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, overflow := s.collected[key].Add(amount)
	if overflow {
		return fmt.Errorf("%w: collected %s", tithe.ErrNumericOverflow, key)
	}
	s.collected[key] = sum
	return nil
}

func (s *Store) IncrementTradeCount(_ context.Context, venue types.VenueID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[venue]++
	return s.trades[venue], nil
}

func (s *Store) GetStats(_ context.Context, key types.FeeKey) (*collection.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &collection.Stats{
		Venue:        key.Venue,
		Asset:        key.Asset,
		LifetimeFees: s.collected[key],
		TradeCount:   s.trades[key.Venue],
	}, nil
}

func (s *Store) CreateCollection(_ context.Context, r *collection.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.collection = append(s.collection, &cp)
	return nil
}

func (s *Store) ListCollections(_ context.Context, opts collection.ListOpts) ([]*collection.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*collection.Record, 0)
	for _, r := range s.collection {
		if opts.Venue != (types.VenueID{}) && r.Venue != opts.Venue {
			continue
		}
		if opts.Asset != (types.AssetID{}) && r.Asset != opts.Asset {
			continue
		}
		if !inRange(r.CollectedAt, opts.Start, opts.End) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// Accrual implementation
func (s *Store) CreateAccruals(_ context.Context, records []*accrual.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		cp := *r
		s.accruals = append(s.accruals, &cp)
	}
	return nil
}

func (s *Store) ListAccruals(_ context.Context, opts accrual.ListOpts) ([]*accrual.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*accrual.Record, 0)
	for _, r := range s.accruals {
		if opts.Venue != (types.VenueID{}) && r.Venue != opts.Venue {
			continue
		}
		if opts.Asset != (types.AssetID{}) && r.Asset != opts.Asset {
			continue
		}
		if opts.Initiator != (types.Address{}) && r.Initiator != opts.Initiator {
			continue
		}
		if !inRange(r.CreatedAt, opts.Start, opts.End) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) PurgeAccruals(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.accruals[:0]
	var purged int64
	for _, r := range s.accruals {
		if r.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.accruals = kept
	return purged, nil
}

// Policy implementation
func (s *Store) GetPolicy(_ context.Context, engine types.Address) (*policy.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.policies[engine]
	if !ok {
		return nil, tithe.ErrNotFound
	}
	cp := *c
	cp.Overrides = maps.Clone(c.Overrides)
	return &cp, nil
}

func (s *Store) SavePolicy(_ context.Context, c *policy.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	cp.Overrides = maps.Clone(c.Overrides)
	cp.UpdatedAt = time.Now().UTC()
	s.policies[c.Engine] = &cp
	return nil
}

func (s *Store) CreatePolicyChange(_ context.Context, c *policy.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.changes = append(s.changes, &cp)
	return nil
}

func (s *Store) ListPolicyChanges(_ context.Context, engine types.Address, opts policy.ListOpts) ([]*policy.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*policy.Change, 0)
	for _, c := range s.changes {
		if c.Engine != engine {
			continue
		}
		if opts.Kind != "" && c.Kind != opts.Kind {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// Donation vault implementation
func (s *Store) GetVaultState(_ context.Context, vault types.Address) (*donation.VaultState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[vault]
	if !ok {
		return nil, tithe.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *Store) SaveVaultState(_ context.Context, v *donation.VaultState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *v
	cp.UpdatedAt = time.Now().UTC()
	s.vaults[v.Vault] = &cp
	return nil
}

func (s *Store) GetShareBalance(_ context.Context, vault, holder types.Address) (types.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shares[shareKey{vault, holder}], nil
}

func (s *Store) SetShareBalance(_ context.Context, vault, holder types.Address, shares types.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[shareKey{vault, holder}] = shares
	return nil
}

func (s *Store) CreateDonation(_ context.Context, r *donation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.donations = append(s.donations, &cp)
	return nil
}

func (s *Store) ListDonations(_ context.Context, vault types.Address, opts donation.ListOpts) ([]*donation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*donation.Record, 0)
	for _, r := range s.donations {
		if r.Vault != vault {
			continue
		}
		if opts.Beneficiary != (types.Address{}) && r.Beneficiary != opts.Beneficiary {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// Yield implementation
func (s *Store) GetYieldState(_ context.Context, strategy types.Address) (*yield.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.yieldStates[strategy]
	if !ok {
		return nil, tithe.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SaveYieldState(_ context.Context, st *yield.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	cp.UpdatedAt = time.Now().UTC()
	s.yieldStates[st.Strategy] = &cp
	return nil
}

func (s *Store) CreateYieldReport(_ context.Context, r *yield.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.yieldReports = append(s.yieldReports, &cp)
	return nil
}

func (s *Store) ListYieldReports(_ context.Context, strategy types.Address, opts yield.ListOpts) ([]*yield.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*yield.Report, 0)
	for _, r := range s.yieldReports {
		if r.Strategy == strategy {
			cp := *r
			result = append(result, &cp)
		}
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// Store management
func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tithe.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Helper functions
func inRange(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && !t.Before(end) {
		return false
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
