package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/pending"
	"github.com/xraph/tithe/policy"
	tithestore "github.com/xraph/tithe/store"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// compile-time interface check
var _ tithestore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM. Amounts are text,
// so read-modify-write on the fee books is serialized by a process-local
// lock. Share one Store per database file.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB

	books sync.Mutex
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("tithe/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", tithe.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", tithe.ErrStoreNotReady, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Pending Store ====================

func (s *Store) AddPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	s.books.Lock()
	defer s.books.Unlock()

	cur, err := s.getPending(ctx, key)
	if err != nil {
		return types.Amount{}, err
	}
	total, overflow := cur.Add(amount)
	if overflow {
		return types.Amount{}, fmt.Errorf("%w: pending %s", tithe.ErrNumericOverflow, key)
	}
	if err := s.putPending(ctx, key, total); err != nil {
		return types.Amount{}, err
	}
	return total, nil
}

func (s *Store) SubPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	s.books.Lock()
	defer s.books.Unlock()

	cur, err := s.getPending(ctx, key)
	if err != nil {
		return types.Amount{}, err
	}
	removed := amount
	if cur.Lt(amount) {
		removed = cur
	}
	if removed.IsZero() {
		return removed, nil
	}
	if err := s.putPending(ctx, key, cur.SaturatingSub(removed)); err != nil {
		return types.Amount{}, err
	}
	return removed, nil
}

func (s *Store) GetPending(ctx context.Context, key types.FeeKey) (types.Amount, error) {
	return s.getPending(ctx, key)
}

func (s *Store) TakePending(ctx context.Context, key types.FeeKey) (types.Amount, error) {
	s.books.Lock()
	defer s.books.Unlock()

	cur, err := s.getPending(ctx, key)
	if err != nil {
		return types.Amount{}, err
	}
	if cur.IsZero() {
		return cur, nil
	}
	if err := s.putPending(ctx, key, types.ZeroAmount()); err != nil {
		return types.Amount{}, err
	}
	return cur, nil
}

func (s *Store) ListPending(ctx context.Context, asset types.AssetID) ([]*pending.Entry, error) {
	var models []pendingModel
	err := s.sdb.NewSelect(&models).
		Where("asset = ?", asset.Hex()).
		Where("amount != '0'").
		OrderExpr("venue ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*pending.Entry, len(models))
	for i := range models {
		e, err := fromPendingModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) getPending(ctx context.Context, key types.FeeKey) (types.Amount, error) {
	var amount string
	err := s.sdb.NewRaw(`
		SELECT COALESCE((SELECT amount FROM tithe_pending WHERE venue = ? AND asset = ?), '0')
	`, key.Venue.Hex(), key.Asset.Hex()).Scan(ctx, &amount)
	if err != nil {
		return types.Amount{}, err
	}
	return parseAmount(amount)
}

func (s *Store) putPending(ctx context.Context, key types.FeeKey, amount types.Amount) error {
	m := &pendingModel{
		Venue:     key.Venue.Hex(),
		Asset:     key.Asset.Hex(),
		Amount:    amount.String(),
		UpdatedAt: now(),
	}
	_, err := s.sdb.NewInsert(m).
		OnConflict("(venue, asset) DO UPDATE").
		Set("amount = EXCLUDED.amount").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// ==================== Collection Store ====================

func (s *Store) AddCollected(ctx context.Context, key types.FeeKey, amount types.Amount) error {
	s.books.Lock()
	defer s.books.Unlock()

	var lifetime string
	err := s.sdb.NewRaw(`
		SELECT COALESCE((SELECT lifetime_fees FROM tithe_collected WHERE venue = ? AND asset = ?), '0')
	`, key.Venue.Hex(), key.Asset.Hex()).Scan(ctx, &lifetime)
	if err != nil {
		return err
	}
	cur, err := parseAmount(lifetime)
	if err != nil {
		return err
	}
	total, overflow := cur.Add(amount)
	if overflow {
		return fmt.Errorf("%w: collected %s", tithe.ErrNumericOverflow, key)
	}

	m := &collectedModel{
		Venue:        key.Venue.Hex(),
		Asset:        key.Asset.Hex(),
		LifetimeFees: total.String(),
		UpdatedAt:    now(),
	}
	_, err = s.sdb.NewInsert(m).
		OnConflict("(venue, asset) DO UPDATE").
		Set("lifetime_fees = EXCLUDED.lifetime_fees").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) IncrementTradeCount(ctx context.Context, venue types.VenueID) (uint64, error) {
	var count int64
	err := s.sdb.NewRaw(`
		INSERT INTO tithe_trade_counts (venue, trade_count) VALUES (?, 1)
		ON CONFLICT (venue) DO UPDATE SET trade_count = trade_count + 1
		RETURNING trade_count
	`, venue.Hex()).Scan(ctx, &count)
	if err != nil {
		return 0, err
	}
	return uint64(count), nil
}

func (s *Store) GetStats(ctx context.Context, key types.FeeKey) (*collection.Stats, error) {
	var lifetime string
	err := s.sdb.NewRaw(`
		SELECT COALESCE((SELECT lifetime_fees FROM tithe_collected WHERE venue = ? AND asset = ?), '0')
	`, key.Venue.Hex(), key.Asset.Hex()).Scan(ctx, &lifetime)
	if err != nil {
		return nil, err
	}
	var count int64
	err = s.sdb.NewRaw(`
		SELECT COALESCE((SELECT trade_count FROM tithe_trade_counts WHERE venue = ?), 0)
	`, key.Venue.Hex()).Scan(ctx, &count)
	if err != nil {
		return nil, err
	}

	fees, err := parseAmount(lifetime)
	if err != nil {
		return nil, err
	}
	return &collection.Stats{
		Venue:        key.Venue,
		Asset:        key.Asset,
		LifetimeFees: fees,
		TradeCount:   uint64(count),
	}, nil
}

func (s *Store) CreateCollection(ctx context.Context, r *collection.Record) error {
	_, err := s.sdb.NewInsert(toCollectionModel(r)).Exec(ctx)
	return err
}

func (s *Store) ListCollections(ctx context.Context, opts collection.ListOpts) ([]*collection.Record, error) {
	var models []collectionModel
	q := s.sdb.NewSelect(&models)

	if opts.Venue != (types.VenueID{}) {
		q = q.Where("venue = ?", opts.Venue.Hex())
	}
	if opts.Asset != (types.AssetID{}) {
		q = q.Where("asset = ?", opts.Asset.Hex())
	}
	if !opts.Start.IsZero() {
		q = q.Where("collected_at >= ?", opts.Start)
	}
	if !opts.End.IsZero() {
		q = q.Where("collected_at < ?", opts.End)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("collected_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*collection.Record, len(models))
	for i := range models {
		r, err := fromCollectionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Accrual Store ====================

func (s *Store) CreateAccruals(ctx context.Context, records []*accrual.Record) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]accrualModel, len(records))
	for i, r := range records {
		models[i] = *toAccrualModel(r)
	}
	_, err := s.sdb.NewInsert(&models).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) ListAccruals(ctx context.Context, opts accrual.ListOpts) ([]*accrual.Record, error) {
	var models []accrualModel
	q := s.sdb.NewSelect(&models)

	if opts.Venue != (types.VenueID{}) {
		q = q.Where("venue = ?", opts.Venue.Hex())
	}
	if opts.Asset != (types.AssetID{}) {
		q = q.Where("asset = ?", opts.Asset.Hex())
	}
	if opts.Initiator != (types.Address{}) {
		q = q.Where("initiator = ?", opts.Initiator.Hex())
	}
	if !opts.Start.IsZero() {
		q = q.Where("created_at >= ?", opts.Start)
	}
	if !opts.End.IsZero() {
		q = q.Where("created_at < ?", opts.End)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*accrual.Record, len(models))
	for i := range models {
		r, err := fromAccrualModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) PurgeAccruals(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*accrualModel)(nil)).
		Where("created_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Policy Store ====================

func (s *Store) GetPolicy(ctx context.Context, engine types.Address) (*policy.Config, error) {
	m := new(policyModel)
	err := s.sdb.NewSelect(m).
		Where("engine = ?", engine.Hex()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tithe.ErrNotFound
		}
		return nil, err
	}
	return fromPolicyModel(m)
}

func (s *Store) SavePolicy(ctx context.Context, c *policy.Config) error {
	_, err := s.sdb.NewInsert(toPolicyModel(c)).
		OnConflict("(engine) DO UPDATE").
		Set("owner = EXCLUDED.owner").
		Set("global_rate_bps = EXCLUDED.global_rate_bps").
		Set("overrides = EXCLUDED.overrides").
		Set("paused = EXCLUDED.paused").
		Set("dust_threshold = EXCLUDED.dust_threshold").
		Set("fee_sink = EXCLUDED.fee_sink").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) CreatePolicyChange(ctx context.Context, c *policy.Change) error {
	_, err := s.sdb.NewInsert(toPolicyChangeModel(c)).Exec(ctx)
	return err
}

func (s *Store) ListPolicyChanges(ctx context.Context, engine types.Address, opts policy.ListOpts) ([]*policy.Change, error) {
	var models []policyChangeModel
	q := s.sdb.NewSelect(&models).Where("engine = ?", engine.Hex())

	if opts.Kind != "" {
		q = q.Where("kind = ?", string(opts.Kind))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*policy.Change, len(models))
	for i := range models {
		c, err := fromPolicyChangeModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

// ==================== Donation Store ====================

func (s *Store) GetVaultState(ctx context.Context, vault types.Address) (*donation.VaultState, error) {
	m := new(vaultModel)
	err := s.sdb.NewSelect(m).
		Where("vault = ?", vault.Hex()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tithe.ErrNotFound
		}
		return nil, err
	}
	return fromVaultModel(m)
}

func (s *Store) SaveVaultState(ctx context.Context, v *donation.VaultState) error {
	_, err := s.sdb.NewInsert(toVaultModel(v)).
		OnConflict("(vault) DO UPDATE").
		Set("asset = EXCLUDED.asset").
		Set("donation_address = EXCLUDED.donation_address").
		Set("total_donated = EXCLUDED.total_donated").
		Set("total_shares = EXCLUDED.total_shares").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) GetShareBalance(ctx context.Context, vault, holder types.Address) (types.Amount, error) {
	var shares string
	err := s.sdb.NewRaw(`
		SELECT COALESCE((SELECT shares FROM tithe_vault_shares WHERE vault = ? AND holder = ?), '0')
	`, vault.Hex(), holder.Hex()).Scan(ctx, &shares)
	if err != nil {
		return types.Amount{}, err
	}
	return parseAmount(shares)
}

func (s *Store) SetShareBalance(ctx context.Context, vault, holder types.Address, shares types.Amount) error {
	m := &shareModel{
		Vault:     vault.Hex(),
		Holder:    holder.Hex(),
		Shares:    shares.String(),
		UpdatedAt: now(),
	}
	_, err := s.sdb.NewInsert(m).
		OnConflict("(vault, holder) DO UPDATE").
		Set("shares = EXCLUDED.shares").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) CreateDonation(ctx context.Context, r *donation.Record) error {
	_, err := s.sdb.NewInsert(toDonationModel(r)).Exec(ctx)
	return err
}

func (s *Store) ListDonations(ctx context.Context, vault types.Address, opts donation.ListOpts) ([]*donation.Record, error) {
	var models []donationModel
	q := s.sdb.NewSelect(&models).Where("vault = ?", vault.Hex())

	if opts.Beneficiary != (types.Address{}) {
		q = q.Where("beneficiary = ?", opts.Beneficiary.Hex())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*donation.Record, len(models))
	for i := range models {
		r, err := fromDonationModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Yield Store ====================

func (s *Store) GetYieldState(ctx context.Context, strategy types.Address) (*yield.State, error) {
	m := new(yieldStateModel)
	err := s.sdb.NewSelect(m).
		Where("strategy = ?", strategy.Hex()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tithe.ErrNotFound
		}
		return nil, err
	}
	return fromYieldStateModel(m)
}

func (s *Store) SaveYieldState(ctx context.Context, st *yield.State) error {
	m := &yieldStateModel{
		Strategy:     st.Strategy.Hex(),
		Asset:        st.Asset.Hex(),
		LastReported: st.LastReported.String(),
		UpdatedAt:    now(),
	}
	_, err := s.sdb.NewInsert(m).
		OnConflict("(strategy) DO UPDATE").
		Set("asset = EXCLUDED.asset").
		Set("last_reported = EXCLUDED.last_reported").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) CreateYieldReport(ctx context.Context, r *yield.Report) error {
	_, err := s.sdb.NewInsert(toYieldReportModel(r)).Exec(ctx)
	return err
}

func (s *Store) ListYieldReports(ctx context.Context, strategy types.Address, opts yield.ListOpts) ([]*yield.Report, error) {
	var models []yieldReportModel
	q := s.sdb.NewSelect(&models).Where("strategy = ?", strategy.Hex())
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("reported_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*yield.Report, len(models))
	for i := range models {
		r, err := fromYieldReportModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
