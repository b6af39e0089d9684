package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
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

// Store implements store.Store using PostgreSQL via Grove ORM. The pending
// and collected books are NUMERIC(78,0) and every change to them is a
// single statement, so concurrent engines never lose an update.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("tithe/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", tithe.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", tithe.ErrStoreNotReady, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Pending Store ====================

func (s *Store) AddPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	var total string
	err := s.pg.NewRaw(`
		INSERT INTO tithe_pending (venue, asset, amount, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4)
		ON CONFLICT (venue, asset) DO UPDATE
		SET amount = tithe_pending.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		WHERE tithe_pending.amount + EXCLUDED.amount <= $5::text::numeric
		RETURNING amount::text
	`, key.Venue.Hex(), key.Asset.Hex(), amount.String(), now(), maxAmount).Scan(ctx, &total)
	if isNoRows(err) {
		return types.Amount{}, fmt.Errorf("%w: pending %s", tithe.ErrNumericOverflow, key)
	}
	if err != nil {
		return types.Amount{}, err
	}
	return parseAmount(total)
}

func (s *Store) SubPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	var removed string
	err := s.pg.NewRaw(`
		WITH cur AS (
			SELECT venue, asset, LEAST(amount, $3::text::numeric) AS removed
			FROM tithe_pending WHERE venue = $1 AND asset = $2
			FOR UPDATE
		)
		UPDATE tithe_pending p
		SET amount = p.amount - cur.removed, updated_at = $4
		FROM cur
		WHERE p.venue = cur.venue AND p.asset = cur.asset
		RETURNING cur.removed::text
	`, key.Venue.Hex(), key.Asset.Hex(), amount.String(), now()).Scan(ctx, &removed)
	if isNoRows(err) {
		return types.Amount{}, nil
	}
	if err != nil {
		return types.Amount{}, err
	}
	return parseAmount(removed)
}

func (s *Store) GetPending(ctx context.Context, key types.FeeKey) (types.Amount, error) {
	var amount string
	err := s.pg.NewRaw(`
		SELECT COALESCE((SELECT amount FROM tithe_pending WHERE venue = $1 AND asset = $2), 0)::text
	`, key.Venue.Hex(), key.Asset.Hex()).Scan(ctx, &amount)
	if err != nil {
		return types.Amount{}, err
	}
	return parseAmount(amount)
}

// TakePending zeroes the entry and returns what it held in one statement.
func (s *Store) TakePending(ctx context.Context, key types.FeeKey) (types.Amount, error) {
	var taken string
	err := s.pg.NewRaw(`
		WITH cur AS (
			SELECT venue, asset, amount FROM tithe_pending
			WHERE venue = $1 AND asset = $2
			FOR UPDATE
		)
		UPDATE tithe_pending p
		SET amount = 0, updated_at = $3
		FROM cur
		WHERE p.venue = cur.venue AND p.asset = cur.asset
		RETURNING cur.amount::text
	`, key.Venue.Hex(), key.Asset.Hex(), now()).Scan(ctx, &taken)
	if isNoRows(err) {
		return types.Amount{}, nil
	}
	if err != nil {
		return types.Amount{}, err
	}
	return parseAmount(taken)
}

func (s *Store) ListPending(ctx context.Context, asset types.AssetID) ([]*pending.Entry, error) {
	var models []pendingModel
	err := s.pg.NewSelect(&models).
		Where("asset = $1", asset.Hex()).
		Where("amount > 0").
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

// ==================== Collection Store ====================

func (s *Store) AddCollected(ctx context.Context, key types.FeeKey, amount types.Amount) error {
	var total string
	err := s.pg.NewRaw(`
		INSERT INTO tithe_collected (venue, asset, lifetime_fees, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4)
		ON CONFLICT (venue, asset) DO UPDATE
		SET lifetime_fees = tithe_collected.lifetime_fees + EXCLUDED.lifetime_fees, updated_at = EXCLUDED.updated_at
		WHERE tithe_collected.lifetime_fees + EXCLUDED.lifetime_fees <= $5::text::numeric
		RETURNING lifetime_fees::text
	`, key.Venue.Hex(), key.Asset.Hex(), amount.String(), now(), maxAmount).Scan(ctx, &total)
	if isNoRows(err) {
		return fmt.Errorf("%w: collected %s", tithe.ErrNumericOverflow, key)
	}
	return err
}

func (s *Store) IncrementTradeCount(ctx context.Context, venue types.VenueID) (uint64, error) {
	var count int64
	err := s.pg.NewRaw(`
		INSERT INTO tithe_trade_counts (venue, trade_count) VALUES ($1, 1)
		ON CONFLICT (venue) DO UPDATE SET trade_count = tithe_trade_counts.trade_count + 1
		RETURNING trade_count
	`, venue.Hex()).Scan(ctx, &count)
	if err != nil {
		return 0, err
	}
	return uint64(count), nil
}

func (s *Store) GetStats(ctx context.Context, key types.FeeKey) (*collection.Stats, error) {
	var lifetime string
	err := s.pg.NewRaw(`
		SELECT COALESCE((SELECT lifetime_fees FROM tithe_collected WHERE venue = $1 AND asset = $2), 0)::text
	`, key.Venue.Hex(), key.Asset.Hex()).Scan(ctx, &lifetime)
	if err != nil {
		return nil, err
	}
	var count int64
	err = s.pg.NewRaw(`
		SELECT COALESCE((SELECT trade_count FROM tithe_trade_counts WHERE venue = $1), 0)
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
	_, err := s.pg.NewInsert(toCollectionModel(r)).Exec(ctx)
	return err
}

func (s *Store) ListCollections(ctx context.Context, opts collection.ListOpts) ([]*collection.Record, error) {
	var models []collectionModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Venue != (types.VenueID{}) {
		argIdx++
		q = q.Where(fmt.Sprintf("venue = $%d", argIdx), opts.Venue.Hex())
	}
	if opts.Asset != (types.AssetID{}) {
		argIdx++
		q = q.Where(fmt.Sprintf("asset = $%d", argIdx), opts.Asset.Hex())
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("collected_at >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("collected_at < $%d", argIdx), opts.End)
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
	_, err := s.pg.NewInsert(&models).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) ListAccruals(ctx context.Context, opts accrual.ListOpts) ([]*accrual.Record, error) {
	var models []accrualModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Venue != (types.VenueID{}) {
		argIdx++
		q = q.Where(fmt.Sprintf("venue = $%d", argIdx), opts.Venue.Hex())
	}
	if opts.Asset != (types.AssetID{}) {
		argIdx++
		q = q.Where(fmt.Sprintf("asset = $%d", argIdx), opts.Asset.Hex())
	}
	if opts.Initiator != (types.Address{}) {
		argIdx++
		q = q.Where(fmt.Sprintf("initiator = $%d", argIdx), opts.Initiator.Hex())
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at < $%d", argIdx), opts.End)
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
	res, err := s.pg.NewDelete((*accrualModel)(nil)).
		Where("created_at < $1", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Policy Store ====================

func (s *Store) GetPolicy(ctx context.Context, engine types.Address) (*policy.Config, error) {
	m := new(policyModel)
	err := s.pg.NewSelect(m).
		Where("engine = $1", engine.Hex()).
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
	_, err := s.pg.NewInsert(toPolicyModel(c)).
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
	_, err := s.pg.NewInsert(toPolicyChangeModel(c)).Exec(ctx)
	return err
}

func (s *Store) ListPolicyChanges(ctx context.Context, engine types.Address, opts policy.ListOpts) ([]*policy.Change, error) {
	var models []policyChangeModel
	q := s.pg.NewSelect(&models).Where("engine = $1", engine.Hex())

	if opts.Kind != "" {
		q = q.Where("kind = $2", string(opts.Kind))
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
	err := s.pg.NewSelect(m).
		Where("vault = $1", vault.Hex()).
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
	_, err := s.pg.NewInsert(toVaultModel(v)).
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
	err := s.pg.NewRaw(`
		SELECT COALESCE((SELECT shares FROM tithe_vault_shares WHERE vault = $1 AND holder = $2), '0')
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
	_, err := s.pg.NewInsert(m).
		OnConflict("(vault, holder) DO UPDATE").
		Set("shares = EXCLUDED.shares").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) CreateDonation(ctx context.Context, r *donation.Record) error {
	_, err := s.pg.NewInsert(toDonationModel(r)).Exec(ctx)
	return err
}

func (s *Store) ListDonations(ctx context.Context, vault types.Address, opts donation.ListOpts) ([]*donation.Record, error) {
	var models []donationModel
	q := s.pg.NewSelect(&models).Where("vault = $1", vault.Hex())

	if opts.Beneficiary != (types.Address{}) {
		q = q.Where("beneficiary = $2", opts.Beneficiary.Hex())
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
	err := s.pg.NewSelect(m).
		Where("strategy = $1", strategy.Hex()).
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
	_, err := s.pg.NewInsert(m).
		OnConflict("(strategy) DO UPDATE").
		Set("asset = EXCLUDED.asset").
		Set("last_reported = EXCLUDED.last_reported").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) CreateYieldReport(ctx context.Context, r *yield.Report) error {
	_, err := s.pg.NewInsert(toYieldReportModel(r)).Exec(ctx)
	return err
}

func (s *Store) ListYieldReports(ctx context.Context, strategy types.Address, opts yield.ListOpts) ([]*yield.Report, error) {
	var models []yieldReportModel
	q := s.pg.NewSelect(&models).Where("strategy = $1", strategy.Hex())
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

// maxAmount bounds the NUMERIC books to 2^256-1.
var maxAmount = types.MaxAmount().String()

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
