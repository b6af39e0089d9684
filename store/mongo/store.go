package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

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

// Collection name constants.
const (
	colPending       = "tithe_pending"
	colCollected     = "tithe_collected"
	colTradeCounts   = "tithe_trade_counts"
	colCollections   = "tithe_collections"
	colAccruals      = "tithe_accruals"
	colPolicies      = "tithe_policies"
	colPolicyChanges = "tithe_policy_changes"
	colVaults        = "tithe_vaults"
	colShares        = "tithe_vault_shares"
	colDonations     = "tithe_donations"
	colYieldStates   = "tithe_yield_states"
	colYieldReports  = "tithe_yield_reports"
)

// maxCASAttempts bounds the compare-and-swap retries on the fee books.
const maxCASAttempts = 16

// ErrContention is returned when a fee book entry kept changing underneath a
// compare-and-swap update.
var ErrContention = errors.New("tithe/mongo: too much write contention")

// compile-time interface check
var _ tithestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM. Amounts are
// strings, so the pending and collected books are updated with
// compare-and-swap on the previous value.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all tithe collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: mongo: %s indexes: %w", tithe.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: mongo: %w", tithe.ErrStoreNotReady, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Pending Store ====================

func (s *Store) AddPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	_, next, err := s.swapAmount(ctx, colPending, "amount", key, func(cur types.Amount) (types.Amount, error) {
		total, overflow := cur.Add(amount)
		if overflow {
			return types.Amount{}, fmt.Errorf("%w: pending %s", tithe.ErrNumericOverflow, key)
		}
		return total, nil
	})
	if err != nil {
		return types.Amount{}, err
	}
	return next, nil
}

func (s *Store) SubPending(ctx context.Context, key types.FeeKey, amount types.Amount) (types.Amount, error) {
	prev, next, err := s.swapAmount(ctx, colPending, "amount", key, func(cur types.Amount) (types.Amount, error) {
		return cur.SaturatingSub(amount), nil
	})
	if err != nil {
		return types.Amount{}, err
	}
	removed, _ := prev.Sub(next)
	return removed, nil
}

func (s *Store) GetPending(ctx context.Context, key types.FeeKey) (types.Amount, error) {
	var m pendingModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": feeDocKey(key)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return types.Amount{}, nil
		}
		return types.Amount{}, fmt.Errorf("tithe/mongo: get pending: %w", err)
	}
	return parseAmount(m.Amount)
}

func (s *Store) TakePending(ctx context.Context, key types.FeeKey) (types.Amount, error) {
	var m pendingModel
	err := s.mdb.Collection(colPending).FindOneAndUpdate(ctx,
		bson.M{"_id": feeDocKey(key)},
		bson.M{"$set": bson.M{"amount": "0", "updated_at": now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return types.Amount{}, nil
		}
		return types.Amount{}, fmt.Errorf("tithe/mongo: take pending: %w", err)
	}
	return parseAmount(m.Amount)
}

func (s *Store) ListPending(ctx context.Context, asset types.AssetID) ([]*pending.Entry, error) {
	var models []pendingModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"asset": asset.Hex(), "amount": bson.M{"$ne": "0"}}).
		Sort(bson.D{{Key: "venue", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tithe/mongo: list pending: %w", err)
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

// swapAmount applies fn to the amount stored under key and writes the result
// only if the stored value is unchanged since it was read.
func (s *Store) swapAmount(ctx context.Context, col, field string, key types.FeeKey, fn func(types.Amount) (types.Amount, error)) (prev, next types.Amount, err error) {
	docID := feeDocKey(key)
	c := s.mdb.Collection(col)

	for range maxCASAttempts {
		var doc bson.M
		err = c.FindOne(ctx, bson.M{"_id": docID}).Decode(&doc)
		missing := isNoDocuments(err)
		if err != nil && !missing {
			return prev, next, fmt.Errorf("tithe/mongo: read %s: %w", col, err)
		}

		stored := "0"
		if !missing {
			if v, ok := doc[field].(string); ok {
				stored = v
			}
		}
		if prev, err = parseAmount(stored); err != nil {
			return prev, next, err
		}
		if next, err = fn(prev); err != nil {
			return prev, next, err
		}
		if next.Eq(prev) {
			return prev, next, nil
		}

		set := bson.M{
			field:        next.String(),
			"venue":      key.Venue.Hex(),
			"asset":      key.Asset.Hex(),
			"updated_at": now(),
		}
		if missing {
			set["_id"] = docID
			_, err = c.InsertOne(ctx, set)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return prev, next, fmt.Errorf("tithe/mongo: insert %s: %w", col, err)
			}
			return prev, next, nil
		}

		res, err := c.UpdateOne(ctx, bson.M{"_id": docID, field: stored}, bson.M{"$set": set})
		if err != nil {
			return prev, next, fmt.Errorf("tithe/mongo: update %s: %w", col, err)
		}
		if res.MatchedCount == 1 {
			return prev, next, nil
		}
	}
	return prev, next, fmt.Errorf("%w: %s %s", ErrContention, col, key)
}

// ==================== Collection Store ====================

func (s *Store) AddCollected(ctx context.Context, key types.FeeKey, amount types.Amount) error {
	_, _, err := s.swapAmount(ctx, colCollected, "lifetime_fees", key, func(cur types.Amount) (types.Amount, error) {
		total, overflow := cur.Add(amount)
		if overflow {
			return types.Amount{}, fmt.Errorf("%w: collected %s", tithe.ErrNumericOverflow, key)
		}
		return total, nil
	})
	return err
}

func (s *Store) IncrementTradeCount(ctx context.Context, venue types.VenueID) (uint64, error) {
	var m tradeCountModel
	err := s.mdb.Collection(colTradeCounts).FindOneAndUpdate(ctx,
		bson.M{"_id": venue.Hex()},
		bson.M{"$inc": bson.M{"trade_count": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		return 0, fmt.Errorf("tithe/mongo: increment trade count: %w", err)
	}
	return uint64(m.TradeCount), nil //nolint:gosec // only ever incremented
}

func (s *Store) GetStats(ctx context.Context, key types.FeeKey) (*collection.Stats, error) {
	stats := &collection.Stats{Venue: key.Venue, Asset: key.Asset}

	var c collectedModel
	err := s.mdb.NewFind(&c).
		Filter(bson.M{"_id": feeDocKey(key)}).
		Scan(ctx)
	switch {
	case err == nil:
		if stats.LifetimeFees, err = parseAmount(c.LifetimeFees); err != nil {
			return nil, err
		}
	case !isNoDocuments(err):
		return nil, fmt.Errorf("tithe/mongo: get collected: %w", err)
	}

	var t tradeCountModel
	err = s.mdb.NewFind(&t).
		Filter(bson.M{"_id": key.Venue.Hex()}).
		Scan(ctx)
	switch {
	case err == nil:
		stats.TradeCount = uint64(t.TradeCount) //nolint:gosec // only ever incremented
	case !isNoDocuments(err):
		return nil, fmt.Errorf("tithe/mongo: get trade count: %w", err)
	}
	return stats, nil
}

func (s *Store) CreateCollection(ctx context.Context, r *collection.Record) error {
	_, err := s.mdb.NewInsert(toCollectionModel(r)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: create collection: %w", err)
	}
	return nil
}

func (s *Store) ListCollections(ctx context.Context, opts collection.ListOpts) ([]*collection.Record, error) {
	var models []collectionModel

	filter := bson.M{}
	if opts.Venue != (types.VenueID{}) {
		filter["venue"] = opts.Venue.Hex()
	}
	if opts.Asset != (types.AssetID{}) {
		filter["asset"] = opts.Asset.Hex()
	}
	if r := timeRange(opts.Start, opts.End); r != nil {
		filter["collected_at"] = r
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "collected_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tithe/mongo: list collections: %w", err)
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
	docs := make([]any, len(records))
	for i, r := range records {
		docs[i] = toAccrualModel(r)
	}
	_, err := s.mdb.Collection(colAccruals).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("tithe/mongo: create accruals: %w", err)
	}
	return nil
}

func (s *Store) ListAccruals(ctx context.Context, opts accrual.ListOpts) ([]*accrual.Record, error) {
	var models []accrualModel

	filter := bson.M{}
	if opts.Venue != (types.VenueID{}) {
		filter["venue"] = opts.Venue.Hex()
	}
	if opts.Asset != (types.AssetID{}) {
		filter["asset"] = opts.Asset.Hex()
	}
	if opts.Initiator != (types.Address{}) {
		filter["initiator"] = opts.Initiator.Hex()
	}
	if r := timeRange(opts.Start, opts.End); r != nil {
		filter["created_at"] = r
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tithe/mongo: list accruals: %w", err)
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
	res, err := s.mdb.Collection(colAccruals).
		DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("tithe/mongo: purge accruals: %w", err)
	}
	return res.DeletedCount, nil
}

// ==================== Policy Store ====================

func (s *Store) GetPolicy(ctx context.Context, engine types.Address) (*policy.Config, error) {
	var m policyModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": engine.Hex()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tithe.ErrNotFound
		}
		return nil, fmt.Errorf("tithe/mongo: get policy: %w", err)
	}
	return fromPolicyModel(&m)
}

func (s *Store) SavePolicy(ctx context.Context, c *policy.Config) error {
	m := toPolicyModel(c)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.Engine}).
		SetUpdate(bson.M{"$set": bson.M{
			"owner":           m.Owner,
			"global_rate_bps": m.GlobalRateBps,
			"overrides":       m.Overrides,
			"paused":          m.Paused,
			"dust_threshold":  m.DustThreshold,
			"fee_sink":        m.FeeSink,
			"updated_at":      m.UpdatedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: save policy: %w", err)
	}
	return nil
}

func (s *Store) CreatePolicyChange(ctx context.Context, c *policy.Change) error {
	_, err := s.mdb.NewInsert(toPolicyChangeModel(c)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: create policy change: %w", err)
	}
	return nil
}

func (s *Store) ListPolicyChanges(ctx context.Context, engine types.Address, opts policy.ListOpts) ([]*policy.Change, error) {
	var models []policyChangeModel

	filter := bson.M{"engine": engine.Hex()}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tithe/mongo: list policy changes: %w", err)
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
	var m vaultModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": vault.Hex()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tithe.ErrNotFound
		}
		return nil, fmt.Errorf("tithe/mongo: get vault: %w", err)
	}
	return fromVaultModel(&m)
}

func (s *Store) SaveVaultState(ctx context.Context, v *donation.VaultState) error {
	m := toVaultModel(v)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.Vault}).
		SetUpdate(bson.M{"$set": bson.M{
			"asset":            m.Asset,
			"donation_address": m.DonationAddress,
			"total_donated":    m.TotalDonated,
			"total_shares":     m.TotalShares,
			"updated_at":       m.UpdatedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: save vault: %w", err)
	}
	return nil
}

func (s *Store) GetShareBalance(ctx context.Context, vault, holder types.Address) (types.Amount, error) {
	var m shareModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": docKey(vault.Hex(), holder.Hex())}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return types.Amount{}, nil
		}
		return types.Amount{}, fmt.Errorf("tithe/mongo: get shares: %w", err)
	}
	return parseAmount(m.Shares)
}

func (s *Store) SetShareBalance(ctx context.Context, vault, holder types.Address, shares types.Amount) error {
	m := &shareModel{
		ID:        docKey(vault.Hex(), holder.Hex()),
		Vault:     vault.Hex(),
		Holder:    holder.Hex(),
		Shares:    shares.String(),
		UpdatedAt: now(),
	}
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		SetUpdate(bson.M{"$set": bson.M{
			"vault":      m.Vault,
			"holder":     m.Holder,
			"shares":     m.Shares,
			"updated_at": m.UpdatedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: set shares: %w", err)
	}
	return nil
}

func (s *Store) CreateDonation(ctx context.Context, r *donation.Record) error {
	_, err := s.mdb.NewInsert(toDonationModel(r)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: create donation: %w", err)
	}
	return nil
}

func (s *Store) ListDonations(ctx context.Context, vault types.Address, opts donation.ListOpts) ([]*donation.Record, error) {
	var models []donationModel

	filter := bson.M{"vault": vault.Hex()}
	if opts.Beneficiary != (types.Address{}) {
		filter["beneficiary"] = opts.Beneficiary.Hex()
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tithe/mongo: list donations: %w", err)
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
	var m yieldStateModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": strategy.Hex()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tithe.ErrNotFound
		}
		return nil, fmt.Errorf("tithe/mongo: get yield state: %w", err)
	}
	return fromYieldStateModel(&m)
}

func (s *Store) SaveYieldState(ctx context.Context, st *yield.State) error {
	_, err := s.mdb.NewUpdate((*yieldStateModel)(nil)).
		Filter(bson.M{"_id": st.Strategy.Hex()}).
		SetUpdate(bson.M{"$set": bson.M{
			"asset":         st.Asset.Hex(),
			"last_reported": st.LastReported.String(),
			"updated_at":    now(),
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: save yield state: %w", err)
	}
	return nil
}

func (s *Store) CreateYieldReport(ctx context.Context, r *yield.Report) error {
	_, err := s.mdb.NewInsert(toYieldReportModel(r)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tithe/mongo: create yield report: %w", err)
	}
	return nil
}

func (s *Store) ListYieldReports(ctx context.Context, strategy types.Address, opts yield.ListOpts) ([]*yield.Report, error) {
	var models []yieldReportModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"strategy": strategy.Hex()}).
		Sort(bson.D{{Key: "reported_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tithe/mongo: list yield reports: %w", err)
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

func feeDocKey(key types.FeeKey) string {
	return docKey(key.Venue.Hex(), key.Asset.Hex())
}

// timeRange builds a half-open [start, end) filter, or nil when both are zero.
func timeRange(start, end time.Time) bson.M {
	if start.IsZero() && end.IsZero() {
		return nil
	}
	r := bson.M{}
	if !start.IsZero() {
		r["$gte"] = start
	}
	if !end.IsZero() {
		r["$lt"] = end
	}
	return r
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all tithe collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPending: {
			{Keys: bson.D{{Key: "asset", Value: 1}, {Key: "venue", Value: 1}}},
		},
		colCollected:   {},
		colTradeCounts: {},
		colCollections: {
			{Keys: bson.D{{Key: "venue", Value: 1}, {Key: "asset", Value: 1}, {Key: "collected_at", Value: 1}}},
		},
		colAccruals: {
			{Keys: bson.D{{Key: "venue", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "initiator", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		colPolicies: {},
		colPolicyChanges: {
			{Keys: bson.D{{Key: "engine", Value: 1}, {Key: "kind", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colVaults: {},
		colShares: {
			{
				Keys:    bson.D{{Key: "vault", Value: 1}, {Key: "holder", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colDonations: {
			{Keys: bson.D{{Key: "vault", Value: 1}, {Key: "beneficiary", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colYieldStates: {},
		colYieldReports: {
			{Keys: bson.D{{Key: "strategy", Value: 1}, {Key: "reported_at", Value: 1}}},
		},
	}
}
