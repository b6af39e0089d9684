package mongo

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xraph/grove"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/pending"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Amounts are stored as base-10 strings. Documents keyed by more than one
// field use a composite "_id" built by docKey.

// ==================== Accrual models ====================

type accrualModel struct {
	grove.BaseModel `grove:"table:tithe_accruals"`

	ID         string    `grove:"id,pk"       bson:"_id"`
	Venue      string    `grove:"venue"       bson:"venue"`
	Asset      string    `grove:"asset"       bson:"asset"`
	Fee        string    `grove:"fee"         bson:"fee"`
	Specified  string    `grove:"specified"   bson:"specified"`
	ExactInput bool      `grove:"exact_input" bson:"exact_input"`
	RateBps    int       `grove:"rate_bps"    bson:"rate_bps"`
	Initiator  string    `grove:"initiator"   bson:"initiator"`
	CreatedAt  time.Time `grove:"created_at"  bson:"created_at"`
}

func toAccrualModel(r *accrual.Record) *accrualModel {
	return &accrualModel{
		ID:         r.ID.String(),
		Venue:      r.Venue.Hex(),
		Asset:      r.Asset.Hex(),
		Fee:        r.Fee.String(),
		Specified:  r.Specified.String(),
		ExactInput: r.ExactInput,
		RateBps:    int(r.RateBps),
		Initiator:  r.Initiator.Hex(),
		CreatedAt:  r.CreatedAt,
	}
}

func fromAccrualModel(m *accrualModel) (*accrual.Record, error) {
	accrualID, err := id.ParseAccrualID(m.ID)
	if err != nil {
		return nil, err
	}
	fee, err := parseAmount(m.Fee)
	if err != nil {
		return nil, err
	}
	specified, err := parseAmount(m.Specified)
	if err != nil {
		return nil, err
	}
	return &accrual.Record{
		ID:         accrualID,
		Venue:      common.HexToHash(m.Venue),
		Asset:      common.HexToAddress(m.Asset),
		Fee:        fee,
		Specified:  specified,
		ExactInput: m.ExactInput,
		RateBps:    uint16(m.RateBps), //nolint:gosec // rate_bps is written from a uint16
		Initiator:  common.HexToAddress(m.Initiator),
		CreatedAt:  m.CreatedAt,
	}, nil
}

// ==================== Collection models ====================

type collectionModel struct {
	grove.BaseModel `grove:"table:tithe_collections"`

	ID          string    `grove:"id,pk"        bson:"_id"`
	Venue       string    `grove:"venue"        bson:"venue"`
	Asset       string    `grove:"asset"        bson:"asset"`
	Amount      string    `grove:"amount"       bson:"amount"`
	Shares      string    `grove:"shares"       bson:"shares"`
	Sink        string    `grove:"sink"         bson:"sink"`
	Caller      string    `grove:"caller"       bson:"caller"`
	CollectedAt time.Time `grove:"collected_at" bson:"collected_at"`
}

func toCollectionModel(r *collection.Record) *collectionModel {
	return &collectionModel{
		ID:          r.ID.String(),
		Venue:       r.Venue.Hex(),
		Asset:       r.Asset.Hex(),
		Amount:      r.Amount.String(),
		Shares:      r.Shares.String(),
		Sink:        r.Sink.Hex(),
		Caller:      r.Caller.Hex(),
		CollectedAt: r.CollectedAt,
	}
}

func fromCollectionModel(m *collectionModel) (*collection.Record, error) {
	colID, err := id.ParseCollectionID(m.ID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(m.Amount)
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount(m.Shares)
	if err != nil {
		return nil, err
	}
	return &collection.Record{
		ID:          colID,
		Venue:       common.HexToHash(m.Venue),
		Asset:       common.HexToAddress(m.Asset),
		Amount:      amount,
		Shares:      shares,
		Sink:        common.HexToAddress(m.Sink),
		Caller:      common.HexToAddress(m.Caller),
		CollectedAt: m.CollectedAt,
	}, nil
}

// ==================== Policy models ====================

type policyModel struct {
	grove.BaseModel `grove:"table:tithe_policies"`

	Engine        string         `grove:"engine,pk"       bson:"_id"`
	Owner         string         `grove:"owner"           bson:"owner"`
	GlobalRateBps int            `grove:"global_rate_bps" bson:"global_rate_bps"`
	Overrides     map[string]int `grove:"overrides"       bson:"overrides"`
	Paused        bool           `grove:"paused"          bson:"paused"`
	DustThreshold string         `grove:"dust_threshold"  bson:"dust_threshold"`
	FeeSink       string         `grove:"fee_sink"        bson:"fee_sink"`
	UpdatedAt     time.Time      `grove:"updated_at"      bson:"updated_at"`
}

func toPolicyModel(c *policy.Config) *policyModel {
	overrides := make(map[string]int, len(c.Overrides))
	for venue, bps := range c.Overrides {
		overrides[venue.Hex()] = int(bps)
	}

	return &policyModel{
		Engine:        c.Engine.Hex(),
		Owner:         c.Owner.Hex(),
		GlobalRateBps: int(c.GlobalRateBps),
		Overrides:     overrides,
		Paused:        c.Paused,
		DustThreshold: c.DustThreshold.String(),
		FeeSink:       c.FeeSink.Hex(),
		UpdatedAt:     now(),
	}
}

func fromPolicyModel(m *policyModel) (*policy.Config, error) {
	dust, err := parseAmount(m.DustThreshold)
	if err != nil {
		return nil, err
	}
	overrides := make(map[types.VenueID]uint16, len(m.Overrides))
	for venue, bps := range m.Overrides {
		overrides[common.HexToHash(venue)] = uint16(bps) //nolint:gosec // written from a uint16
	}
	return &policy.Config{
		Engine:        common.HexToAddress(m.Engine),
		Owner:         common.HexToAddress(m.Owner),
		GlobalRateBps: uint16(m.GlobalRateBps), //nolint:gosec // written from a uint16
		Overrides:     overrides,
		Paused:        m.Paused,
		DustThreshold: dust,
		FeeSink:       common.HexToAddress(m.FeeSink),
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

type policyChangeModel struct {
	grove.BaseModel `grove:"table:tithe_policy_changes"`

	ID        string    `grove:"id,pk"      bson:"_id"`
	Engine    string    `grove:"engine"     bson:"engine"`
	Actor     string    `grove:"actor"      bson:"actor"`
	Kind      string    `grove:"kind"       bson:"kind"`
	Venue     string    `grove:"venue"      bson:"venue"`
	OldValue  string    `grove:"old_value"  bson:"old_value"`
	NewValue  string    `grove:"new_value"  bson:"new_value"`
	CreatedAt time.Time `grove:"created_at" bson:"created_at"`
}

func toPolicyChangeModel(c *policy.Change) *policyChangeModel {
	return &policyChangeModel{
		ID:        c.ID.String(),
		Engine:    c.Engine.Hex(),
		Actor:     c.Actor.Hex(),
		Kind:      string(c.Kind),
		Venue:     c.Venue.Hex(),
		OldValue:  c.Old,
		NewValue:  c.New,
		CreatedAt: c.CreatedAt,
	}
}

func fromPolicyChangeModel(m *policyChangeModel) (*policy.Change, error) {
	changeID, err := id.ParseChangeID(m.ID)
	if err != nil {
		return nil, err
	}
	return &policy.Change{
		ID:        changeID,
		Engine:    common.HexToAddress(m.Engine),
		Actor:     common.HexToAddress(m.Actor),
		Kind:      policy.ChangeKind(m.Kind),
		Venue:     common.HexToHash(m.Venue),
		Old:       m.OldValue,
		New:       m.NewValue,
		CreatedAt: m.CreatedAt,
	}, nil
}

// ==================== Donation models ====================

type vaultModel struct {
	grove.BaseModel `grove:"table:tithe_vaults"`

	Vault           string    `grove:"vault,pk"         bson:"_id"`
	Asset           string    `grove:"asset"            bson:"asset"`
	DonationAddress string    `grove:"donation_address" bson:"donation_address"`
	TotalDonated    string    `grove:"total_donated"    bson:"total_donated"`
	TotalShares     string    `grove:"total_shares"     bson:"total_shares"`
	UpdatedAt       time.Time `grove:"updated_at"       bson:"updated_at"`
}

func toVaultModel(v *donation.VaultState) *vaultModel {
	return &vaultModel{
		Vault:           v.Vault.Hex(),
		Asset:           v.Asset.Hex(),
		DonationAddress: v.DonationAddress.Hex(),
		TotalDonated:    v.TotalDonated.String(),
		TotalShares:     v.TotalShares.String(),
		UpdatedAt:       now(),
	}
}

func fromVaultModel(m *vaultModel) (*donation.VaultState, error) {
	donated, err := parseAmount(m.TotalDonated)
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount(m.TotalShares)
	if err != nil {
		return nil, err
	}
	return &donation.VaultState{
		Vault:           common.HexToAddress(m.Vault),
		Asset:           common.HexToAddress(m.Asset),
		DonationAddress: common.HexToAddress(m.DonationAddress),
		TotalDonated:    donated,
		TotalShares:     shares,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

type shareModel struct {
	grove.BaseModel `grove:"table:tithe_vault_shares"`

	ID        string    `grove:"id,pk"      bson:"_id"`
	Vault     string    `grove:"vault"      bson:"vault"`
	Holder    string    `grove:"holder"     bson:"holder"`
	Shares    string    `grove:"shares"     bson:"shares"`
	UpdatedAt time.Time `grove:"updated_at" bson:"updated_at"`
}

type donationModel struct {
	grove.BaseModel `grove:"table:tithe_donations"`

	ID          string    `grove:"id,pk"       bson:"_id"`
	Vault       string    `grove:"vault"       bson:"vault"`
	Depositor   string    `grove:"depositor"   bson:"depositor"`
	Tag         string    `grove:"tag"         bson:"tag"`
	Beneficiary string    `grove:"beneficiary" bson:"beneficiary"`
	Assets      string    `grove:"assets"      bson:"assets"`
	Shares      string    `grove:"shares"      bson:"shares"`
	CreatedAt   time.Time `grove:"created_at"  bson:"created_at"`
}

func toDonationModel(r *donation.Record) *donationModel {
	return &donationModel{
		ID:          r.ID.String(),
		Vault:       r.Vault.Hex(),
		Depositor:   r.Depositor.Hex(),
		Tag:         r.Tag.Hex(),
		Beneficiary: r.Beneficiary.Hex(),
		Assets:      r.Assets.String(),
		Shares:      r.Shares.String(),
		CreatedAt:   r.CreatedAt,
	}
}

func fromDonationModel(m *donationModel) (*donation.Record, error) {
	donID, err := id.ParseDonationID(m.ID)
	if err != nil {
		return nil, err
	}
	assets, err := parseAmount(m.Assets)
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount(m.Shares)
	if err != nil {
		return nil, err
	}
	return &donation.Record{
		ID:          donID,
		Vault:       common.HexToAddress(m.Vault),
		Depositor:   common.HexToAddress(m.Depositor),
		Tag:         common.HexToAddress(m.Tag),
		Beneficiary: common.HexToAddress(m.Beneficiary),
		Assets:      assets,
		Shares:      shares,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// ==================== Yield models ====================

type yieldStateModel struct {
	grove.BaseModel `grove:"table:tithe_yield_states"`

	Strategy     string    `grove:"strategy,pk"   bson:"_id"`
	Asset        string    `grove:"asset"         bson:"asset"`
	LastReported string    `grove:"last_reported" bson:"last_reported"`
	UpdatedAt    time.Time `grove:"updated_at"    bson:"updated_at"`
}

func fromYieldStateModel(m *yieldStateModel) (*yield.State, error) {
	last, err := parseAmount(m.LastReported)
	if err != nil {
		return nil, err
	}
	return &yield.State{
		Strategy:     common.HexToAddress(m.Strategy),
		Asset:        common.HexToAddress(m.Asset),
		LastReported: last,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

type yieldReportModel struct {
	grove.BaseModel `grove:"table:tithe_yield_reports"`

	ID          string    `grove:"id,pk"        bson:"_id"`
	Strategy    string    `grove:"strategy"     bson:"strategy"`
	Asset       string    `grove:"asset"        bson:"asset"`
	Previous    string    `grove:"previous"     bson:"previous"`
	TotalAssets string    `grove:"total_assets" bson:"total_assets"`
	Profit      string    `grove:"profit"       bson:"profit"`
	ReportedAt  time.Time `grove:"reported_at"  bson:"reported_at"`
}

func toYieldReportModel(r *yield.Report) *yieldReportModel {
	return &yieldReportModel{
		ID:          r.ID.String(),
		Strategy:    r.Strategy.Hex(),
		Asset:       r.Asset.Hex(),
		Previous:    r.Previous.String(),
		TotalAssets: r.TotalAssets.String(),
		Profit:      r.Profit.String(),
		ReportedAt:  r.ReportedAt,
	}
}

func fromYieldReportModel(m *yieldReportModel) (*yield.Report, error) {
	yieldID, err := id.ParseYieldID(m.ID)
	if err != nil {
		return nil, err
	}
	prev, err := parseAmount(m.Previous)
	if err != nil {
		return nil, err
	}
	total, err := parseAmount(m.TotalAssets)
	if err != nil {
		return nil, err
	}
	profit, err := parseAmount(m.Profit)
	if err != nil {
		return nil, err
	}
	return &yield.Report{
		ID:          yieldID,
		Strategy:    common.HexToAddress(m.Strategy),
		Asset:       common.HexToAddress(m.Asset),
		Previous:    prev,
		TotalAssets: total,
		Profit:      profit,
		ReportedAt:  m.ReportedAt,
	}, nil
}

// parseAmount reads a base-10 amount; empty text is zero.
func parseAmount(s string) (types.Amount, error) {
	if s == "" {
		return types.Amount{}, nil
	}
	return types.ParseAmount(s)
}

// ==================== Pending models ====================

type pendingModel struct {
	grove.BaseModel `grove:"table:tithe_pending"`

	ID        string    `grove:"id,pk"      bson:"_id"`
	Venue     string    `grove:"venue"      bson:"venue"`
	Asset     string    `grove:"asset"      bson:"asset"`
	Amount    string    `grove:"amount"     bson:"amount"`
	UpdatedAt time.Time `grove:"updated_at" bson:"updated_at"`
}

func fromPendingModel(m *pendingModel) (*pending.Entry, error) {
	amount, err := parseAmount(m.Amount)
	if err != nil {
		return nil, err
	}
	return &pending.Entry{
		Venue:     common.HexToHash(m.Venue),
		Asset:     common.HexToAddress(m.Asset),
		Amount:    amount,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

type collectedModel struct {
	grove.BaseModel `grove:"table:tithe_collected"`

	ID           string    `grove:"id,pk"         bson:"_id"`
	Venue        string    `grove:"venue"         bson:"venue"`
	Asset        string    `grove:"asset"         bson:"asset"`
	LifetimeFees string    `grove:"lifetime_fees" bson:"lifetime_fees"`
	UpdatedAt    time.Time `grove:"updated_at"    bson:"updated_at"`
}

type tradeCountModel struct {
	grove.BaseModel `grove:"table:tithe_trade_counts"`

	Venue      string `grove:"venue,pk"    bson:"_id"`
	TradeCount int64  `grove:"trade_count" bson:"trade_count"`
}

// docKey joins the parts of a composite key.
func docKey(parts ...string) string {
	return strings.Join(parts, ":")
}
