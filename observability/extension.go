// Package observability provides a metrics extension for Tithe that records
// fee, settlement, governance and vault event counts via a MetricFactory.
package observability

import (
	"context"
	"math/big"
	"time"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                   = (*MetricsExtension)(nil)
	_ plugin.OnInit                   = (*MetricsExtension)(nil)
	_ plugin.OnFeeAccrued             = (*MetricsExtension)(nil)
	_ plugin.OnFeeCollected           = (*MetricsExtension)(nil)
	_ plugin.OnSettlementFailed       = (*MetricsExtension)(nil)
	_ plugin.OnRecordsFlushed         = (*MetricsExtension)(nil)
	_ plugin.OnPolicyChanged          = (*MetricsExtension)(nil)
	_ plugin.OnVaultDeposit           = (*MetricsExtension)(nil)
	_ plugin.OnDonation               = (*MetricsExtension)(nil)
	_ plugin.OnDonationAddressChanged = (*MetricsExtension)(nil)
	_ plugin.OnYieldReported          = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide fee metrics.
// Register it as a Tithe plugin to track accruals and settlements.
type MetricsExtension struct {
	factory MetricFactory

	// Fee metrics
	FeesAccrued      Counter
	FeeAmount        Histogram
	Settlements      Counter
	SettledAmount    Histogram
	SettlementErrors Counter

	// Record metrics
	RecordsFlushed Counter
	FlushLatency   Histogram

	// Governance metrics
	PolicyChanges Counter
	OwnerChanges  Counter

	// Vault metrics
	VaultDeposits          Counter
	Donations              Counter
	DonatedAssets          Histogram
	DonationAddressChanges Counter

	// Strategy metrics
	YieldReports Counter
	YieldProfit  Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Fee metrics
		FeesAccrued:      factory.Counter("tithe.fee.accrued"),
		FeeAmount:        factory.Histogram("tithe.fee.amount"),
		Settlements:      factory.Counter("tithe.settlement.completed"),
		SettledAmount:    factory.Histogram("tithe.settlement.amount"),
		SettlementErrors: factory.Counter("tithe.settlement.failed"),

		// Record metrics
		RecordsFlushed: factory.Counter("tithe.records.flushed"),
		FlushLatency:   factory.Histogram("tithe.records.flush.latency_ms"),

		// Governance metrics
		PolicyChanges: factory.Counter("tithe.policy.changed"),
		OwnerChanges:  factory.Counter("tithe.policy.owner.changed"),

		// Vault metrics
		VaultDeposits:          factory.Counter("tithe.vault.deposits"),
		Donations:              factory.Counter("tithe.vault.donations"),
		DonatedAssets:          factory.Histogram("tithe.vault.donated.assets"),
		DonationAddressChanges: factory.Counter("tithe.vault.donation_address.changed"),

		// Strategy metrics
		YieldReports: factory.Counter("tithe.strategy.reports"),
		YieldProfit:  factory.Histogram("tithe.strategy.profit"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Fee hooks
// ──────────────────────────────────────────────────

// OnFeeAccrued implements plugin.OnFeeAccrued.
func (m *MetricsExtension) OnFeeAccrued(_ context.Context, r *accrual.Record) error {
	m.FeesAccrued.Inc()
	m.FeeAmount.Observe(toFloat(r.Fee))
	return nil
}

// OnFeeCollected implements plugin.OnFeeCollected.
func (m *MetricsExtension) OnFeeCollected(_ context.Context, r *collection.Record) error {
	m.Settlements.Inc()
	m.SettledAmount.Observe(toFloat(r.Amount))
	return nil
}

// OnSettlementFailed implements plugin.OnSettlementFailed.
func (m *MetricsExtension) OnSettlementFailed(_ context.Context, _ types.FeeKey, _ types.Amount, _ error) error {
	m.SettlementErrors.Inc()
	return nil
}

// OnRecordsFlushed implements plugin.OnRecordsFlushed.
func (m *MetricsExtension) OnRecordsFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.RecordsFlushed.Add(float64(count))
	m.FlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnPolicyChanged implements plugin.OnPolicyChanged.
func (m *MetricsExtension) OnPolicyChanged(_ context.Context, c *policy.Change) error {
	m.PolicyChanges.Inc()
	if c.Kind == policy.ChangeOwner {
		m.OwnerChanges.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Vault hooks
// ──────────────────────────────────────────────────

// OnVaultDeposit implements plugin.OnVaultDeposit.
func (m *MetricsExtension) OnVaultDeposit(_ context.Context, _ *plugin.Deposit) error {
	m.VaultDeposits.Inc()
	return nil
}

// OnDonation implements plugin.OnDonation.
func (m *MetricsExtension) OnDonation(_ context.Context, r *donation.Record) error {
	m.Donations.Inc()
	m.DonatedAssets.Observe(toFloat(r.Assets))
	return nil
}

// OnDonationAddressChanged implements plugin.OnDonationAddressChanged.
func (m *MetricsExtension) OnDonationAddressChanged(_ context.Context, _, _, _ types.Address) error {
	m.DonationAddressChanges.Inc()
	return nil
}

// OnYieldReported implements plugin.OnYieldReported.
func (m *MetricsExtension) OnYieldReported(_ context.Context, r *yield.Report) error {
	m.YieldReports.Inc()
	m.YieldProfit.Observe(toFloat(r.Profit))
	return nil
}

// toFloat converts an amount in base units for observation. Precision loss
// above 2^53 is acceptable for histograms.
func toFloat(a types.Amount) float64 {
	f, _ := new(big.Float).SetInt(a.Big()).Float64()
	return f
}
