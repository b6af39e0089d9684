// Package audithook bridges Tithe fee, governance and vault events to an
// audit trail backend.
//
// It defines a local Recorder interface so the package does not import any
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                   = (*Extension)(nil)
	_ plugin.OnFeeAccrued             = (*Extension)(nil)
	_ plugin.OnFeeCollected           = (*Extension)(nil)
	_ plugin.OnSettlementFailed       = (*Extension)(nil)
	_ plugin.OnRecordsFlushed         = (*Extension)(nil)
	_ plugin.OnPolicyChanged          = (*Extension)(nil)
	_ plugin.OnVaultDeposit           = (*Extension)(nil)
	_ plugin.OnDonation               = (*Extension)(nil)
	_ plugin.OnDonationAddressChanged = (*Extension)(nil)
	_ plugin.OnYieldReported          = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tithe events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Fee hooks
// ──────────────────────────────────────────────────

// OnFeeAccrued implements plugin.OnFeeAccrued.
func (e *Extension) OnFeeAccrued(ctx context.Context, r *accrual.Record) error {
	return e.record(ctx, ActionFeeAccrued, SeverityInfo, OutcomeSuccess,
		ResourceFee, r.ID.String(), CategoryFees, nil,
		"venue", r.Venue.Hex(),
		"asset", r.Asset.Hex(),
		"fee", r.Fee.String(),
		"rate_bps", r.RateBps,
		"exact_input", r.ExactInput,
		"initiator", r.Initiator.Hex(),
	)
}

// OnFeeCollected implements plugin.OnFeeCollected.
func (e *Extension) OnFeeCollected(ctx context.Context, r *collection.Record) error {
	return e.record(ctx, ActionFeeCollected, SeverityInfo, OutcomeSuccess,
		ResourceFee, r.ID.String(), CategorySettlement, nil,
		"venue", r.Venue.Hex(),
		"asset", r.Asset.Hex(),
		"amount", r.Amount.String(),
		"shares", r.Shares.String(),
		"sink", r.Sink.Hex(),
		"caller", r.Caller.Hex(),
	)
}

// OnSettlementFailed implements plugin.OnSettlementFailed.
func (e *Extension) OnSettlementFailed(ctx context.Context, key types.FeeKey, amount types.Amount, err error) error {
	return e.record(ctx, ActionSettlementFailed, SeverityError, OutcomeFailure,
		ResourceFee, key.String(), CategorySettlement, err,
		"venue", key.Venue.Hex(),
		"asset", key.Asset.Hex(),
		"amount", amount.String(),
	)
}

// OnRecordsFlushed implements plugin.OnRecordsFlushed.
func (e *Extension) OnRecordsFlushed(ctx context.Context, count int, elapsed time.Duration) error {
	return e.record(ctx, ActionRecordsFlushed, SeverityInfo, OutcomeSuccess,
		ResourceFee, "", CategoryFees, nil,
		"count", count,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Governance hooks
// ──────────────────────────────────────────────────

// OnPolicyChanged implements plugin.OnPolicyChanged.
func (e *Extension) OnPolicyChanged(ctx context.Context, c *policy.Change) error {
	kv := []any{
		"engine", c.Engine.Hex(),
		"actor", c.Actor.Hex(),
		"kind", string(c.Kind),
		"old", c.Old,
		"new", c.New,
	}
	if c.Kind == policy.ChangeVenueOverride {
		kv = append(kv, "venue", c.Venue.Hex())
	}
	severity := SeverityInfo
	if c.Kind == policy.ChangeOwner || c.Kind == policy.ChangeFeeSink {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionPolicyChanged, severity, OutcomeSuccess,
		ResourcePolicy, c.ID.String(), CategoryGovernance, nil,
		kv...,
	)
}

// ──────────────────────────────────────────────────
// Vault hooks
// ──────────────────────────────────────────────────

// OnVaultDeposit implements plugin.OnVaultDeposit.
func (e *Extension) OnVaultDeposit(ctx context.Context, d *plugin.Deposit) error {
	return e.record(ctx, ActionVaultDeposit, SeverityInfo, OutcomeSuccess,
		ResourceVault, d.Vault.Hex(), CategoryDonation, nil,
		"caller", d.Caller.Hex(),
		"receiver", d.Receiver.Hex(),
		"assets", d.Assets.String(),
		"shares", d.Shares.String(),
	)
}

// OnDonation implements plugin.OnDonation.
func (e *Extension) OnDonation(ctx context.Context, r *donation.Record) error {
	return e.record(ctx, ActionDonation, SeverityInfo, OutcomeSuccess,
		ResourceVault, r.Vault.Hex(), CategoryDonation, nil,
		"donation_id", r.ID.String(),
		"depositor", r.Depositor.Hex(),
		"tag", r.Tag.Hex(),
		"beneficiary", r.Beneficiary.Hex(),
		"assets", r.Assets.String(),
		"shares", r.Shares.String(),
	)
}

// OnDonationAddressChanged implements plugin.OnDonationAddressChanged.
func (e *Extension) OnDonationAddressChanged(ctx context.Context, vault, oldAddr, newAddr types.Address) error {
	return e.record(ctx, ActionDonationAddressChanged, SeverityWarning, OutcomeSuccess,
		ResourceVault, vault.Hex(), CategoryGovernance, nil,
		"old", oldAddr.Hex(),
		"new", newAddr.Hex(),
	)
}

// ──────────────────────────────────────────────────
// Strategy hooks
// ──────────────────────────────────────────────────

// OnYieldReported implements plugin.OnYieldReported.
func (e *Extension) OnYieldReported(ctx context.Context, r *yield.Report) error {
	return e.record(ctx, ActionYieldReported, SeverityInfo, OutcomeSuccess,
		ResourceStrategy, r.Strategy.Hex(), CategoryYield, nil,
		"report_id", r.ID.String(),
		"asset", r.Asset.Hex(),
		"previous", r.Previous.String(),
		"total_assets", r.TotalAssets.String(),
		"profit", r.Profit.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
