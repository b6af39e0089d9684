package audithook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	audithook "github.com/xraph/tithe/audit_hook"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
)

type capture struct {
	events []*audithook.AuditEvent
}

func (c *capture) Record(_ context.Context, e *audithook.AuditEvent) error {
	c.events = append(c.events, e)
	return nil
}

var key = types.FeeKey{
	Venue: common.HexToHash("0x01"),
	Asset: common.HexToAddress("0xa01"),
}

func TestEventsAreRecorded(t *testing.T) {
	ctx := context.Background()
	rec := &capture{}
	ext := audithook.New(rec)

	col := &collection.Record{
		ID:     id.NewCollectionID(),
		Venue:  key.Venue,
		Asset:  key.Asset,
		Amount: types.NewAmount(1000),
		Shares: types.NewAmount(1000),
	}
	if err := ext.OnFeeCollected(ctx, col); err != nil {
		t.Fatal(err)
	}
	if err := ext.OnSettlementFailed(ctx, key, types.NewAmount(7), errors.New("sink reverted")); err != nil {
		t.Fatal(err)
	}
	if err := ext.OnPolicyChanged(ctx, &policy.Change{ID: id.NewChangeID(), Kind: policy.ChangeOwner}); err != nil {
		t.Fatal(err)
	}

	if len(rec.events) != 3 {
		t.Fatalf("events = %d, want 3", len(rec.events))
	}

	tests := []struct {
		name     string
		event    *audithook.AuditEvent
		action   string
		outcome  string
		severity string
	}{
		{"collected", rec.events[0], audithook.ActionFeeCollected, audithook.OutcomeSuccess, audithook.SeverityInfo},
		{"failed", rec.events[1], audithook.ActionSettlementFailed, audithook.OutcomeFailure, audithook.SeverityError},
		{"owner change", rec.events[2], audithook.ActionPolicyChanged, audithook.OutcomeSuccess, audithook.SeverityWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.event.Action != tt.action {
				t.Errorf("action = %q, want %q", tt.event.Action, tt.action)
			}
			if tt.event.Outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", tt.event.Outcome, tt.outcome)
			}
			if tt.event.Severity != tt.severity {
				t.Errorf("severity = %q, want %q", tt.event.Severity, tt.severity)
			}
		})
	}

	if got := rec.events[0].Metadata["amount"]; got != "1000" {
		t.Errorf("amount metadata = %v, want 1000", got)
	}
	if rec.events[1].Reason != "sink reverted" {
		t.Errorf("reason = %q", rec.events[1].Reason)
	}
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	deposit := &plugin.Deposit{Assets: types.NewAmount(1), Shares: types.NewAmount(1)}

	tests := []struct {
		name string
		opt  audithook.Option
		want int
	}{
		{"all", nil, 2},
		{"enabled only", audithook.WithEnabledActions(audithook.ActionVaultDeposit), 1},
		{"disabled", audithook.WithDisabledActions(audithook.ActionVaultDeposit), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &capture{}
			var opts []audithook.Option
			if tt.opt != nil {
				opts = append(opts, tt.opt)
			}
			ext := audithook.New(rec, opts...)

			_ = ext.OnVaultDeposit(ctx, deposit)
			_ = ext.OnRecordsFlushed(ctx, 3, 0)

			if len(rec.events) != tt.want {
				t.Fatalf("events = %d, want %d", len(rec.events), tt.want)
			}
		})
	}
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))
	if err := ext.OnRecordsFlushed(context.Background(), 1, 0); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
