package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/tithe/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"AccrualID", id.NewAccrualID, "acr_"},
		{"CollectionID", id.NewCollectionID, "col_"},
		{"DonationID", id.NewDonationID, "don_"},
		{"YieldID", id.NewYieldID, "yld_"},
		{"ChangeID", id.NewChangeID, "chg_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseWithPrefix(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
		wantErr bool
	}{
		{"accrual ok", id.NewAccrualID().String(), id.ParseAccrualID, false},
		{"collection ok", id.NewCollectionID().String(), id.ParseCollectionID, false},
		{"donation ok", id.NewDonationID().String(), id.ParseDonationID, false},
		{"yield ok", id.NewYieldID().String(), id.ParseYieldID, false},
		{"change ok", id.NewChangeID().String(), id.ParseChangeID, false},
		{"accrual rejects col_", id.NewCollectionID().String(), id.ParseAccrualID, true},
		{"donation rejects yld_", id.NewYieldID().String(), id.ParseDonationID, true},
		{"change rejects acr_", id.NewAccrualID().String(), id.ParseChangeID, true},
		{"empty", "", id.ParseAccrualID, true},
		{"garbage", "not-an-id", id.ParseCollectionID, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := tt.parseFn(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parsed.String() != tt.input {
				t.Errorf("got %q, want %q", parsed.String(), tt.input)
			}
		})
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	v, err := i.Value()
	if err != nil || v != nil {
		t.Errorf("expected NULL value, got %v (err=%v)", v, err)
	}
}

func TestScan(t *testing.T) {
	original := id.NewDonationID()

	var fromString id.ID
	if err := fromString.Scan(original.String()); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if fromString.String() != original.String() {
		t.Errorf("got %q, want %q", fromString, original)
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(original.String())); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if fromBytes.String() != original.String() {
		t.Errorf("got %q, want %q", fromBytes, original)
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil || !fromNil.IsNil() {
		t.Errorf("scan nil: got %q (err=%v)", fromNil, err)
	}

	var bad id.ID
	if err := bad.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestJSON(t *testing.T) {
	type record struct {
		ID id.ID `json:"id"`
	}
	in := record{ID: id.NewYieldID()}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() {
		t.Errorf("got %q, want %q", out.ID, in.ID)
	}
	if out.ID.Prefix() != id.PrefixYield {
		t.Errorf("got prefix %q, want %q", out.ID.Prefix(), id.PrefixYield)
	}
}
