package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/api"
	"github.com/xraph/tithe/types"
)

var (
	venue  = common.HexToHash("0x01")
	asset  = common.HexToAddress("0xa02")
	caller = common.HexToAddress("0xc0ffee")
)

type fakeEngine struct {
	pending   types.Amount
	settleErr error
	batchErr  error
	settled   []types.FeeKey
	callers   []types.Address
}

func (f *fakeEngine) Policy() tithe.FeePolicy {
	return tithe.FeePolicy{Owner: caller, GlobalRateBps: 10}
}

func (f *fakeEngine) CalculateFee(amount types.Amount) types.Amount {
	fee, _ := tithe.CalculateFeeAt(amount, 10)
	return fee
}

func (f *fakeEngine) GetEffectiveRate(v types.VenueID) uint16 {
	if v == venue {
		return 25
	}
	return 10
}

func (f *fakeEngine) GetPendingFee(context.Context, types.VenueID, types.AssetID) (types.Amount, error) {
	return f.pending, nil
}

func (f *fakeEngine) GetStats(context.Context, types.VenueID, types.AssetID) (types.Amount, uint64, error) {
	return types.NewAmount(5000), 3, nil
}

func (f *fakeEngine) GetVaultStats(context.Context) (*tithe.VaultStats, error) {
	return nil, tithe.ErrNotFound
}

func (f *fakeEngine) Settle(ctx context.Context, v types.VenueID, a types.AssetID) error {
	f.settled = append(f.settled, types.FeeKey{Venue: v, Asset: a})
	f.callers = append(f.callers, types.CallerFrom(ctx))
	return f.settleErr
}

func (f *fakeEngine) SettleMany(_ context.Context, venues []types.VenueID, assets []types.AssetID) error {
	if len(venues) != len(assets) {
		return fmt.Errorf("%w: %d venues, %d assets", tithe.ErrArrayLengthMismatch, len(venues), len(assets))
	}
	return f.batchErr
}

func do(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReadEndpoints(t *testing.T) {
	eng := &fakeEngine{pending: types.NewAmount(1234)}
	router := api.New(eng).Router()

	tests := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, body []byte)
	}{
		{
			name:   "policy",
			path:   "/policy",
			status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var p tithe.FeePolicy
				if err := json.Unmarshal(body, &p); err != nil {
					t.Fatal(err)
				}
				if p.GlobalRateBps != 10 || p.Owner != caller {
					t.Errorf("policy = %+v", p)
				}
			},
		},
		{
			name:   "rate override",
			path:   "/rate/" + venue.Hex(),
			status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var r api.RateResponse
				if err := json.Unmarshal(body, &r); err != nil {
					t.Fatal(err)
				}
				if r.RateBps != 25 {
					t.Errorf("rate = %d, want 25", r.RateBps)
				}
			},
		},
		{name: "bad venue", path: "/rate/0x1234", status: http.StatusBadRequest},
		{
			name:   "fee",
			path:   "/fee?amount=1000000000000000000",
			status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var r api.FeeResponse
				if err := json.Unmarshal(body, &r); err != nil {
					t.Fatal(err)
				}
				if r.Fee.String() != "1000000000000000" {
					t.Errorf("fee = %s", r.Fee)
				}
			},
		},
		{name: "fee bad amount", path: "/fee?amount=abc", status: http.StatusBadRequest},
		{
			name:   "pending",
			path:   "/pending/" + venue.Hex() + "/" + asset.Hex(),
			status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var r api.PendingResponse
				if err := json.Unmarshal(body, &r); err != nil {
					t.Fatal(err)
				}
				if r.Pending.String() != "1234" || r.Venue != venue || r.Asset != asset {
					t.Errorf("pending = %+v", r)
				}
			},
		},
		{name: "pending bad asset", path: "/pending/" + venue.Hex() + "/nope", status: http.StatusBadRequest},
		{
			name:   "stats",
			path:   "/stats/" + venue.Hex() + "/" + asset.Hex(),
			status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var r api.StatsResponse
				if err := json.Unmarshal(body, &r); err != nil {
					t.Fatal(err)
				}
				if r.LifetimeFees.String() != "5000" || r.TradeCount != 3 {
					t.Errorf("stats = %+v", r)
				}
			},
		},
		{name: "vault not found", path: "/vault", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodGet, tt.path, nil, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.check != nil {
				tt.check(t, w.Body.Bytes())
			}
		})
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		header map[string]string
		status int
	}{
		{"ok", nil, map[string]string{api.CallerHeader: caller.Hex()}, http.StatusNoContent},
		{"anonymous", nil, nil, http.StatusNoContent},
		{"bad caller", nil, map[string]string{api.CallerHeader: "not-an-address"}, http.StatusBadRequest},
		{"currency mismatch", tithe.ErrCurrencyMismatch, nil, http.StatusUnprocessableEntity},
		{"sink failure", fmt.Errorf("tithe: settle: %w", context.DeadlineExceeded), nil, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{settleErr: tt.err}
			router := api.New(eng).Router()

			w := do(t, router, http.MethodPost, "/settle", api.SettleRequest{Venue: venue, Asset: asset}, tt.header)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.name == "ok" && (len(eng.callers) != 1 || eng.callers[0] != caller) {
				t.Errorf("callers = %v, want [%s]", eng.callers, caller.Hex())
			}
		})
	}
}

func TestSettleBatch(t *testing.T) {
	multi := tithe.MultiError{}
	multi.Add(tithe.ErrCurrencyMismatch)

	tests := []struct {
		name   string
		req    api.SettleBatchRequest
		err    error
		status int
		errors int
	}{
		{"ok", api.SettleBatchRequest{Venues: []types.VenueID{venue}, Assets: []types.AssetID{asset}}, nil, http.StatusNoContent, 0},
		{"length mismatch", api.SettleBatchRequest{Venues: []types.VenueID{venue}}, nil, http.StatusUnprocessableEntity, 0},
		{"partial", api.SettleBatchRequest{Venues: []types.VenueID{venue}, Assets: []types.AssetID{asset}}, multi, http.StatusMultiStatus, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := api.New(&fakeEngine{batchErr: tt.err}).Router()

			w := do(t, router, http.MethodPost, "/settle/batch", tt.req, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.errors > 0 {
				var resp api.BatchErrorResponse
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatal(err)
				}
				if len(resp.Errors) != tt.errors {
					t.Errorf("errors = %v", resp.Errors)
				}
			}
		})
	}
}
