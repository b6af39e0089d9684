// Package api exposes the Tithe read interface and the permissionless
// settlement trigger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/types"
)

// CallerHeader names the account a settlement is attributed to.
const CallerHeader = "X-Tithe-Caller"

// Engine is the part of *tithe.Engine the handlers use.
type Engine interface {
	Policy() tithe.FeePolicy
	CalculateFee(amount types.Amount) types.Amount
	GetEffectiveRate(venue types.VenueID) uint16
	GetPendingFee(ctx context.Context, venue types.VenueID, asset types.AssetID) (types.Amount, error)
	GetStats(ctx context.Context, venue types.VenueID, asset types.AssetID) (types.Amount, uint64, error)
	GetVaultStats(ctx context.Context) (*tithe.VaultStats, error)
	Settle(ctx context.Context, venue types.VenueID, asset types.AssetID) error
	SettleMany(ctx context.Context, venues []types.VenueID, assets []types.AssetID) error
}

var _ Engine = (*tithe.Engine)(nil)

// Handler serves the HTTP surface of one engine.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New creates a Handler for engine.
func New(engine Engine, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/policy", h.GetPolicy)
	r.Get("/rate/{venue}", h.GetRate)
	r.Get("/fee", h.GetFee)
	r.Get("/pending/{venue}/{asset}", h.GetPending)
	r.Get("/stats/{venue}/{asset}", h.GetStats)
	r.Get("/vault", h.GetVault)
	r.Post("/settle", h.Settle)
	r.Post("/settle/batch", h.SettleBatch)
}

// Router returns a standalone router with request ids and panic recovery.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Routes(r)
	return r
}

// GetPolicy handles GET /policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Policy())
}

// GetRate handles GET /rate/{venue}.
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	venue, err := types.ParseVenueID(chi.URLParam(r, "venue"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, RateResponse{Venue: venue, RateBps: h.engine.GetEffectiveRate(venue)})
}

// GetFee handles GET /fee?amount=.
func (h *Handler) GetFee(w http.ResponseWriter, r *http.Request) {
	amount, err := types.ParseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "amount must be a base-10 integer below 2^256", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, FeeResponse{Amount: amount, Fee: h.engine.CalculateFee(amount)})
}

// GetPending handles GET /pending/{venue}/{asset}.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	key, err := feeKey(chi.URLParam(r, "venue"), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := h.engine.GetPendingFee(r.Context(), key.Venue, key.Asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingResponse{FeeKey: key, Pending: amount})
}

// GetStats handles GET /stats/{venue}/{asset}.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	key, err := feeKey(chi.URLParam(r, "venue"), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	lifetime, trades, err := h.engine.GetStats(r.Context(), key.Venue, key.Asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{FeeKey: key, LifetimeFees: lifetime, TradeCount: trades})
}

// GetVault handles GET /vault.
func (h *Handler) GetVault(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetVaultStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Settle handles POST /settle.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx, err := withCaller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine.Settle(ctx, req.Venue, req.Asset); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SettleBatch handles POST /settle/batch. Partial failures are reported per
// error with 207 Multi-Status.
func (h *Handler) SettleBatch(w http.ResponseWriter, r *http.Request) {
	var req SettleBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx, err := withCaller(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = h.engine.SettleMany(ctx, req.Venues, req.Assets)
	var multi tithe.MultiError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &multi):
		resp := BatchErrorResponse{Errors: make([]string, len(multi.Errors))}
		for i, e := range multi.Errors {
			resp.Errors[i] = e.Error()
		}
		writeJSON(w, http.StatusMultiStatus, resp)
	default:
		h.fail(w, r, err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("api: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeError(w, err.Error(), status)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case tithe.IsAccessError(err):
		return http.StatusForbidden
	case tithe.IsNotFound(err):
		return http.StatusNotFound
	case tithe.IsConfigError(err), errors.Is(err, tithe.ErrArrayLengthMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tithe.ErrNumericOverflow):
		return http.StatusConflict
	case tithe.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func feeKey(venue, asset string) (types.FeeKey, error) {
	v, err := types.ParseVenueID(venue)
	if err != nil {
		return types.FeeKey{}, err
	}
	a, err := types.ParseAddress(asset)
	if err != nil {
		return types.FeeKey{}, err
	}
	return types.FeeKey{Venue: v, Asset: a}, nil
}

func withCaller(r *http.Request) (context.Context, error) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		return r.Context(), nil
	}
	caller, err := types.ParseAddress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CallerHeader, err)
	}
	return types.WithCaller(r.Context(), caller), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // headers already sent
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
