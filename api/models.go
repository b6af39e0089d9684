package api

import "github.com/xraph/tithe/types"

// RateResponse is the body of GET /rate/{venue}.
type RateResponse struct {
	Venue   types.VenueID `json:"venue"`
	RateBps uint16        `json:"rate_bps"`
}

// FeeResponse is the body of GET /fee.
type FeeResponse struct {
	Amount types.Amount `json:"amount"`
	Fee    types.Amount `json:"fee"`
}

// PendingResponse is the body of GET /pending/{venue}/{asset}.
type PendingResponse struct {
	types.FeeKey
	Pending types.Amount `json:"pending"`
}

// StatsResponse is the body of GET /stats/{venue}/{asset}.
type StatsResponse struct {
	types.FeeKey
	LifetimeFees types.Amount `json:"lifetime_fees"`
	TradeCount   uint64       `json:"trade_count"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	Venue types.VenueID `json:"venue"`
	Asset types.AssetID `json:"asset"`
}

// SettleBatchRequest is the body of POST /settle/batch. Venues and Assets
// are paired by index.
type SettleBatchRequest struct {
	Venues []types.VenueID `json:"venues"`
	Assets []types.AssetID `json:"assets"`
}

// BatchErrorResponse lists the pairs that failed in a batch settlement.
type BatchErrorResponse struct {
	Errors []string `json:"errors"`
}
