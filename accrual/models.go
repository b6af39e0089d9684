package accrual

import (
	"time"

	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/types"
)

// Record describes one fee skimmed from one trade.
type Record struct {
	ID         id.AccrualID  `json:"id"`
	Venue      types.VenueID `json:"venue"`
	Asset      types.AssetID `json:"asset"`
	Fee        types.Amount  `json:"fee"`
	Specified  types.Amount  `json:"specified"`
	ExactInput bool          `json:"exact_input"`
	RateBps    uint16        `json:"rate_bps"`
	Initiator  types.Address `json:"initiator"`
	CreatedAt  time.Time     `json:"created_at"`
}
