package collection

import (
	"time"

	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/types"
)

// Record is written once per successful settlement.
type Record struct {
	ID          id.CollectionID `json:"id"`
	Venue       types.VenueID   `json:"venue"`
	Asset       types.AssetID   `json:"asset"`
	Amount      types.Amount    `json:"amount"`
	Shares      types.Amount    `json:"shares"`
	Sink        types.Address   `json:"sink"`
	Caller      types.Address   `json:"caller"`
	CollectedAt time.Time       `json:"collected_at"`
}

type Stats struct {
	Venue        types.VenueID `json:"venue"`
	Asset        types.AssetID `json:"asset"`
	LifetimeFees types.Amount  `json:"lifetime_fees"`
	TradeCount   uint64        `json:"trade_count"`
}
