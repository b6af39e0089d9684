package pending

import (
	"time"

	"github.com/xraph/tithe/types"
)

// Entry is the fee accrued for one (venue, asset) key that has not yet been
// converted into a real asset balance. Settlement zeroes an entry but never
// removes it.
type Entry struct {
	Venue     types.VenueID `json:"venue"`
	Asset     types.AssetID `json:"asset"`
	Amount    types.Amount  `json:"amount"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Key returns the ledger key of the entry.
func (e *Entry) Key() types.FeeKey {
	return types.FeeKey{Venue: e.Venue, Asset: e.Asset}
}
