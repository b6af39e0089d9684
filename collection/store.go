package collection

import (
	"context"
	"time"

	"github.com/xraph/tithe/types"
)

type Store interface {
	AddCollected(ctx context.Context, key types.FeeKey, amount types.Amount) error
	IncrementTradeCount(ctx context.Context, venue types.VenueID) (uint64, error)
	GetStats(ctx context.Context, key types.FeeKey) (*Stats, error)
	CreateCollection(ctx context.Context, r *Record) error
	ListCollections(ctx context.Context, opts ListOpts) ([]*Record, error)
}

// ListOpts filters collection records. Zero values match everything.
type ListOpts struct {
	Venue  types.VenueID
	Asset  types.AssetID
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}
