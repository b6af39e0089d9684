package accrual

import (
	"context"
	"time"

	"github.com/xraph/tithe/types"
)

type Store interface {
	CreateAccruals(ctx context.Context, records []*Record) error
	ListAccruals(ctx context.Context, opts ListOpts) ([]*Record, error)
	PurgeAccruals(ctx context.Context, before time.Time) (int64, error)
}

type ListOpts struct {
	Venue     types.VenueID
	Asset     types.AssetID
	Initiator types.Address
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}
