package yield

import (
	"time"

	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/types"
)

type State struct {
	Strategy     types.Address `json:"strategy"`
	Asset        types.AssetID `json:"asset"`
	LastReported types.Amount  `json:"last_reported"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Report is persisted only for harvests that observed a profit.
type Report struct {
	ID          id.YieldID    `json:"id"`
	Strategy    types.Address `json:"strategy"`
	Asset       types.AssetID `json:"asset"`
	Previous    types.Amount  `json:"previous"`
	TotalAssets types.Amount  `json:"total_assets"`
	Profit      types.Amount  `json:"profit"`
	ReportedAt  time.Time     `json:"reported_at"`
}
