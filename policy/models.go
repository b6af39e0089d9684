package policy

import (
	"time"

	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/types"
)

// Config is the persisted fee policy of one engine.
type Config struct {
	Engine        types.Address            `json:"engine"`
	Owner         types.Address            `json:"owner"`
	GlobalRateBps uint16                   `json:"global_rate_bps"`
	Overrides     map[types.VenueID]uint16 `json:"overrides,omitempty"`
	Paused        bool                     `json:"paused"`
	DustThreshold types.Amount             `json:"dust_threshold"`
	FeeSink       types.Address            `json:"fee_sink"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

type ChangeKind string

const (
	ChangeGlobalRate    ChangeKind = "global_rate"
	ChangePaused        ChangeKind = "paused"
	ChangeVenueOverride ChangeKind = "venue_override"
	ChangeDustThreshold ChangeKind = "dust_threshold"
	ChangeFeeSink       ChangeKind = "fee_sink"
	ChangeOwner         ChangeKind = "owner"
)

// Change records one governance mutation. Old and New are the rendered
// values of the field named by Kind.
type Change struct {
	ID        id.ChangeID   `json:"id"`
	Engine    types.Address `json:"engine"`
	Actor     types.Address `json:"actor"`
	Kind      ChangeKind    `json:"kind"`
	Venue     types.VenueID `json:"venue,omitempty"`
	Old       string        `json:"old"`
	New       string        `json:"new"`
	CreatedAt time.Time     `json:"created_at"`
}
