package tithe

import "github.com/xraph/tithe/types"

// Re-export common types so users don't have to import the types package.

// Amount is re-exported from types package.
type Amount = types.Amount

// Address is re-exported from types package.
type Address = types.Address

// AssetID is re-exported from types package.
type AssetID = types.AssetID

// VenueID is re-exported from types package.
type VenueID = types.VenueID

// FeeKey is re-exported from types package.
type FeeKey = types.FeeKey

// Entity is re-exported from types package.
type Entity = types.Entity

var (
	NewAmount       = types.NewAmount
	ParseAmount     = types.ParseAmount
	MustParseAmount = types.MustParseAmount
	ZeroAmount      = types.ZeroAmount
	MaxAmount       = types.MaxAmount

	ParseAddress = types.ParseAddress
	ParseVenueID = types.ParseVenueID

	// WithCaller and CallerFrom carry the acting account on a context.
	WithCaller = types.WithCaller
	CallerFrom = types.CallerFrom

	NewEntity = types.NewEntity
)
