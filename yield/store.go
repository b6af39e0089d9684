package yield

import (
	"context"

	"github.com/xraph/tithe/types"
)

type Store interface {
	GetYieldState(ctx context.Context, strategy types.Address) (*State, error)
	SaveYieldState(ctx context.Context, s *State) error
	CreateYieldReport(ctx context.Context, r *Report) error
	ListYieldReports(ctx context.Context, strategy types.Address, opts ListOpts) ([]*Report, error)
}

type ListOpts struct {
	Limit  int
	Offset int
}
