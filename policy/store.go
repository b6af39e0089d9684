package policy

import (
	"context"

	"github.com/xraph/tithe/types"
)

type Store interface {
	GetPolicy(ctx context.Context, engine types.Address) (*Config, error)
	SavePolicy(ctx context.Context, c *Config) error
	CreatePolicyChange(ctx context.Context, c *Change) error
	ListPolicyChanges(ctx context.Context, engine types.Address, opts ListOpts) ([]*Change, error)
}

type ListOpts struct {
	Kind   ChangeKind
	Limit  int
	Offset int
}
