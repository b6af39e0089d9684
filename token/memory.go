package token

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/xraph/tithe/types"
)

type balanceKey struct {
	asset types.AssetID
	owner types.Address
}

type allowanceKey struct {
	asset   types.AssetID
	owner   types.Address
	spender types.Address
}

// Memory is an in-process Ledger.
type Memory struct {
	mu         sync.RWMutex
	balances   map[balanceKey]types.Amount
	allowances map[allowanceKey]types.Amount
}

var (
	_ Ledger      = (*Memory)(nil)
	_ Snapshotter = (*Memory)(nil)
)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[balanceKey]types.Amount),
		allowances: make(map[allowanceKey]types.Amount),
	}
}

// Mint credits amount of asset to owner out of thin air.
func (m *Memory) Mint(asset types.AssetID, owner types.Address, amount types.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := balanceKey{asset, owner}
	sum, overflow := m.balances[k].Add(amount)
	if overflow {
		return ErrOverflow
	}
	m.balances[k] = sum
	return nil
}

func (m *Memory) BalanceOf(_ context.Context, asset types.AssetID, owner types.Address) (types.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{asset, owner}], nil
}

func (m *Memory) Transfer(_ context.Context, asset types.AssetID, from, to types.Address, amount types.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(asset, from, to, amount)
}

func (m *Memory) Approve(_ context.Context, asset types.AssetID, owner, spender types.Address, amount types.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{asset, owner, spender}] = amount
	return nil
}

func (m *Memory) Allowance(_ context.Context, asset types.AssetID, owner, spender types.Address) (types.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowances[allowanceKey{asset, owner, spender}], nil
}

func (m *Memory) TransferFrom(_ context.Context, asset types.AssetID, spender, from, to types.Address, amount types.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := allowanceKey{asset, from, spender}
	left, underflow := m.allowances[k].Sub(amount)
	if underflow {
		return fmt.Errorf("%w: %s allows %s, need %s", ErrInsufficientAllowance, from.Hex(), m.allowances[k], amount)
	}
	if err := m.move(asset, from, to, amount); err != nil {
		return err
	}
	m.allowances[k] = left
	return nil
}

// Snapshot implements Snapshotter.
func (m *Memory) Snapshot() func() {
	m.mu.RLock()
	balances := maps.Clone(m.balances)
	allowances := maps.Clone(m.allowances)
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.balances = balances
		m.allowances = allowances
		m.mu.Unlock()
	}
}

// move must be called with mu held.
func (m *Memory) move(asset types.AssetID, from, to types.Address, amount types.Amount) error {
	fk, tk := balanceKey{asset, from}, balanceKey{asset, to}

	left, underflow := m.balances[fk].Sub(amount)
	if underflow {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, from.Hex(), m.balances[fk], amount)
	}
	m.balances[fk] = left

	sum, overflow := m.balances[tk].Add(amount)
	if overflow {
		m.balances[fk], _ = left.Add(amount)
		return ErrOverflow
	}
	m.balances[tk] = sum
	return nil
}
