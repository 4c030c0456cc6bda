// Package ledger holds account balances for deployments without a SQL store.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"

	"courseescrow/escrow"
)

// Memory is an in-process balance table. Transfers are all-or-nothing.
type Memory struct {
	mu       sync.RWMutex
	balances map[escrow.Principal]uint64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[escrow.Principal]uint64)}
}

// Credit mints amount into account. Used for seeding and tests.
func (m *Memory) Credit(ctx context.Context, account escrow.Principal, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.balances[account]
	if cur > math.MaxUint64-amount {
		return fmt.Errorf("ledger: credit %s: balance overflow", account)
	}
	m.balances[account] = cur + amount
	return nil
}

func (m *Memory) Balance(ctx context.Context, account escrow.Principal) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}

func (m *Memory) Transfer(ctx context.Context, from, to escrow.Principal, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == 0 {
		return escrow.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.balances[from]
	if src < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", escrow.ErrInsufficientFunds, from, src, amount)
	}
	if from == to {
		return nil
	}
	dst := m.balances[to]
	if dst > math.MaxUint64-amount {
		return fmt.Errorf("ledger: credit %s: balance overflow", to)
	}
	m.balances[from] = src - amount
	m.balances[to] = dst + amount
	return nil
}

var (
	_ escrow.TransferGateway = (*Memory)(nil)
	_ escrow.BalanceReader   = (*Memory)(nil)
)
