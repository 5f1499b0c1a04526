// Package mana implements the abstract Did->u64 balance store and the
// contribution-weighted regeneration layered on top of it (spec.md §4.3).
package mana

import (
	"context"
	"fmt"
	"sync"

	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/observability"
)

// Store is the abstract key-value balance mapping every ManaLedger
// implementation must honor: all operations serialize per account and
// never observe a negative balance.
type Store struct {
	mu       sync.RWMutex
	balances map[icntypes.DID]uint64
}

// NewStore constructs an empty balance store.
func NewStore() *Store {
	return &Store{balances: make(map[icntypes.DID]uint64)}
}

// Balance returns account's current balance (zero if never credited).
func (s *Store) Balance(_ context.Context, account icntypes.DID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

// Spend debits amount from account, failing with InsufficientBalance if the
// account does not hold enough.
func (s *Store) Spend(_ context.Context, account icntypes.DID, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[account] < amount {
		return fmt.Errorf("mana: spend %d from %s: %w", amount, account, icntypes.ErrInsufficientBalance)
	}
	s.balances[account] -= amount
	observability.ManaEvents().Record("spend")
	return nil
}

// Credit adds amount to account.
func (s *Store) Credit(_ context.Context, account icntypes.DID, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] += amount
	observability.ManaEvents().Record("credit")
	return nil
}

// Set overwrites account's balance directly and counts the movement under
// the "regen" kind. Ledger.Regen itself credits its delta through Credit.
func (s *Store) Set(_ context.Context, account icntypes.DID, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = amount
	observability.ManaEvents().Record("regen")
	return nil
}

// CreditAll adds amount to every known account, counted under the
// "pool_distribute" kind. Ledger.DistributeFromPool credits each recipient
// through Credit instead.
func (s *Store) CreditAll(_ context.Context, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.balances {
		s.balances[k] += amount
	}
	observability.ManaEvents().Record("pool_distribute")
	return nil
}

// All returns a snapshot of every account's balance, used by the
// anti-accumulation mean computation. Accounts with zero balance that have
// never been credited are not included.
func (s *Store) All() map[icntypes.DID]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[icntypes.DID]uint64, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

var _ icntypes.ManaLedger = (*Store)(nil)
