// Package store holds relay allowlist implementations.
package store

import (
	"context"
	"sync"

	"anchorid/internal/identity"
)

// InMemoryAllowlist is a set of sponsored accounts.
type InMemoryAllowlist struct {
	mu       sync.RWMutex
	accounts map[identity.Address]struct{}
}

// NewInMemoryAllowlist seeds the allowlist with accounts.
func NewInMemoryAllowlist(accounts ...identity.Address) *InMemoryAllowlist {
	a := &InMemoryAllowlist{accounts: make(map[identity.Address]struct{}, len(accounts))}
	for _, acct := range accounts {
		a.accounts[acct] = struct{}{}
	}
	return a
}

func (a *InMemoryAllowlist) IsAllowed(_ context.Context, account identity.Address) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.accounts[account]
	return ok, nil
}

func (a *InMemoryAllowlist) Add(_ context.Context, account identity.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[account] = struct{}{}
	return nil
}

func (a *InMemoryAllowlist) Remove(_ context.Context, account identity.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.accounts, account)
	return nil
}
