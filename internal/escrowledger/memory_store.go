package escrowledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[common.Hash]*Entry
	balances map[string]*big.Int
	refs     map[string]common.Hash
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[common.Hash]*Entry),
		balances: make(map[string]*big.Int),
		refs:     make(map[string]common.Hash),
	}
}

func (m *MemoryStore) Entry(_ context.Context, id common.Hash) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Balance(_ context.Context, account string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *MemoryStore) Reference(_ context.Context, ref string) (common.Hash, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.refs[ref]
	return h, ok, nil
}

func (m *MemoryStore) PendingEntries(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.Status == StatusPending {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*big.Int, len(b.Deltas))
	for account, delta := range b.Deltas {
		cur, ok := m.balances[account]
		if !ok {
			cur = new(big.Int)
		}
		v := new(big.Int).Add(cur, delta)
		if v.Sign() < 0 {
			return ErrInsufficientBalance
		}
		next[account] = v
	}

	for account, v := range next {
		m.balances[account] = v
	}
	if b.Entry != nil {
		m.entries[b.Entry.ClaimID] = b.Entry.Clone()
	}
	if b.Reference != "" {
		m.refs[b.Reference] = b.TxHash
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
