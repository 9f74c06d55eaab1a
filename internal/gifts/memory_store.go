package gifts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[common.Hash]*Record
	nonces  map[string]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[common.Hash]*Record),
		nonces:  make(map[string]uint64),
	}
}

func (m *MemoryStore) Insert(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ClaimID]; ok {
		return ErrAlreadyExists
	}
	m.records[r.ClaimID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id common.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id common.Hash, expected, next Status, u Update) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != expected || !u.guardsHold(r) || !validForward(expected, next) {
		return nil, ErrStaleTransition
	}
	if u.Step != nil && (*u.Step).Before(r.ClaimStep) {
		return nil, ErrStaleTransition
	}
	if u.ResetClaim && r.ClaimStep != StepReserved {
		return nil, ErrStaleTransition
	}
	u.apply(r, next)
	return r.Clone(), nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, id common.Hash, expected Status, owner string, until, now time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != expected {
		return nil, ErrStaleTransition
	}
	if r.LeasedAt(now) && r.LeaseOwner != owner {
		return nil, ErrLeaseHeld
	}
	r.LeaseOwner = owner
	r.LeaseUntil = &until
	r.UpdatedAt = now
	return r.Clone(), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	return oldestFirst(out, limit), nil
}

func (m *MemoryStore) ListRetryable(_ context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.Status != StatusCompleted || !r.ClaimStarted() {
			continue
		}
		if r.NextRetryAt == nil || r.NextRetryAt.After(before) || r.LeasedAt(before) {
			continue
		}
		out = append(out, r.Clone())
	}
	return oldestFirst(out, limit), nil
}

func (m *MemoryStore) NextNonce(_ context.Context, signer string, floor uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := max(m.nonces[signer]+1, floor)
	m.nonces[signer] = n
	return n, nil
}

func oldestFirst(rs []*Record, limit int) []*Record {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

var _ Store = (*MemoryStore)(nil)
