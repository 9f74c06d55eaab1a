package trading

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/giftlink/internal/usdc"
)

// MemoryLedger is an in-process trading ledger for development and tests.
// It checks signatures against the expected settlement account and applies
// each nonce at most once.
type MemoryLedger struct {
	mu       sync.Mutex
	domain   Domain
	signer   common.Address
	applied  map[uint64]common.Hash // nonce -> digest
	balances map[common.Address]*big.Int
	fail     error
}

// NewMemoryLedger accepts settlements signed by signer under domain.
func NewMemoryLedger(domain Domain, signer common.Address) *MemoryLedger {
	return &MemoryLedger{
		domain:   domain,
		signer:   signer,
		applied:  make(map[uint64]common.Hash),
		balances: make(map[common.Address]*big.Int),
	}
}

// FailNext makes subsequent submissions fail with err until cleared with nil.
func (m *MemoryLedger) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryLedger) Submit(_ context.Context, st *SignedTransfer) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}

	from, err := Recover(m.domain, st)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if from != m.signer {
		return nil, fmt.Errorf("%w: unexpected signer %s", ErrRejected, from.Hex())
	}
	digest, err := Digest(m.domain, st.Transfer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if prev, ok := m.applied[st.Transfer.Nonce]; ok {
		if prev != digest {
			return nil, fmt.Errorf("%w: %w: nonce %d", ErrRejected, ErrNonceConflict, st.Transfer.Nonce)
		}
		return &Receipt{Reference: digest.Hex(), Duplicate: true}, nil
	}

	amount, err := usdc.ParsePositive(st.Transfer.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	bal, ok := m.balances[st.Transfer.Destination]
	if !ok {
		bal = new(big.Int)
		m.balances[st.Transfer.Destination] = bal
	}
	bal.Add(bal, amount)
	m.applied[st.Transfer.Nonce] = digest
	return &Receipt{Reference: digest.Hex()}, nil
}

// Balance returns the settled balance of addr in base units.
func (m *MemoryLedger) Balance(addr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Applied returns how many distinct nonces were applied.
func (m *MemoryLedger) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

var _ Settler = (*MemoryLedger)(nil)
