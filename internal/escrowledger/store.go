package escrowledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Batch is the unit of atomic change. The ledger builds one batch per
// operation; a Store must apply it all-or-nothing.
type Batch struct {
	Entry     *Entry              // upserted when non-nil
	Deltas    map[string]*big.Int // signed balance changes per account
	Reference string              // idempotency key recorded with TxHash when non-empty
	TxHash    common.Hash
}

func newBatch(txHash common.Hash) *Batch {
	return &Batch{TxHash: txHash, Deltas: make(map[string]*big.Int)}
}

func (b *Batch) move(from, to string, amount *big.Int) {
	b.add(from, new(big.Int).Neg(amount))
	b.add(to, amount)
}

func (b *Batch) add(account string, delta *big.Int) {
	cur, ok := b.Deltas[account]
	if !ok {
		cur = new(big.Int)
		b.Deltas[account] = cur
	}
	cur.Add(cur, delta)
}

// Store persists entries, balances and idempotency references.
type Store interface {
	Entry(ctx context.Context, id common.Hash) (*Entry, error)
	Balance(ctx context.Context, account string) (*big.Int, error)
	Reference(ctx context.Context, ref string) (common.Hash, bool, error)
	PendingEntries(ctx context.Context) ([]*Entry, error)

	// Commit applies b atomically. It fails with ErrInsufficientBalance if
	// any account would go negative, leaving the store untouched.
	Commit(ctx context.Context, b *Batch) error
}
