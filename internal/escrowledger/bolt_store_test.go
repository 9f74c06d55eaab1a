package escrowledger

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	clock := newFakeClock()

	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	l := New(store, WithClock(clock.Now))

	fund(t, l, alice, 75)
	expiry := clock.Now().Add(time.Hour).Unix()
	created, err := l.CreateEntry(ctx, CreateParams{ClaimID: HashSecret(secret("bolt")), Amount: big.NewInt(75), Sender: alice, Expiry: expiry})
	require.NoError(t, err)
	_, err = l.Deposit(ctx, bob, big.NewInt(5), "ref:bolt")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()
	PendingGifts.Set(0)
	l = New(store, WithClock(clock.Now))
	assert.Equal(t, 1.0, testutil.ToFloat64(PendingGifts), "gauge is seeded from stored entries")

	e, err := l.Get(ctx, created.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, int64(75), e.Amount.Int64())
	assert.Equal(t, alice, e.Sender)
	assert.Equal(t, expiry, e.Expiry)
	assert.Equal(t, created.CreateTx, e.CreateTx)

	held, err := l.HeldBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(75), held.Int64())

	// Reference survives too: the repeat deposit is a no-op.
	_, err = l.Deposit(ctx, bob, big.NewInt(5), "ref:bolt")
	require.NoError(t, err)
	bal, _ := l.Balance(ctx, bob)
	assert.Equal(t, int64(5), bal.Int64())

	_, err = l.Claim(ctx, secret("bolt"), bob)
	require.NoError(t, err)
	pending, err := store.PendingEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0.0, testutil.ToFloat64(PendingGifts))
}

func TestLedger_AuditResyncsPendingGauge(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	fund(t, l, alice, 10)
	_, err := l.CreateEntry(ctx, CreateParams{ClaimID: HashSecret(secret("gauge")), Amount: big.NewInt(10), Sender: alice})
	require.NoError(t, err)

	PendingGifts.Set(7)
	_, err = l.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(PendingGifts))
}

func TestBoltStore_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	b := newBatch(HashSecret([]byte("tx")))
	b.add("a", big.NewInt(10))
	require.NoError(t, store.Commit(ctx, b))

	// One account would go negative, so nothing in the batch applies.
	b = newBatch(HashSecret([]byte("tx2")))
	b.move("a", "b", big.NewInt(11))
	b.Reference = "never"
	err = store.Commit(ctx, b)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	a, _ := store.Balance(ctx, "a")
	assert.Equal(t, int64(10), a.Int64())
	bb, _ := store.Balance(ctx, "b")
	assert.Equal(t, int64(0), bb.Int64())
	_, ok, err := store.Reference(ctx, "never")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	b := newBatch(HashSecret([]byte("tx")))
	b.add("a", big.NewInt(10))
	require.NoError(t, store.Commit(ctx, b))

	b = newBatch(HashSecret([]byte("tx2")))
	b.move("a", "b", big.NewInt(11))
	assert.ErrorIs(t, store.Commit(ctx, b), ErrInsufficientBalance)

	a, _ := store.Balance(ctx, "a")
	assert.Equal(t, int64(10), a.Int64())
}
