package escrowledger

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	carol = common.HexToAddress("0xcccc000000000000000000000000000000000003")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T) (*Ledger, *fakeClock, *MemoryEvents) {
	t.Helper()
	clock := newFakeClock()
	events := NewMemoryEvents()
	return New(NewMemoryStore(), WithClock(clock.Now), WithEvents(events)), clock, events
}

func fund(t *testing.T, l *Ledger, addr common.Address, amount int64) {
	t.Helper()
	_, err := l.Deposit(context.Background(), addr, big.NewInt(amount), "")
	require.NoError(t, err)
}

func secret(s string) []byte { return []byte("secret-" + s) }

func TestLedger_CreateAndQuery(t *testing.T) {
	ctx := context.Background()
	l, _, events := newTestLedger(t)
	fund(t, l, alice, 100)

	id := HashSecret(secret("1"))
	entry, err := l.CreateEntry(ctx, CreateParams{ClaimID: id, Amount: big.NewInt(100), Sender: alice})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)
	assert.NotEqual(t, common.Hash{}, entry.CreateTx)

	view, err := l.QueryStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Exists)
	assert.True(t, view.Claimable)
	assert.Equal(t, int64(100), view.Amount.Int64())

	bal, _ := l.Balance(ctx, alice)
	assert.Equal(t, int64(0), bal.Int64())
	held, _ := l.HeldBalance(ctx)
	assert.Equal(t, int64(100), held.Int64())

	created := events.ForClaim(id)
	require.Len(t, created, 1)
	assert.Equal(t, EventGiftCreated, created[0].Type)
	assert.Equal(t, alice, created[0].From)
	assert.Equal(t, int64(100), created[0].Amount.Int64())
}

func TestLedger_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	fund(t, l, alice, 100)

	id := HashSecret(secret("2"))
	_, err := l.CreateEntry(ctx, CreateParams{ClaimID: id, Amount: big.NewInt(100), Sender: alice})
	require.NoError(t, err)

	entry, err := l.Claim(ctx, secret("2"), bob)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, entry.Status)
	assert.Equal(t, bob, entry.Destination)

	bal, _ := l.Balance(ctx, bob)
	assert.Equal(t, int64(100), bal.Int64())

	_, err = l.Claim(ctx, secret("2"), carol)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	view, _ := l.QueryStatus(ctx, id)
	assert.True(t, view.Exists)
	assert.False(t, view.Claimable)
}

func TestLedger_RefundAfterExpiry(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	fund(t, l, alice, 50)

	id := HashSecret(secret("3"))
	expiry := clock.Now().Add(24 * time.Hour).Unix()
	_, err := l.CreateEntry(ctx, CreateParams{ClaimID: id, Amount: big.NewInt(50), Sender: alice, Expiry: expiry})
	require.NoError(t, err)

	_, err = l.Refund(ctx, id, alice)
	assert.ErrorIs(t, err, ErrNotYetExpired)

	clock.Advance(24*time.Hour + time.Second)

	view, _ := l.QueryStatus(ctx, id)
	assert.False(t, view.Claimable)

	_, err = l.Refund(ctx, id, bob)
	assert.ErrorIs(t, err, ErrNotSender)

	entry, err := l.Refund(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, entry.Status)

	bal, _ := l.Balance(ctx, alice)
	assert.Equal(t, int64(50), bal.Int64())

	_, err = l.Claim(ctx, secret("3"), bob)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = l.Refund(ctx, id, alice)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestLedger_ClaimAfterExpiryFails(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	fund(t, l, alice, 50)

	expiry := clock.Now().Add(time.Hour).Unix()
	_, err := l.CreateEntry(ctx, CreateParams{ClaimID: HashSecret(secret("4")), Amount: big.NewInt(50), Sender: alice, Expiry: expiry})
	require.NoError(t, err)

	// The expiry second itself is still claimable.
	clock.Advance(time.Hour)
	view, _ := l.QueryStatus(ctx, HashSecret(secret("4")))
	assert.True(t, view.Claimable)

	clock.Advance(time.Second)
	_, err = l.Claim(ctx, secret("4"), bob)
	assert.ErrorIs(t, err, ErrExpired)

	// Expired but unrefunded entries keep their funds in custody.
	held, _ := l.HeldBalance(ctx)
	assert.Equal(t, int64(50), held.Int64())
}

func TestLedger_RefundWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	fund(t, l, alice, 10)

	id := HashSecret(secret("5"))
	_, err := l.CreateEntry(ctx, CreateParams{ClaimID: id, Amount: big.NewInt(10), Sender: alice})
	require.NoError(t, err)

	clock.Advance(10 * 365 * 24 * time.Hour)
	_, err = l.Refund(ctx, id, alice)
	assert.ErrorIs(t, err, ErrNoExpirySet)
}

func TestLedger_CreateValidation(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	fund(t, l, alice, 100)

	id := HashSecret(secret("6"))
	tests := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"zero amount", CreateParams{ClaimID: id, Amount: big.NewInt(0), Sender: alice}, ErrInvalidAmount},
		{"nil amount", CreateParams{ClaimID: id, Sender: alice}, ErrInvalidAmount},
		{"negative amount", CreateParams{ClaimID: id, Amount: big.NewInt(-1), Sender: alice}, ErrInvalidAmount},
		{"expiry now", CreateParams{ClaimID: id, Amount: big.NewInt(1), Sender: alice, Expiry: clock.Now().Unix()}, ErrInvalidExpiry},
		{"expiry past", CreateParams{ClaimID: id, Amount: big.NewInt(1), Sender: alice, Expiry: 1}, ErrInvalidExpiry},
		{"underfunded", CreateParams{ClaimID: id, Amount: big.NewInt(101), Sender: alice}, ErrInsufficientBalance},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.CreateEntry(ctx, tc.params)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	view, _ := l.QueryStatus(ctx, id)
	assert.False(t, view.Exists)
}

func TestLedger_IDNeverReused(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	fund(t, l, alice, 30)

	id := HashSecret(secret("7"))
	p := CreateParams{ClaimID: id, Amount: big.NewInt(10), Sender: alice}
	_, err := l.CreateEntry(ctx, p)
	require.NoError(t, err)

	_, err = l.CreateEntry(ctx, p)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = l.Claim(ctx, secret("7"), bob)
	require.NoError(t, err)

	_, err = l.CreateEntry(ctx, p)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = l.CreateFromDeposit(ctx, p)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestLedger_ClaimUnknownAndZeroDestination(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	_, err := l.Claim(ctx, secret("missing"), bob)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Claim(ctx, secret("missing"), common.Address{})
	assert.ErrorIs(t, err, ErrInvalidDestination)

	_, err = l.Refund(ctx, HashSecret(secret("missing")), alice)
	assert.ErrorIs(t, err, ErrNotFound)

	view, err := l.QueryStatus(ctx, HashSecret(secret("missing")))
	require.NoError(t, err)
	assert.False(t, view.Exists)
	assert.Equal(t, int64(0), view.Amount.Int64())
}

func TestLedger_CreateFromDeposit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	_, err := l.DepositUnallocated(ctx, big.NewInt(100), "bridge:0x01")
	require.NoError(t, err)

	_, err = l.CreateFromDeposit(ctx, CreateParams{ClaimID: HashSecret(secret("a")), Amount: big.NewInt(60), Sender: alice})
	require.NoError(t, err)

	_, err = l.CreateFromDeposit(ctx, CreateParams{ClaimID: HashSecret(secret("b")), Amount: big.NewInt(50), Sender: alice})
	assert.ErrorIs(t, err, ErrInsufficientUnallocated)

	_, err = l.CreateFromDeposit(ctx, CreateParams{ClaimID: HashSecret(secret("b")), Amount: big.NewInt(40), Sender: alice})
	require.NoError(t, err)

	// The sender's own balance is never touched.
	bal, _ := l.Balance(ctx, alice)
	assert.Equal(t, int64(0), bal.Int64())

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(0), report.Unallocated.Int64())
	assert.Equal(t, 2, report.PendingCount)
}

func TestLedger_DepositAndTransferDedup(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	tx1, err := l.Deposit(ctx, alice, big.NewInt(10), "fund:1")
	require.NoError(t, err)
	tx2, err := l.Deposit(ctx, alice, big.NewInt(10), "fund:1")
	require.NoError(t, err)
	assert.Equal(t, tx1, tx2)

	bal, _ := l.Balance(ctx, alice)
	assert.Equal(t, int64(10), bal.Int64())

	fwd1, err := l.Transfer(ctx, alice, bob, big.NewInt(7), "forward:x")
	require.NoError(t, err)
	fwd2, err := l.Transfer(ctx, alice, bob, big.NewInt(7), "forward:x")
	require.NoError(t, err)
	assert.Equal(t, fwd1, fwd2)

	bal, _ = l.Balance(ctx, bob)
	assert.Equal(t, int64(7), bal.Int64())

	_, err = l.Transfer(ctx, alice, bob, big.NewInt(7), "forward:y")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.Transfer(ctx, alice, bob, big.NewInt(0), "forward:z")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_ConcurrentClaimsSingleWinner(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	fund(t, l, alice, 100)

	_, err := l.CreateEntry(ctx, CreateParams{ClaimID: HashSecret(secret("race")), Amount: big.NewInt(100), Sender: alice})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Claim(ctx, secret("race"), bob); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyResolved)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	bal, _ := l.Balance(ctx, bob)
	assert.Equal(t, int64(100), bal.Int64())
}

// Random operation sequences must never break held >= sum(pending), and
// terminal entries must never change.
func TestLedger_ConservationUnderRandomOps(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	rng := rand.New(rand.NewSource(42))

	senders := []common.Address{alice, bob, carol}
	for _, s := range senders {
		fund(t, l, s, 1_000)
	}
	_, err := l.DepositUnallocated(ctx, big.NewInt(500), "bulk")
	require.NoError(t, err)

	terminal := make(map[common.Hash]Status)
	var ids []string

	for i := 0; i < 500; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			key := string(rune('a'+rng.Intn(26))) + string(rune('a'+rng.Intn(26)))
			sender := senders[rng.Intn(len(senders))]
			var expiry int64
			if rng.Intn(2) == 0 {
				expiry = clock.Now().Add(time.Duration(1+rng.Intn(60)) * time.Minute).Unix()
			}
			p := CreateParams{ClaimID: HashSecret(secret(key)), Amount: big.NewInt(int64(1 + rng.Intn(50))), Sender: sender, Expiry: expiry}
			if rng.Intn(3) == 0 {
				_, err = l.CreateFromDeposit(ctx, p)
			} else {
				_, err = l.CreateEntry(ctx, p)
			}
			if err == nil {
				ids = append(ids, key)
			}
		case 2:
			if len(ids) > 0 {
				_, _ = l.Claim(ctx, secret(ids[rng.Intn(len(ids))]), senders[rng.Intn(len(senders))])
			}
		case 3:
			if len(ids) > 0 {
				_, _ = l.Refund(ctx, HashSecret(secret(ids[rng.Intn(len(ids))])), senders[rng.Intn(len(senders))])
			}
		case 4:
			clock.Advance(time.Duration(rng.Intn(10)) * time.Minute)
		}

		report, err := l.Audit(ctx)
		require.NoError(t, err)
		require.True(t, report.Consistent, "step %d: held %s < pending %s", i, report.Held, report.PendingSum)

		for _, key := range ids {
			e, err := l.Get(ctx, HashSecret(secret(key)))
			require.NoError(t, err)
			if prev, ok := terminal[e.ClaimID]; ok {
				require.Equal(t, prev, e.Status, "terminal entry changed")
			} else if e.IsTerminal() {
				terminal[e.ClaimID] = e.Status
			}
		}
	}
}

func TestLedger_Trail(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	fund(t, l, alice, 30)
	id := HashSecret(secret("trail"))

	_, err := l.Trail(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := l.CreateEntry(ctx, CreateParams{ClaimID: id, Amount: big.NewInt(30), Sender: alice})
	require.NoError(t, err)
	trail, err := l.Trail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, trail.Status)
	assert.Equal(t, created.CreateTx, trail.CreateTx)
	assert.Equal(t, common.Hash{}, trail.ResolveTx)

	claimed, err := l.Claim(ctx, secret("trail"), carol)
	require.NoError(t, err)
	trail, err = l.Trail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, trail.Status)
	assert.Equal(t, claimed.ResolveTx, trail.ResolveTx)
	assert.Equal(t, carol, trail.Destination)
}

func TestLedger_TransferRef(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	fund(t, l, alice, 10)

	_, ok, err := l.TransferRef(ctx, "fwd")
	require.NoError(t, err)
	assert.False(t, ok)

	tx, err := l.Transfer(ctx, alice, bob, big.NewInt(4), "fwd")
	require.NoError(t, err)
	got, ok, err := l.TransferRef(ctx, "fwd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tx, got)
}
