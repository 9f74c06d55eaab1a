package gifts

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id byte, created time.Time) *Record {
	return &Record{
		ClaimID:       common.BytesToHash([]byte{0xc1, id}),
		ClaimSecret:   []byte{id},
		SourceTxHash:  common.BytesToHash([]byte{0xf0, id}),
		SourceChainID: sourceChain,
		Amount:        big.NewInt(1_000_000),
		SenderAddress: sender,
		FundingMode:   FundingTransfer,
		Status:        StatusPendingBridge,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestMemoryStore_InsertGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRecord(1, time.Now())

	require.NoError(t, s.Insert(ctx, r))
	assert.ErrorIs(t, s.Insert(ctx, r), ErrAlreadyExists)

	got, err := s.Get(ctx, r.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, r.ClaimID, got.ClaimID)

	// Returned records are copies.
	got.Amount.SetInt64(1)
	again, _ := s.Get(ctx, r.ClaimID)
	assert.Equal(t, int64(1_000_000), again.Amount.Int64())

	_, err = s.Get(ctx, common.HexToHash("0x99"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TransitionGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRecord(1, time.Now())
	require.NoError(t, s.Insert(ctx, r))
	now := time.Now()

	_, err := s.Transition(ctx, r.ClaimID, StatusCreatingGift, StatusCompleted, Update{Now: now})
	assert.ErrorIs(t, err, ErrStaleTransition, "wrong expected status")

	_, err = s.Transition(ctx, r.ClaimID, StatusPendingBridge, StatusClaimed, Update{Now: now})
	assert.ErrorIs(t, err, ErrStaleTransition, "skipping statuses is not allowed")

	_, err = s.Transition(ctx, r.ClaimID, StatusPendingBridge, StatusCreatingGift, Update{Now: now})
	require.NoError(t, err)
	got, err := s.Transition(ctx, r.ClaimID, StatusCreatingGift, StatusCompleted, Update{OnChainTxHash: ptr(common.HexToHash("0xabc")), Now: now})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xabc"), got.OnChainTxHash)

	_, err = s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{ExpectStep: ptr(StepReserved), Now: now})
	assert.ErrorIs(t, err, ErrStaleTransition, "step guard")

	_, err = s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{ResetClaim: true, Now: now})
	assert.ErrorIs(t, err, ErrStaleTransition, "nothing reserved to reset")

	_, err = s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{Step: ptr(StepForwarded), Now: now})
	require.NoError(t, err)
	_, err = s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{Step: ptr(StepEscrowClaimed), Now: now})
	assert.ErrorIs(t, err, ErrStaleTransition, "steps never move backwards")

	_, err = s.Transition(ctx, r.ClaimID, StatusCompleted, StatusFailed, Update{Now: now})
	assert.ErrorIs(t, err, ErrStaleTransition, "completed never fails")
}

func TestMemoryStore_ResetClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRecord(1, time.Now())
	r.Status = StatusCompleted
	require.NoError(t, s.Insert(ctx, r))

	_, err := s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{
		Step:             ptr(StepReserved),
		RecipientAddress: &recipient,
		Now:              time.Now(),
	})
	require.NoError(t, err)

	got, err := s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{
		ExpectStep: ptr(StepReserved),
		ResetClaim: true,
		Now:        time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, got.ClaimStarted())
	assert.Equal(t, common.Address{}, got.RecipientAddress)
}

func TestMemoryStore_Lease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRecord(1, time.Now())
	r.Status = StatusCompleted
	require.NoError(t, s.Insert(ctx, r))
	now := time.Now()

	got, err := s.AcquireLease(ctx, r.ClaimID, StatusCompleted, "a", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, "a", got.LeaseOwner)
	assert.True(t, got.LeasedAt(now))

	_, err = s.AcquireLease(ctx, r.ClaimID, StatusCompleted, "b", now.Add(time.Minute), now)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	_, err = s.AcquireLease(ctx, r.ClaimID, StatusCompleted, "a", now.Add(2*time.Minute), now)
	assert.NoError(t, err, "the owner may extend its lease")

	_, err = s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{ExpectOwner: "b", Now: now})
	assert.ErrorIs(t, err, ErrStaleTransition, "owner guard")

	later := now.Add(3 * time.Minute)
	got, err = s.AcquireLease(ctx, r.ClaimID, StatusCompleted, "b", later.Add(time.Minute), later)
	require.NoError(t, err, "expired leases can be taken over")
	assert.Equal(t, "b", got.LeaseOwner)

	_, err = s.AcquireLease(ctx, r.ClaimID, StatusPendingBridge, "c", later, later)
	assert.ErrorIs(t, err, ErrStaleTransition)

	got, err = s.Transition(ctx, r.ClaimID, StatusCompleted, StatusCompleted, Update{ExpectOwner: "b", ReleaseLease: true, Now: later})
	require.NoError(t, err)
	assert.Empty(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseUntil)
}

func TestMemoryStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRecord(1, time.Now())
	require.NoError(t, s.Insert(ctx, r))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, r.ClaimID, StatusPendingBridge, StatusCreatingGift, Update{Now: time.Now()})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrStaleTransition)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_Lists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)

	for i := byte(1); i <= 4; i++ {
		require.NoError(t, s.Insert(ctx, newRecord(i, base.Add(time.Duration(5-i)*time.Minute))))
	}
	pending, err := s.ListByStatus(ctx, StatusPendingBridge, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.True(t, pending[0].CreatedAt.Before(pending[1].CreatedAt), "oldest first")

	// Record 5: started claim, due. Record 6: started claim, not yet due.
	// Record 7: due but leased. Record 8: completed without a claim.
	due := base.Add(-time.Minute)
	notDue := base.Add(time.Hour)
	for i, tc := range []struct {
		next  *time.Time
		step  ClaimStep
		lease *time.Time
	}{
		{&due, StepEscrowClaimed, nil},
		{&notDue, StepEscrowClaimed, nil},
		{&due, StepForwarded, &notDue},
		{&due, StepNone, nil},
	} {
		r := newRecord(byte(5+i), base)
		r.Status = StatusCompleted
		r.ClaimStep = tc.step
		r.NextRetryAt = tc.next
		if tc.lease != nil {
			r.LeaseOwner = "busy"
			r.LeaseUntil = tc.lease
		}
		require.NoError(t, s.Insert(ctx, r))
	}

	retryable, err := s.ListRetryable(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, newRecord(5, base).ClaimID, retryable[0].ClaimID)
}

func TestMemoryStore_NextNonce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.NextNonce(ctx, "signer", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), n)

	// Same floor: still strictly increasing.
	n, err = s.NextNonce(ctx, "signer", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), n)

	n, err = s.NextNonce(ctx, "signer", 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), n)

	n, err = s.NextNonce(ctx, "other", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "signers are counted separately")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextNonce(ctx, "signer", 5000)
			assert.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 32)
}
