package gifts

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Update is applied by Transition. Nil pointers leave a field unchanged.
// The Expect* fields are extra compare-and-swap guards on top of the status.
type Update struct {
	ExpectStep  *ClaimStep
	ExpectOwner string

	Step             *ClaimStep
	FailureReason    *string
	OnChainTxHash    *common.Hash
	RecipientAddress *common.Address
	ClaimTxHash      *common.Hash
	ForwardTxHash    *common.Hash
	SettlementNonce  *uint64
	SettlementRef    *string
	ClaimAttempts    *int
	NextRetryAt      *time.Time
	ClearNextRetry   bool
	LastError        *string
	ClaimedAt        *time.Time
	ReleaseLease     bool

	// ResetClaim rewinds a reserved claim whose escrow step was
	// definitively rejected, freeing the gift for another claim attempt.
	ResetClaim bool

	Now time.Time
}

// Store is the claim metadata store.
//
// Transition is the only write path after Insert. It fails with
// ErrStaleTransition unless the stored status equals expected (and the
// Expect* guards of u hold), so concurrent workers racing on one record see
// exactly one winner.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id common.Hash) (*Record, error)
	Transition(ctx context.Context, id common.Hash, expected, next Status, u Update) (*Record, error)

	// AcquireLease takes the record's work lease for owner if the status
	// is expected and the lease is free, expired, or already owner's.
	AcquireLease(ctx context.Context, id common.Hash, expected Status, owner string, until, now time.Time) (*Record, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	// ListRetryable returns completed records with a started, unfinished
	// claim whose retry time has passed and whose lease is not live.
	ListRetryable(ctx context.Context, before time.Time, limit int) ([]*Record, error)

	// NextNonce hands out settlement nonces for signer: strictly increasing
	// across every caller of the store and never below floor.
	NextNonce(ctx context.Context, signer string, floor uint64) (uint64, error)
}

func ptr[T any](v T) *T { return &v }

// apply mutates r per u. Guards are checked by the store.
func (u Update) apply(r *Record, next Status) {
	r.Status = next
	if u.ResetClaim {
		r.ClaimStep = StepNone
		r.RecipientAddress = common.Address{}
	}
	if u.Step != nil {
		r.ClaimStep = *u.Step
	}
	if u.FailureReason != nil {
		r.FailureReason = *u.FailureReason
	}
	if u.OnChainTxHash != nil {
		r.OnChainTxHash = *u.OnChainTxHash
	}
	if u.RecipientAddress != nil {
		r.RecipientAddress = *u.RecipientAddress
	}
	if u.ClaimTxHash != nil {
		r.ClaimTxHash = *u.ClaimTxHash
	}
	if u.ForwardTxHash != nil {
		r.ForwardTxHash = *u.ForwardTxHash
	}
	if u.SettlementNonce != nil {
		r.SettlementNonce = *u.SettlementNonce
	}
	if u.SettlementRef != nil {
		r.SettlementRef = *u.SettlementRef
	}
	if u.ClaimAttempts != nil {
		r.ClaimAttempts = *u.ClaimAttempts
	}
	if u.NextRetryAt != nil {
		r.NextRetryAt = cloneTime(u.NextRetryAt)
	}
	if u.ClearNextRetry {
		r.NextRetryAt = nil
	}
	if u.LastError != nil {
		r.LastError = *u.LastError
	}
	if u.ClaimedAt != nil {
		r.ClaimedAt = cloneTime(u.ClaimedAt)
	}
	if u.ReleaseLease {
		r.LeaseOwner = ""
		r.LeaseUntil = nil
	}
	r.UpdatedAt = u.Now
}

// guardsHold checks the Expect* guards against the stored record.
func (u Update) guardsHold(r *Record) bool {
	if u.ExpectStep != nil && r.ClaimStep != *u.ExpectStep {
		return false
	}
	if u.ExpectOwner != "" && r.LeaseOwner != u.ExpectOwner {
		return false
	}
	return true
}

// validForward reports whether moving from status cur to next is allowed.
func validForward(cur, next Status) bool {
	switch cur {
	case StatusPendingBridge:
		return next == StatusPendingBridge || next == StatusCreatingGift || next == StatusFailed
	case StatusCreatingGift:
		return next == StatusCreatingGift || next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return next == StatusCompleted || next == StatusClaimed
	default:
		return false
	}
}
