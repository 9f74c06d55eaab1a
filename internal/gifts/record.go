// Package gifts is the relayer side of gift links. It tracks each gift's
// off-chain record, materializes escrow entries once the funding transfer
// has landed, and drives the three-step claim settlement:
//
//  1. claim the escrow entry into the relayer's custodial address
//  2. forward the amount to the trading ledger's deposit intake
//  3. submit a signed transfer to the recipient on the trading ledger
//
// Progress through the claim is persisted as a step cursor so a crashed or
// failed claim resumes where it stopped instead of starting over.
package gifts

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle status of a gift record.
type Status string

const (
	StatusPendingBridge Status = "pending_bridge" // funding observed, bridge not final
	StatusCreatingGift  Status = "creating_gift"  // escrow entry being created
	StatusCompleted     Status = "completed"      // claimable on the escrow ledger
	StatusFailed        Status = "failed"         // terminal, see FailureReason
	StatusClaimed       Status = "claimed"        // settled to the recipient
)

// ClaimStep is the claim cursor: the last step that is known to be done.
type ClaimStep string

const (
	StepNone          ClaimStep = ""
	StepReserved      ClaimStep = "reserved"
	StepEscrowClaimed ClaimStep = "escrow_claimed"
	StepForwarded     ClaimStep = "forwarded"
	StepSettled       ClaimStep = "settled"
)

var stepOrder = map[ClaimStep]int{
	StepNone:          0,
	StepReserved:      1,
	StepEscrowClaimed: 2,
	StepForwarded:     3,
	StepSettled:       4,
}

// Before reports whether s comes strictly before other.
func (s ClaimStep) Before(other ClaimStep) bool {
	return stepOrder[s] < stepOrder[other]
}

// FundingMode says how the escrow entry gets its funds.
type FundingMode string

const (
	// FundingTransfer pulls the amount from the sender's own ledger balance.
	FundingTransfer FundingMode = "transfer"
	// FundingDeposit allocates from funds already sitting in escrow custody
	// after a bulk bridge deposit.
	FundingDeposit FundingMode = "deposit"
)

// Record is the off-chain view of one gift. Records are never deleted.
type Record struct {
	ClaimID       common.Hash    `json:"claimId"`
	ClaimSecret   []byte         `json:"-"`
	SourceTxHash  common.Hash    `json:"sourceTxHash"`
	SourceChainID int64          `json:"sourceChainId"`
	Amount        *big.Int       `json:"amount"`
	SenderAddress common.Address `json:"senderAddress"`
	Expiry        int64          `json:"expiry,omitempty"`
	FundingMode   FundingMode    `json:"fundingMode"`
	Status        Status         `json:"status"`
	FailureReason string         `json:"failureReason,omitempty"`
	OnChainTxHash common.Hash    `json:"onChainTxHash,omitempty"`

	RecipientAddress common.Address `json:"recipientAddress,omitempty"`
	ClaimStep        ClaimStep      `json:"claimStep,omitempty"`
	ClaimTxHash      common.Hash    `json:"claimTxHash,omitempty"`
	ForwardTxHash    common.Hash    `json:"forwardTxHash,omitempty"`
	SettlementNonce  uint64         `json:"settlementNonce,omitempty"`
	SettlementRef    string         `json:"settlementRef,omitempty"`
	ClaimAttempts    int            `json:"claimAttempts,omitempty"`
	NextRetryAt      *time.Time     `json:"nextRetryAt,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
	LeaseOwner       string         `json:"-"`
	LeaseUntil       *time.Time     `json:"-"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
}

// IsTerminal returns true for records that will never change status again.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusFailed || r.Status == StatusClaimed
}

// ClaimStarted reports whether a claim reserved this record. From then on
// the recipient is fixed.
func (r *Record) ClaimStarted() bool {
	return r.ClaimStep != StepNone
}

// InCustody reports whether funds have left the escrow entry but not yet
// reached the recipient.
func (r *Record) InCustody() bool {
	return r.Status == StatusCompleted && !r.ClaimStep.Before(StepEscrowClaimed) && r.ClaimStep != StepSettled
}

// LeasedAt reports whether a live lease is held at now.
func (r *Record) LeasedAt(now time.Time) bool {
	return r.LeaseOwner != "" && r.LeaseUntil != nil && now.Before(*r.LeaseUntil)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ClaimSecret != nil {
		cp.ClaimSecret = append([]byte(nil), r.ClaimSecret...)
	}
	if r.Amount != nil {
		cp.Amount = new(big.Int).Set(r.Amount)
	}
	cp.NextRetryAt = cloneTime(r.NextRetryAt)
	cp.LeaseUntil = cloneTime(r.LeaseUntil)
	cp.ClaimedAt = cloneTime(r.ClaimedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
