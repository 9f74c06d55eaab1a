// Package escrowledger is the authoritative store for gift entries.
//
// An entry is keyed by claimId = keccak256(claimSecret); the secret itself is
// never stored here. Lifecycle:
//
//	nonexistent -> pending -> claimed | refunded
//
// Both resolutions are terminal and an id can never be reused. The ledger
// also keeps account balances and its own custody ("held") balance, and it
// guarantees held >= sum(pending amounts) after every mutation.
package escrowledger

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrAlreadyExists           = errors.New("escrow: entry already exists")
	ErrInvalidAmount           = errors.New("escrow: amount must be positive")
	ErrInvalidExpiry           = errors.New("escrow: expiry must be in the future")
	ErrInvalidDestination      = errors.New("escrow: destination must be non-zero")
	ErrNotFound                = errors.New("escrow: entry not found")
	ErrAlreadyResolved         = errors.New("escrow: entry already resolved")
	ErrExpired                 = errors.New("escrow: entry expired")
	ErrNotSender               = errors.New("escrow: caller is not the sender")
	ErrNoExpirySet             = errors.New("escrow: entry has no expiry and cannot be refunded")
	ErrNotYetExpired           = errors.New("escrow: entry has not expired yet")
	ErrInsufficientBalance     = errors.New("escrow: insufficient balance")
	ErrInsufficientUnallocated = errors.New("escrow: insufficient unallocated custody balance")
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusClaimed  Status = "claimed"
	StatusRefunded Status = "refunded"
)

// Reserved accounts. held is the custody balance; pending tracks the sum of
// pending entry amounts so the unallocated part of held is O(1) to compute.
const (
	heldAccount    = "escrow:held"
	pendingAccount = "escrow:pending"
)

// Entry is a gift escrow entry.
type Entry struct {
	ClaimID     common.Hash    `json:"claimId"`
	Amount      *big.Int       `json:"amount"`
	Sender      common.Address `json:"sender"`
	Expiry      int64          `json:"expiry"` // unix seconds, 0 = never expires
	Status      Status         `json:"status"`
	Destination common.Address `json:"destination,omitempty"`
	CreateTx    common.Hash    `json:"createTx"`
	ResolveTx   common.Hash    `json:"resolveTx,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true once the entry was claimed or refunded.
func (e *Entry) IsTerminal() bool {
	return e.Status == StatusClaimed || e.Status == StatusRefunded
}

// HasExpiry reports whether the entry can ever expire.
func (e *Entry) HasExpiry() bool {
	return e.Expiry != 0
}

// ExpiredAt reports whether the expiry has passed at now. The expiry second
// itself is still claimable.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return e.HasExpiry() && now.Unix() > e.Expiry
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// StatusView summarizes an entry for read-only callers.
type StatusView struct {
	Exists    bool     `json:"exists"`
	Claimable bool     `json:"claimable"`
	Amount    *big.Int `json:"amount"`
	Status    Status   `json:"status,omitempty"`
	Expiry    int64    `json:"expiry,omitempty"`
}

// Trail locates the transactions behind an entry. Zero hashes mean the
// transaction is not known; Destination is only set for claimed entries.
type Trail struct {
	Status      Status
	CreateTx    common.Hash
	ResolveTx   common.Hash
	Destination common.Address
}

// HashSecret derives the claim id for a secret.
func HashSecret(secret []byte) common.Hash {
	return crypto.Keccak256Hash(secret)
}

func accountKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
