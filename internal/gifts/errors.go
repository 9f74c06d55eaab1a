package gifts

import (
	"errors"
	"fmt"
)

// Errors surfaced to claim and registration callers.
var (
	ErrGiftNotFound         = errors.New("gift not found")
	ErrGiftNotReady         = errors.New("gift is not claimable yet")
	ErrAlreadyClaimed       = errors.New("gift already claimed")
	ErrExpired              = errors.New("gift expired")
	ErrRelayerMisconfigured = errors.New("relayer misconfigured")
	ErrRelayerUnderfunded   = errors.New("relayer underfunded")
	ErrSettlementFailed     = errors.New("settlement failed")
	ErrValidationFailed     = errors.New("validation failed")
	ErrClaimInProgress      = errors.New("claim already in progress")
	ErrNothingToResume      = errors.New("no claim to resume")
)

// Store errors.
var (
	ErrNotFound        = errors.New("gifts: record not found")
	ErrAlreadyExists   = errors.New("gifts: record already exists")
	ErrStaleTransition = errors.New("gifts: stale transition")
	ErrLeaseHeld       = errors.New("gifts: lease held by another worker")
)

// SettlementError reports a claim that stopped after Step, the last step
// that is known to be complete. Retrying resumes from the step after it.
type SettlementError struct {
	Step ClaimStep
	Err  error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed after step %q: %v", e.Step, e.Err)
}

func (e *SettlementError) Unwrap() []error { return []error{ErrSettlementFailed, e.Err} }

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}
