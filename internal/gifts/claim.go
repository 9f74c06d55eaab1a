package gifts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/giftlink/internal/chain"
	"github.com/mbd888/giftlink/internal/escrowledger"
	"github.com/mbd888/giftlink/internal/logging"
	"github.com/mbd888/giftlink/internal/traces"
	"github.com/mbd888/giftlink/internal/trading"
	"github.com/mbd888/giftlink/internal/usdc"
	"github.com/mbd888/giftlink/internal/validation"
)

// SubmitClaim redeems the gift behind secret to recipient on the trading
// ledger. A repeated call for the same recipient resumes an unfinished claim.
func (s *Service) SubmitClaim(ctx context.Context, req ClaimRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	secret, ok := validation.ParseSecret(req.ClaimSecret)
	if !ok || len(secret) != SecretLength {
		return nil, validationError("claimSecret: must be 0x + 64 hex chars")
	}
	if !validation.IsValidEthAddress(req.RecipientAddress) {
		return nil, validationError("recipientAddress: must be a valid Ethereum address (0x...)")
	}
	recipient := common.HexToAddress(req.RecipientAddress)
	if recipient == (common.Address{}) {
		return nil, validationError("recipientAddress: must not be the zero address")
	}
	if err := s.checkConfigured(); err != nil {
		return nil, err
	}

	id := escrowledger.HashSecret(secret)
	ctx = logging.WithClaimID(ctx, id.Hex())

	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusPendingBridge {
		if rec, err = s.Materialize(ctx, id); err != nil {
			return nil, err
		}
	}

	switch rec.Status {
	case StatusClaimed:
		return nil, ErrAlreadyClaimed
	case StatusFailed:
		return nil, ErrGiftNotFound
	case StatusPendingBridge, StatusCreatingGift:
		return nil, ErrGiftNotReady
	}

	if rec.ClaimStarted() {
		if rec.RecipientAddress != recipient {
			return nil, ErrAlreadyClaimed
		}
		return s.resume(ctx, rec)
	}

	owner, until := s.ownerID(), s.now().Add(s.cfg.LeaseTTL)
	if _, err := s.store.AcquireLease(ctx, id, StatusCompleted, owner, until, s.now()); err != nil {
		return nil, s.raceOutcome(ctx, id, recipient, err)
	}
	rec, err = s.store.Transition(ctx, id, StatusCompleted, StatusCompleted, Update{
		ExpectStep:       ptr(StepNone),
		ExpectOwner:      owner,
		Step:             ptr(StepReserved),
		RecipientAddress: &recipient,
		ClaimAttempts:    ptr(1),
		NextRetryAt:      &until,
		Now:              s.now(),
	})
	if err != nil {
		return nil, s.raceOutcome(ctx, id, recipient, err)
	}

	logging.L(ctx).Info("claim reserved", "recipient", recipient.Hex(), "amount", usdc.Format(rec.Amount))
	return s.runSaga(ctx, rec, owner, true)
}

// ResumeClaim re-drives an unfinished claim from its last completed step.
// Claimed records are returned as they are.
func (s *Service) ResumeClaim(ctx context.Context, id common.Hash) (*Record, error) {
	if err := s.checkConfigured(); err != nil {
		return nil, err
	}
	ctx = logging.WithClaimID(ctx, id.Hex())

	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusClaimed {
		return rec, nil
	}
	if rec.Status != StatusCompleted || !rec.ClaimStarted() {
		return nil, ErrNothingToResume
	}
	return s.resume(ctx, rec)
}

func (s *Service) resume(ctx context.Context, cur *Record) (*Record, error) {
	id, recipient := cur.ClaimID, cur.RecipientAddress
	owner, until := s.ownerID(), s.now().Add(s.cfg.LeaseTTL)
	leased, err := s.store.AcquireLease(ctx, id, StatusCompleted, owner, until, s.now())
	if err != nil {
		return nil, s.raceOutcome(ctx, id, recipient, err)
	}
	rec, err := s.store.Transition(ctx, id, StatusCompleted, StatusCompleted, Update{
		ExpectStep:    ptr(leased.ClaimStep),
		ExpectOwner:   owner,
		ClaimAttempts: ptr(leased.ClaimAttempts + 1),
		NextRetryAt:   &until,
		Now:           s.now(),
	})
	if err != nil {
		return nil, s.raceOutcome(ctx, id, recipient, err)
	}
	if rec.ClaimStep == StepSettled {
		return rec, nil
	}

	logging.L(ctx).Info("resuming claim", "step", string(rec.ClaimStep), "attempt", rec.ClaimAttempts)
	return s.runSaga(ctx, rec, owner, false)
}

// raceOutcome turns a lost CAS into the answer a caller should see.
func (s *Service) raceOutcome(ctx context.Context, id common.Hash, recipient common.Address, err error) error {
	if !errors.Is(err, ErrStaleTransition) && !errors.Is(err, ErrLeaseHeld) {
		return err
	}
	cur, gerr := s.get(ctx, id)
	if gerr != nil {
		return gerr
	}
	if cur.Status == StatusClaimed || (cur.ClaimStarted() && cur.RecipientAddress != recipient) {
		return ErrAlreadyClaimed
	}
	return ErrClaimInProgress
}

func (s *Service) checkConfigured() error {
	switch {
	case s.cfg.Custodian == (common.Address{}):
		return fmt.Errorf("%w: custodial address not set", ErrRelayerMisconfigured)
	case s.cfg.DepositAddress == (common.Address{}):
		return fmt.Errorf("%w: trading deposit address not set", ErrRelayerMisconfigured)
	case s.forwarder == nil || s.signer == nil || s.settler == nil:
		return fmt.Errorf("%w: settlement key or trading ledger not configured", ErrRelayerMisconfigured)
	}
	return nil
}

// runSaga executes the steps after rec.ClaimStep while holding owner's lease.
// Each step's result is persisted, guarded by the step it started from,
// before the next one runs.
func (s *Service) runSaga(ctx context.Context, rec *Record, owner string, fresh bool) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "gifts.Claim",
		traces.ClaimID(rec.ClaimID.Hex()),
		traces.Step(string(rec.ClaimStep)),
		traces.Amount(usdc.Format(rec.Amount)))
	defer func() { traces.End(span, err) }()

	if rec.ClaimStep != StepReserved {
		ctx = context.WithoutCancel(ctx)
	}

	for rec.ClaimStep != StepSettled {
		var next *Record
		switch rec.ClaimStep {
		case StepReserved:
			next, err = s.escrowClaim(ctx, rec, owner, fresh)
			// Past this point funds sit in custody; the caller going away
			// must not strand them.
			ctx = context.WithoutCancel(ctx)
		case StepEscrowClaimed:
			next, err = s.forward(ctx, rec, owner)
		case StepForwarded:
			next, err = s.settle(ctx, rec, owner)
		default:
			return nil, fmt.Errorf("gifts: unknown claim step %q", rec.ClaimStep)
		}
		if err != nil {
			return nil, err
		}
		rec = next
	}

	span.SetAttributes(traces.Outcome("claimed"))
	logging.L(ctx).Info("gift claimed",
		"recipient", rec.RecipientAddress.Hex(),
		"claim_tx", rec.ClaimTxHash.Hex(),
		"forward_tx", rec.ForwardTxHash.Hex(),
		"settlement_ref", rec.SettlementRef)
	return rec, nil
}

// escrowClaim is step 1: claim the entry into custody.
func (s *Service) escrowClaim(ctx context.Context, rec *Record, owner string, fresh bool) (*Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	tx, err := s.ledger.Claim(callCtx, rec.ClaimSecret, s.cfg.Custodian)
	cancel()
	// Whatever happened on the ledger has to be recorded.
	ctx = context.WithoutCancel(ctx)

	if errors.Is(err, escrowledger.ErrAlreadyResolved) && !fresh {
		// An earlier attempt may have landed without being recorded.
		tx, err = s.adoptResolved(ctx, rec)
	}

	switch {
	case err == nil:
		ClaimStepsTotal.WithLabelValues(string(StepEscrowClaimed), "ok").Inc()
		return s.advance(ctx, rec, owner, Update{
			Step:        ptr(StepEscrowClaimed),
			ClaimTxHash: &tx,
		})
	case errors.Is(err, escrowledger.ErrNotFound):
		return nil, s.rejectClaim(ctx, rec, owner, err, ErrGiftNotFound)
	case errors.Is(err, escrowledger.ErrAlreadyResolved):
		return nil, s.rejectClaim(ctx, rec, owner, err, ErrAlreadyClaimed)
	case errors.Is(err, escrowledger.ErrExpired):
		return nil, s.rejectClaim(ctx, rec, owner, err, ErrExpired)
	default:
		ClaimStepsTotal.WithLabelValues(string(StepEscrowClaimed), "error").Inc()
		return nil, s.stepFailed(ctx, rec, owner, err)
	}
}

// adoptResolved recovers the transaction of our own earlier claim. A refund,
// or a claim paid anywhere but custody, was not ours.
func (s *Service) adoptResolved(ctx context.Context, rec *Record) (common.Hash, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	trail, err := s.ledger.Trail(callCtx, rec.ClaimID)
	cancel()
	switch {
	case errors.Is(err, escrowledger.ErrNotFound):
		return common.Hash{}, errors.New("gifts: resolved entry has no ledger trail yet")
	case err != nil:
		return common.Hash{}, err
	case trail.Status == escrowledger.StatusRefunded:
		return common.Hash{}, fmt.Errorf("%w: entry was refunded to the sender", escrowledger.ErrExpired)
	case trail.Destination != (common.Address{}) && trail.Destination != s.cfg.Custodian:
		return common.Hash{}, fmt.Errorf("%w: claimed to %s", escrowledger.ErrAlreadyResolved, trail.Destination.Hex())
	}
	logging.L(ctx).Warn("escrow entry already resolved, adopting earlier claim", "claim_tx", trail.ResolveTx.Hex())
	return trail.ResolveTx, nil
}

// rejectClaim handles a definitive step-1 refusal: the reservation is
// released so the record reflects that nothing moved.
func (s *Service) rejectClaim(ctx context.Context, rec *Record, owner string, cause, surfaced error) error {
	ClaimStepsTotal.WithLabelValues(string(StepEscrowClaimed), "rejected").Inc()
	_, err := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusCompleted, Update{
		ExpectStep:     ptr(StepReserved),
		ExpectOwner:    owner,
		ResetClaim:     true,
		LastError:      ptr(cause.Error()),
		ClearNextRetry: true,
		ReleaseLease:   true,
		Now:            s.now(),
	})
	if err != nil {
		logging.L(ctx).Error("failed to release rejected claim", "error", err)
	}
	logging.L(ctx).Warn("escrow claim rejected", "error", cause)
	return surfaced
}

// forward is step 2: move the claimed amount to the deposit intake. The
// transfer's hash is stored before anything waits on it, and a stored hash is
// confirmed rather than sent again.
func (s *Service) forward(ctx context.Context, rec *Record, owner string) (*Record, error) {
	if rec.ForwardTxHash == (common.Hash{}) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		tx, err := s.forwarder.SendForward(callCtx, rec.ClaimID, s.cfg.DepositAddress, rec.Amount)
		cancel()
		if tx != (common.Hash{}) {
			next, terr := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusCompleted, Update{
				ExpectStep:    ptr(StepEscrowClaimed),
				ExpectOwner:   owner,
				ForwardTxHash: &tx,
				Now:           s.now(),
			})
			if terr != nil {
				return nil, s.raceOutcome(ctx, rec.ClaimID, rec.RecipientAddress, terr)
			}
			rec = next
		}
		if err != nil {
			ClaimStepsTotal.WithLabelValues(string(StepForwarded), "error").Inc()
			return nil, s.stepFailed(ctx, rec, owner, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err := s.forwarder.ConfirmForward(callCtx, rec.ClaimID, rec.ForwardTxHash)
	cancel()
	if err != nil {
		ClaimStepsTotal.WithLabelValues(string(StepForwarded), "error").Inc()
		if forwardLost(err) {
			logging.L(ctx).Warn("forward transfer lost, will send again", "forward_tx", rec.ForwardTxHash.Hex(), "error", err)
			next, terr := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusCompleted, Update{
				ExpectStep:    ptr(StepEscrowClaimed),
				ExpectOwner:   owner,
				ForwardTxHash: &common.Hash{},
				Now:           s.now(),
			})
			if terr != nil {
				return nil, s.raceOutcome(ctx, rec.ClaimID, rec.RecipientAddress, terr)
			}
			rec = next
		}
		return nil, s.stepFailed(ctx, rec, owner, err)
	}

	ClaimStepsTotal.WithLabelValues(string(StepForwarded), "ok").Inc()
	return s.advance(ctx, rec, owner, Update{Step: ptr(StepForwarded)})
}

// forwardLost reports whether a forward can never land.
func forwardLost(err error) bool {
	return errors.Is(err, chain.ErrReverted) ||
		errors.Is(err, chain.ErrDropped) ||
		errors.Is(err, escrowledger.ErrNotFound)
}

// settle is step 3: sign and submit the transfer to the recipient. The nonce
// is persisted before the first submission so every retry reuses it.
func (s *Service) settle(ctx context.Context, rec *Record, owner string) (*Record, error) {
	if rec.SettlementNonce == 0 {
		nonce, err := s.nextNonce(ctx)
		if err != nil {
			return nil, s.stepFailed(ctx, rec, owner, err)
		}
		next, err := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusCompleted, Update{
			ExpectStep:      ptr(StepForwarded),
			ExpectOwner:     owner,
			SettlementNonce: &nonce,
			Now:             s.now(),
		})
		if err != nil {
			return nil, s.raceOutcome(ctx, rec.ClaimID, rec.RecipientAddress, err)
		}
		rec = next
	}

	signed, err := s.signer.Sign(trading.Transfer{
		Destination: rec.RecipientAddress,
		Asset:       s.cfg.Asset,
		Amount:      usdc.Format(rec.Amount),
		Nonce:       rec.SettlementNonce,
	})
	if err != nil {
		return nil, s.stepFailed(ctx, rec, owner, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	receipt, err := s.settler.Submit(callCtx, signed)
	cancel()
	if errors.Is(err, trading.ErrNonceConflict) {
		// The nonce went to some other transfer, so this one never applied.
		logging.L(ctx).Error("settlement nonce taken by another transfer", "nonce", rec.SettlementNonce)
		next, terr := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusCompleted, Update{
			ExpectStep:      ptr(StepForwarded),
			ExpectOwner:     owner,
			SettlementNonce: ptr(uint64(0)),
			Now:             s.now(),
		})
		if terr != nil {
			return nil, s.raceOutcome(ctx, rec.ClaimID, rec.RecipientAddress, terr)
		}
		rec = next
	}
	if err != nil {
		ClaimStepsTotal.WithLabelValues(string(StepSettled), "error").Inc()
		return nil, s.stepFailed(ctx, rec, owner, err)
	}
	if receipt.Duplicate {
		logging.L(ctx).Info("settlement nonce already applied", "nonce", rec.SettlementNonce)
	}

	now := s.now()
	done, err := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusClaimed, Update{
		ExpectStep:     ptr(StepForwarded),
		ExpectOwner:    owner,
		Step:           ptr(StepSettled),
		SettlementRef:  &receipt.Reference,
		ClaimedAt:      &now,
		ClearNextRetry: true,
		ReleaseLease:   true,
		Now:            now,
	})
	if err != nil {
		return nil, s.raceOutcome(ctx, rec.ClaimID, rec.RecipientAddress, err)
	}
	ClaimStepsTotal.WithLabelValues(string(StepSettled), "ok").Inc()
	return done, nil
}

// advance persists a completed step, guarded by the step it started from.
func (s *Service) advance(ctx context.Context, rec *Record, owner string, u Update) (*Record, error) {
	u.ExpectStep = ptr(rec.ClaimStep)
	u.ExpectOwner = owner
	u.Now = s.now()
	next, err := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusCompleted, u)
	if err != nil {
		logging.L(ctx).Error("failed to persist claim step", "step", string(*u.Step), "error", err)
		return nil, s.raceOutcome(ctx, rec.ClaimID, rec.RecipientAddress, err)
	}
	logging.L(ctx).Info("claim step done", "step", string(next.ClaimStep))
	return next, nil
}

// stepFailed records a retryable failure after rec.ClaimStep, schedules the
// next attempt and releases the lease.
func (s *Service) stepFailed(ctx context.Context, rec *Record, owner string, cause error) error {
	now := s.now()
	retryAt := s.cfg.Retry.Next(now, rec.ClaimAttempts)
	_, err := s.store.Transition(ctx, rec.ClaimID, StatusCompleted, StatusCompleted, Update{
		ExpectStep:   ptr(rec.ClaimStep),
		ExpectOwner:  owner,
		NextRetryAt:  &retryAt,
		LastError:    ptr(cause.Error()),
		ReleaseLease: true,
		Now:          now,
	})
	if err != nil {
		logging.L(ctx).Error("failed to schedule claim retry", "error", err)
	}

	log := logging.L(ctx).With(
		"step", string(rec.ClaimStep),
		"attempt", rec.ClaimAttempts,
		"retry_at", retryAt.Format(time.RFC3339),
		"error", cause)
	if s.cfg.Retry.ShouldAlert(rec.ClaimAttempts) {
		ClaimAlertsTotal.Inc()
		log.Error("claim stuck in custody, needs attention")
	} else {
		log.Warn("claim step failed, will retry")
	}

	if errors.Is(cause, chain.ErrUnderfunded) {
		cause = fmt.Errorf("%w: %w", ErrRelayerUnderfunded, cause)
	}
	return &SettlementError{Step: rec.ClaimStep, Err: cause}
}
