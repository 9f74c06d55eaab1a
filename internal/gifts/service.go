package gifts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/mbd888/giftlink/internal/bridge"
	"github.com/mbd888/giftlink/internal/chain"
	"github.com/mbd888/giftlink/internal/escrowledger"
	"github.com/mbd888/giftlink/internal/logging"
	"github.com/mbd888/giftlink/internal/retry"
	"github.com/mbd888/giftlink/internal/traces"
	"github.com/mbd888/giftlink/internal/trading"
	"github.com/mbd888/giftlink/internal/usdc"
	"github.com/mbd888/giftlink/internal/validation"
)

// SecretLength is the size of a claim secret in bytes.
const SecretLength = 32

// EscrowLedger is the slice of the escrow ledger the relayer drives. Both
// chain.Client and LocalLedger implement it.
type EscrowLedger interface {
	CreateEntry(ctx context.Context, p escrowledger.CreateParams) (common.Hash, error)
	CreateFromDeposit(ctx context.Context, p escrowledger.CreateParams) (common.Hash, error)
	Claim(ctx context.Context, secret []byte, destination common.Address) (common.Hash, error)
	QueryStatus(ctx context.Context, id common.Hash) (*escrowledger.StatusView, error)
	Trail(ctx context.Context, id common.Hash) (*escrowledger.Trail, error)
}

// Forwarder moves claimed funds from custody to the trading ledger's
// deposit intake in two halves so the transfer can be recorded between them.
//
// SendForward returns the transfer's hash, also alongside an error when the
// transfer may have gone out. ConfirmForward returns nil once tx landed;
// chain.ErrReverted, chain.ErrDropped or escrowledger.ErrNotFound mean it
// never will and sending again is safe. Any other error leaves the outcome
// unknown.
type Forwarder interface {
	SendForward(ctx context.Context, claimID common.Hash, to common.Address, amount *big.Int) (common.Hash, error)
	ConfirmForward(ctx context.Context, claimID common.Hash, tx common.Hash) error
}

// Config holds the relayer settings.
type Config struct {
	Custodian      common.Address // receives escrow claims
	DepositAddress common.Address // trading ledger deposit intake
	Asset          string         // asset id used in settlement transfers
	CallTimeout    time.Duration  // bound on every external call
	LeaseTTL       time.Duration  // how long one worker owns a claim
	StaleCreating  time.Duration  // age after which creating_gift is an orphan
	Retry          retry.Schedule
}

// DefaultConfig returns the production defaults without addresses.
func DefaultConfig() Config {
	return Config{
		Asset:         "USDC",
		CallTimeout:   30 * time.Second,
		LeaseTTL:      5 * time.Minute,
		StaleCreating: 2 * time.Minute,
		Retry: retry.Schedule{
			Base:       30 * time.Second,
			Max:        time.Hour,
			AlertAfter: 8,
		},
	}
}

// RegisterRequest records an observed funding transaction.
type RegisterRequest struct {
	ClaimSecret   string      `json:"claimSecret"` // generated when empty
	SourceTxHash  string      `json:"sourceTxHash" binding:"required"`
	SourceChainID int64       `json:"sourceChainId" binding:"required"`
	Amount        string      `json:"amount" binding:"required"` // decimal USDC
	SenderAddress string      `json:"senderAddress" binding:"required"`
	Expiry        int64       `json:"expiry"`
	FundingMode   FundingMode `json:"fundingMode"`
}

// ClaimRequest redeems a gift to a trading ledger account.
type ClaimRequest struct {
	ClaimSecret      string `json:"claimSecret" binding:"required"`
	RecipientAddress string `json:"recipientAddress" binding:"required"`
}

// Service implements the relayer: materialization and claim settlement.
type Service struct {
	store  Store
	ledger EscrowLedger
	oracle bridge.Oracle
	cfg    Config

	forwarder Forwarder
	signer    *trading.Signer
	settler   trading.Settler

	now     func() time.Time
	ownerID func() string
}

// NewService creates a new gift service.
func NewService(store Store, ledger EscrowLedger, oracle bridge.Oracle, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Asset == "" {
		cfg.Asset = def.Asset
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.StaleCreating <= 0 {
		cfg.StaleCreating = def.StaleCreating
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = def.Retry
	}
	return &Service{
		store:   store,
		ledger:  ledger,
		oracle:  oracle,
		cfg:     cfg,
		now:     time.Now,
		ownerID: uuid.NewString,
	}
}

// WithSettlement wires the forward hop and the trading ledger. Claims fail
// with ErrRelayerMisconfigured until this is set.
func (s *Service) WithSettlement(f Forwarder, signer *trading.Signer, settler trading.Settler) *Service {
	s.forwarder = f
	s.signer = signer
	s.settler = settler
	return s
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithOwnerFunc replaces the lease owner id generator.
func (s *Service) WithOwnerFunc(f func() string) *Service {
	s.ownerID = f
	return s
}

// Register stores a pending_bridge record for an observed funding transfer.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Record, error) {
	if errs := validation.Validate(
		validation.Required("sourceTxHash", req.SourceTxHash),
		validation.ValidHash("sourceTxHash", req.SourceTxHash),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("senderAddress", req.SenderAddress),
		validation.ValidAddress("senderAddress", req.SenderAddress),
		validation.NonZeroAddress("senderAddress", req.SenderAddress),
		validation.ValidSecret("claimSecret", req.ClaimSecret),
	); len(errs) > 0 {
		return nil, validationError("%s", errs.Error())
	}
	if req.SourceChainID <= 0 {
		return nil, validationError("sourceChainId: must be positive")
	}
	if req.Expiry < 0 {
		return nil, validationError("expiry: must not be negative")
	}

	mode := req.FundingMode
	switch mode {
	case "":
		mode = FundingTransfer
	case FundingTransfer, FundingDeposit:
	default:
		return nil, validationError("fundingMode: must be %q or %q", FundingTransfer, FundingDeposit)
	}

	secret, err := s.secretFor(req.ClaimSecret)
	if err != nil {
		return nil, err
	}
	amount, _ := usdc.ParsePositive(req.Amount)

	now := s.now()
	rec := &Record{
		ClaimID:       escrowledger.HashSecret(secret),
		ClaimSecret:   secret,
		SourceTxHash:  common.HexToHash(req.SourceTxHash),
		SourceChainID: req.SourceChainID,
		Amount:        amount,
		SenderAddress: common.HexToAddress(req.SenderAddress),
		Expiry:        req.Expiry,
		FundingMode:   mode,
		Status:        StatusPendingBridge,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store gift record: %w", err)
	}

	logging.L(ctx).Info("gift registered",
		"claim_id", rec.ClaimID.Hex(),
		"source_tx", rec.SourceTxHash.Hex(),
		"source_chain", rec.SourceChainID,
		"amount", usdc.Format(rec.Amount),
		"funding_mode", string(rec.FundingMode))
	return rec, nil
}

func (s *Service) secretFor(hexSecret string) ([]byte, error) {
	if hexSecret == "" {
		secret := make([]byte, SecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate claim secret: %w", err)
		}
		return secret, nil
	}
	secret, ok := validation.ParseSecret(hexSecret)
	if !ok || len(secret) != SecretLength {
		return nil, validationError("claimSecret: must be 0x + 64 hex chars")
	}
	return secret, nil
}

// GetRecord returns the record for id, materializing it first when it is
// still waiting on the bridge.
func (s *Service) GetRecord(ctx context.Context, id common.Hash) (*Record, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusPendingBridge {
		return s.Materialize(ctx, id)
	}
	return rec, nil
}

func (s *Service) get(ctx context.Context, id common.Hash) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrGiftNotFound
	}
	return rec, err
}

// Materialize moves a pending_bridge record forward once the bridge reports
// the funding transfer final. It never fails on transient oracle or ledger
// trouble; the record simply stays where it is and is picked up again later.
// Records that are not pending_bridge are returned unchanged.
func (s *Service) Materialize(ctx context.Context, id common.Hash) (rec *Record, err error) {
	ctx = logging.WithClaimID(ctx, id.Hex())
	ctx, span := traces.StartSpan(ctx, "gifts.Materialize", traces.ClaimID(id.Hex()))
	defer func() { traces.End(span, err) }()

	rec, err = s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPendingBridge {
		return rec, nil
	}
	span.SetAttributes(traces.SourceTx(rec.SourceTxHash.Hex()))

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	status, err := s.oracle.Status(callCtx, rec.SourceTxHash, rec.SourceChainID)
	cancel()
	if err != nil {
		MaterializationsTotal.WithLabelValues("oracle_unavailable").Inc()
		logging.L(ctx).Warn("bridge status unavailable", "error", err)
		return rec, nil
	}

	switch status {
	case bridge.StatusDone:
		creating, err := s.store.Transition(ctx, id, StatusPendingBridge, StatusCreatingGift, Update{Now: s.now()})
		if errors.Is(err, ErrStaleTransition) {
			return s.get(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		return s.createEntry(ctx, creating, false)

	case bridge.StatusFailed:
		failed, err := s.store.Transition(ctx, id, StatusPendingBridge, StatusFailed, Update{
			FailureReason: ptr("source transfer failed"),
			Now:           s.now(),
		})
		if errors.Is(err, ErrStaleTransition) {
			return s.get(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		MaterializationsTotal.WithLabelValues("source_failed").Inc()
		logging.L(ctx).Warn("bridge reported source transfer failed", "source_tx", rec.SourceTxHash.Hex())
		return failed, nil

	default:
		MaterializationsTotal.WithLabelValues("pending").Inc()
		return rec, nil
	}
}

// createEntry creates the escrow entry for a creating_gift record. Ledger
// rejections are terminal and stored verbatim. When adopt is set an
// existing entry counts as success; that is only safe once QueryStatus has
// shown the entry missing earlier in the same orphan check.
func (s *Service) createEntry(ctx context.Context, rec *Record, adopt bool) (*Record, error) {
	params := escrowledger.CreateParams{
		ClaimID: rec.ClaimID,
		Amount:  rec.Amount,
		Sender:  rec.SenderAddress,
		Expiry:  rec.Expiry,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	var (
		tx  common.Hash
		err error
	)
	if rec.FundingMode == FundingDeposit {
		tx, err = s.ledger.CreateFromDeposit(callCtx, params)
	} else {
		tx, err = s.ledger.CreateEntry(callCtx, params)
	}
	cancel()

	if adopt && errors.Is(err, escrowledger.ErrAlreadyExists) {
		// Created by the worker that died; recover its transaction.
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		var trail *escrowledger.Trail
		if trail, err = s.ledger.Trail(callCtx, rec.ClaimID); err == nil {
			tx = trail.CreateTx
		}
		cancel()
	}

	switch {
	case err == nil:
		done, terr := s.store.Transition(ctx, rec.ClaimID, StatusCreatingGift, StatusCompleted, Update{
			OnChainTxHash: &tx,
			Now:           s.now(),
		})
		if errors.Is(terr, ErrStaleTransition) {
			return s.get(ctx, rec.ClaimID)
		}
		if terr != nil {
			return nil, terr
		}
		MaterializationsTotal.WithLabelValues("completed").Inc()
		logging.L(ctx).Info("gift materialized", "tx", tx.Hex(), "amount", usdc.Format(rec.Amount))
		return done, nil

	case isLedgerRejection(err):
		failed, terr := s.store.Transition(ctx, rec.ClaimID, StatusCreatingGift, StatusFailed, Update{
			FailureReason: ptr(err.Error()),
			Now:           s.now(),
		})
		if errors.Is(terr, ErrStaleTransition) {
			return s.get(ctx, rec.ClaimID)
		}
		if terr != nil {
			return nil, terr
		}
		MaterializationsTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Error("escrow ledger rejected gift", "error", err)
		return failed, nil

	default:
		MaterializationsTotal.WithLabelValues("ledger_unavailable").Inc()
		logging.L(ctx).Warn("escrow ledger create failed, will retry", "error", err)
		return rec, nil
	}
}

// ResolveOrphan finishes a creating_gift record whose worker died between
// the status change and the ledger call. The ledger is the authority: an
// existing entry completes the record, a missing one is created now.
func (s *Service) ResolveOrphan(ctx context.Context, id common.Hash) (*Record, error) {
	ctx = logging.WithClaimID(ctx, id.Hex())
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusCreatingGift {
		return rec, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	view, err := s.ledger.QueryStatus(callCtx, id)
	cancel()
	if err != nil {
		logging.L(ctx).Warn("orphan check: ledger status unavailable", "error", err)
		return rec, nil
	}

	if view.Exists {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		trail, err := s.ledger.Trail(callCtx, id)
		cancel()
		if err != nil {
			logging.L(ctx).Warn("orphan check: entry creation tx unavailable", "error", err)
			return rec, nil
		}
		done, err := s.store.Transition(ctx, id, StatusCreatingGift, StatusCompleted, Update{
			OnChainTxHash: &trail.CreateTx,
			Now:           s.now(),
		})
		if errors.Is(err, ErrStaleTransition) {
			return s.get(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		MaterializationsTotal.WithLabelValues("orphan_adopted").Inc()
		logging.L(ctx).Info("orphaned gift adopted from ledger")
		return done, nil
	}
	return s.createEntry(ctx, rec, true)
}

func isLedgerRejection(err error) bool {
	for _, target := range []error{
		escrowledger.ErrAlreadyExists,
		escrowledger.ErrInvalidAmount,
		escrowledger.ErrInvalidExpiry,
		escrowledger.ErrInsufficientBalance,
		escrowledger.ErrInsufficientUnallocated,
		chain.ErrUnsupported,
		chain.ErrReverted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// nextNonce allocates a settlement nonce from the store, so replicas sharing
// a signer never hand out the same one. The floor keeps nonces near the
// millisecond clock the trading ledger expects.
func (s *Service) nextNonce(ctx context.Context) (uint64, error) {
	return s.store.NextNonce(ctx, s.signer.Address().Hex(), uint64(s.now().UnixMilli()))
}

// SecretHex encodes a claim secret for links and API responses.
func SecretHex(secret []byte) string {
	return hexutil.Encode(secret)
}
