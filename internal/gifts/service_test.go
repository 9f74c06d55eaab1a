package gifts

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/giftlink/internal/bridge"
	"github.com/mbd888/giftlink/internal/escrowledger"
	"github.com/mbd888/giftlink/internal/retry"
	"github.com/mbd888/giftlink/internal/trading"
	"github.com/mbd888/giftlink/internal/usdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sender    = common.HexToAddress("0x5e4d000000000000000000000000000000000001")
	recipient = common.HexToAddress("0x7ec1000000000000000000000000000000000002")
	custodian = common.HexToAddress("0xc057000000000000000000000000000000000003")
	intake    = common.HexToAddress("0x1a7a000000000000000000000000000000000004")

	errTimeout = errors.New("i/o timeout")
)

const sourceChain = 8453

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// countingLedger counts calls into the escrow ledger and can fail the next
// create or claim.
type countingLedger struct {
	EscrowLedger
	creates    atomic.Int32
	claims     atomic.Int32
	failCreate atomic.Pointer[error]
	failClaim  atomic.Pointer[error]
	afterClaim func()
}

func (l *countingLedger) CreateEntry(ctx context.Context, p escrowledger.CreateParams) (common.Hash, error) {
	l.creates.Add(1)
	if err := l.failCreate.Swap(nil); err != nil {
		return common.Hash{}, *err
	}
	return l.EscrowLedger.CreateEntry(ctx, p)
}

func (l *countingLedger) CreateFromDeposit(ctx context.Context, p escrowledger.CreateParams) (common.Hash, error) {
	l.creates.Add(1)
	return l.EscrowLedger.CreateFromDeposit(ctx, p)
}

func (l *countingLedger) Claim(ctx context.Context, secret []byte, dest common.Address) (common.Hash, error) {
	l.claims.Add(1)
	if err := l.failClaim.Swap(nil); err != nil {
		return common.Hash{}, *err
	}
	tx, err := l.EscrowLedger.Claim(ctx, secret, dest)
	if err == nil && l.afterClaim != nil {
		l.afterClaim()
	}
	return tx, err
}

// flakyForwarder fails the first failures sends before anything moves. The
// next unconfirmed sends go out but time out waiting for the result, and the
// next phantom sends time out with a hash that never lands.
type flakyForwarder struct {
	next        Forwarder
	calls       atomic.Int32
	confirms    atomic.Int32
	failures    atomic.Int32
	unconfirmed atomic.Int32
	phantom     atomic.Int32
}

func (f *flakyForwarder) SendForward(ctx context.Context, id common.Hash, to common.Address, amount *big.Int) (common.Hash, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if f.failures.Add(-1) >= 0 {
		return common.Hash{}, errTimeout
	}
	if f.phantom.Add(-1) >= 0 {
		return common.BytesToHash([]byte("never mined")), errTimeout
	}
	tx, err := f.next.SendForward(ctx, id, to, amount)
	if err == nil && f.unconfirmed.Add(-1) >= 0 {
		return tx, errTimeout
	}
	return tx, err
}

func (f *flakyForwarder) ConfirmForward(ctx context.Context, id common.Hash, tx common.Hash) error {
	f.confirms.Add(1)
	return f.next.ConfirmForward(ctx, id, tx)
}

// flakySettler either fails before reaching the trading ledger or applies
// the transfer and then loses the reply.
type flakySettler struct {
	next       trading.Settler
	calls      atomic.Int32
	failBefore atomic.Int32
	loseReply  atomic.Int32
}

func (s *flakySettler) Submit(ctx context.Context, st *trading.SignedTransfer) (*trading.Receipt, error) {
	s.calls.Add(1)
	if s.failBefore.Add(-1) >= 0 {
		return nil, trading.ErrUnavailable
	}
	receipt, err := s.next.Submit(ctx, st)
	if err == nil && s.loseReply.Add(-1) >= 0 {
		return nil, trading.ErrUnavailable
	}
	return receipt, err
}

type harness struct {
	clock     *fakeClock
	escrow    *escrowledger.Ledger
	ledger    *countingLedger
	oracle    *bridge.Static
	store     *MemoryStore
	trading   *trading.MemoryLedger
	forwarder *flakyForwarder
	settler   *flakySettler
	svc       *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	escrow := escrowledger.New(escrowledger.NewMemoryStore(), escrowledger.WithClock(clock.Now))
	local := NewLocalLedger(escrow, custodian)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := trading.Domain{Name: "Exchange", Version: "1", ChainID: 1337, VerifyingContract: common.HexToAddress("0xdead")}
	signer, err := trading.NewSigner(hex.EncodeToString(crypto.FromECDSA(key)), domain)
	require.NoError(t, err)
	tl := trading.NewMemoryLedger(domain, signer.Address())

	h := &harness{
		clock:     clock,
		escrow:    escrow,
		ledger:    &countingLedger{EscrowLedger: local},
		oracle:    bridge.NewStatic(),
		store:     NewMemoryStore(),
		trading:   tl,
		forwarder: &flakyForwarder{next: local},
		settler:   &flakySettler{next: tl},
	}
	h.svc = NewService(h.store, h.ledger, h.oracle, Config{
		Custodian:      custodian,
		DepositAddress: intake,
		CallTimeout:    time.Second,
		LeaseTTL:       time.Minute,
		StaleCreating:  time.Minute,
		Retry:          retry.Schedule{Base: 30 * time.Second, Max: time.Hour, AlertAfter: 3},
	}).WithSettlement(h.forwarder, signer, h.settler).WithClock(clock.Now)

	_, err = escrow.Deposit(context.Background(), sender, usdc.Units(1000), "seed")
	require.NoError(t, err)
	return h
}

func sourceTx(n byte) common.Hash {
	return common.BytesToHash([]byte{0xf0, n})
}

func testSecret(n byte) string {
	b := make([]byte, SecretLength)
	b[0], b[31] = 0x5e, n
	return "0x" + hex.EncodeToString(b)
}

// register stores a gift of amount whole USDC funded by tx n.
func (h *harness) register(t *testing.T, n byte, amount string) *Record {
	t.Helper()
	rec, err := h.svc.Register(context.Background(), RegisterRequest{
		ClaimSecret:   testSecret(n),
		SourceTxHash:  sourceTx(n).Hex(),
		SourceChainID: sourceChain,
		Amount:        amount,
		SenderAddress: sender.Hex(),
	})
	require.NoError(t, err)
	return rec
}

// claimable registers and materializes a gift.
func (h *harness) claimable(t *testing.T, n byte, amount string) *Record {
	t.Helper()
	rec := h.register(t, n, amount)
	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)
	got, err := h.svc.GetRecord(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status, got.FailureReason)
	return got
}

func (h *harness) claim(n byte, to common.Address) (*Record, error) {
	return h.svc.SubmitClaim(context.Background(), ClaimRequest{
		ClaimSecret:      testSecret(n),
		RecipientAddress: to.Hex(),
	})
}

func TestRegister(t *testing.T) {
	h := newHarness(t)

	rec := h.register(t, 1, "25")
	assert.Equal(t, StatusPendingBridge, rec.Status)
	assert.Equal(t, usdc.Units(25).String(), rec.Amount.String())
	assert.Equal(t, FundingTransfer, rec.FundingMode)
	assert.Equal(t, escrowledger.HashSecret(rec.ClaimSecret), rec.ClaimID)

	_, err := h.svc.Register(context.Background(), RegisterRequest{
		ClaimSecret:   testSecret(1),
		SourceTxHash:  sourceTx(9).Hex(),
		SourceChainID: sourceChain,
		Amount:        "1",
		SenderAddress: sender.Hex(),
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegister_GeneratesSecret(t *testing.T) {
	h := newHarness(t)

	a, err := h.svc.Register(context.Background(), RegisterRequest{
		SourceTxHash: sourceTx(1).Hex(), SourceChainID: sourceChain, Amount: "1", SenderAddress: sender.Hex(),
	})
	require.NoError(t, err)
	b, err := h.svc.Register(context.Background(), RegisterRequest{
		SourceTxHash: sourceTx(1).Hex(), SourceChainID: sourceChain, Amount: "1", SenderAddress: sender.Hex(),
	})
	require.NoError(t, err)

	assert.Len(t, a.ClaimSecret, SecretLength)
	assert.NotEqual(t, a.ClaimID, b.ClaimID)
	assert.Len(t, SecretHex(a.ClaimSecret), 66)
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t)
	valid := RegisterRequest{
		SourceTxHash:  sourceTx(1).Hex(),
		SourceChainID: sourceChain,
		Amount:        "5",
		SenderAddress: sender.Hex(),
	}

	tests := []struct {
		name   string
		mutate func(r *RegisterRequest)
	}{
		{"bad tx hash", func(r *RegisterRequest) { r.SourceTxHash = "0x1234" }},
		{"zero amount", func(r *RegisterRequest) { r.Amount = "0" }},
		{"too many decimals", func(r *RegisterRequest) { r.Amount = "1.0000001" }},
		{"bad sender", func(r *RegisterRequest) { r.SenderAddress = "alice" }},
		{"zero sender", func(r *RegisterRequest) { r.SenderAddress = common.Address{}.Hex() }},
		{"short secret", func(r *RegisterRequest) { r.ClaimSecret = "0xabcd" }},
		{"no chain", func(r *RegisterRequest) { r.SourceChainID = 0 }},
		{"negative expiry", func(r *RegisterRequest) { r.Expiry = -1 }},
		{"unknown funding", func(r *RegisterRequest) { r.FundingMode = "airdrop" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.svc.Register(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestMaterialize_Done(t *testing.T) {
	h := newHarness(t)
	rec := h.register(t, 1, "25")
	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)

	got, err := h.svc.Materialize(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotEqual(t, common.Hash{}, got.OnChainTxHash)

	view, err := h.escrow.QueryStatus(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.True(t, view.Claimable)
	assert.Equal(t, usdc.Units(25).String(), view.Amount.String())

	// Repeating is a no-op that returns the stored terminal state.
	again, err := h.svc.Materialize(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, got.OnChainTxHash, again.OnChainTxHash)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, int32(1), h.ledger.creates.Load())
}

func TestMaterialize_NotYetFinal(t *testing.T) {
	h := newHarness(t)
	rec := h.register(t, 1, "25")

	for _, st := range []bridge.Status{bridge.StatusNotFound, bridge.StatusPending} {
		h.oracle.Set(rec.SourceTxHash, st)
		got, err := h.svc.GetRecord(context.Background(), rec.ClaimID)
		require.NoError(t, err)
		assert.Equal(t, StatusPendingBridge, got.Status, st)
	}

	h.oracle.SetError(bridge.ErrUnavailable)
	got, err := h.svc.GetRecord(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingBridge, got.Status)
	assert.Zero(t, h.ledger.creates.Load())
}

func TestMaterialize_SourceFailed(t *testing.T) {
	h := newHarness(t)
	rec := h.register(t, 1, "25")
	h.oracle.Set(rec.SourceTxHash, bridge.StatusFailed)

	got, err := h.svc.GetRecord(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "source transfer failed", got.FailureReason)

	// Terminal: a later DONE changes nothing.
	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)
	got, err = h.svc.Materialize(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, h.ledger.creates.Load())
}

func TestMaterialize_LedgerRejectionIsTerminal(t *testing.T) {
	h := newHarness(t)
	rec := h.register(t, 1, "5000") // sender only holds 1000
	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)

	got, err := h.svc.GetRecord(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, escrowledger.ErrInsufficientBalance.Error(), got.FailureReason)
}

func TestMaterialize_DuplicateEntryFails(t *testing.T) {
	h := newHarness(t)
	rec := h.register(t, 1, "5")

	_, err := h.escrow.CreateEntry(context.Background(), escrowledger.CreateParams{
		ClaimID: rec.ClaimID, Amount: usdc.Units(1), Sender: sender,
	})
	require.NoError(t, err)

	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)
	got, err := h.svc.GetRecord(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, escrowledger.ErrAlreadyExists.Error(), got.FailureReason)
}

func TestMaterialize_FromDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Register(ctx, RegisterRequest{
		ClaimSecret:   testSecret(1),
		SourceTxHash:  sourceTx(1).Hex(),
		SourceChainID: sourceChain,
		Amount:        "40",
		SenderAddress: sender.Hex(),
		FundingMode:   FundingDeposit,
	})
	require.NoError(t, err)
	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)

	// Nothing unallocated yet.
	got, err := h.svc.GetRecord(ctx, rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, escrowledger.ErrInsufficientUnallocated.Error(), got.FailureReason)

	_, err = h.escrow.DepositUnallocated(ctx, usdc.Units(100), "bridge-batch-1")
	require.NoError(t, err)
	rec2, err := h.svc.Register(ctx, RegisterRequest{
		ClaimSecret:   testSecret(2),
		SourceTxHash:  sourceTx(2).Hex(),
		SourceChainID: sourceChain,
		Amount:        "40",
		SenderAddress: sender.Hex(),
		FundingMode:   FundingDeposit,
	})
	require.NoError(t, err)
	h.oracle.Set(rec2.SourceTxHash, bridge.StatusDone)

	got, err = h.svc.GetRecord(ctx, rec2.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	bal, err := h.escrow.Balance(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, usdc.Units(1000).String(), bal.String(), "deposit funding must not touch the sender balance")
}

func TestMaterialize_ConcurrentSingleCreate(t *testing.T) {
	h := newHarness(t)
	rec := h.register(t, 1, "25")
	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Materialize(context.Background(), rec.ClaimID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.ledger.creates.Load())
	got, err := h.store.Get(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMaterialize_TransientLedgerErrorStaysCreating(t *testing.T) {
	h := newHarness(t)
	rec := h.register(t, 1, "25")
	h.oracle.Set(rec.SourceTxHash, bridge.StatusDone)
	h.ledger.failCreate.Store(&errTimeout)

	got, err := h.svc.GetRecord(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreatingGift, got.Status)

	got, err = h.svc.ResolveOrphan(context.Background(), rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int32(2), h.ledger.creates.Load())
}

func TestResolveOrphan_AdoptsExistingEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.register(t, 1, "25")

	// Crash after the CAS and after the ledger call, before completion.
	_, err := h.store.Transition(ctx, rec.ClaimID, StatusPendingBridge, StatusCreatingGift, Update{Now: h.clock.Now()})
	require.NoError(t, err)
	entry, err := h.escrow.CreateEntry(ctx, escrowledger.CreateParams{ClaimID: rec.ClaimID, Amount: rec.Amount, Sender: sender})
	require.NoError(t, err)

	got, err := h.svc.ResolveOrphan(ctx, rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Zero(t, h.ledger.creates.Load())
	assert.NotEqual(t, common.Hash{}, got.OnChainTxHash)
	assert.Equal(t, entry.CreateTx, got.OnChainTxHash)
}

// staleStatusLedger reports every entry as missing, like a status read that
// lags behind the create it raced with.
type staleStatusLedger struct {
	EscrowLedger
}

func (l staleStatusLedger) QueryStatus(context.Context, common.Hash) (*escrowledger.StatusView, error) {
	return &escrowledger.StatusView{}, nil
}

func TestResolveOrphan_AdoptsEntryCreatedDuringCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.register(t, 1, "25")
	svc := NewService(h.store, staleStatusLedger{h.ledger}, h.oracle, h.svc.cfg).WithClock(h.clock.Now)

	_, err := h.store.Transition(ctx, rec.ClaimID, StatusPendingBridge, StatusCreatingGift, Update{Now: h.clock.Now()})
	require.NoError(t, err)
	entry, err := h.escrow.CreateEntry(ctx, escrowledger.CreateParams{ClaimID: rec.ClaimID, Amount: rec.Amount, Sender: sender})
	require.NoError(t, err)

	got, err := svc.ResolveOrphan(ctx, rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int32(1), h.ledger.creates.Load(), "the create was attempted and found the entry")
	assert.Equal(t, entry.CreateTx, got.OnChainTxHash)
}

func TestResolveOrphan_CreatesMissingEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.register(t, 1, "25")

	_, err := h.store.Transition(ctx, rec.ClaimID, StatusPendingBridge, StatusCreatingGift, Update{Now: h.clock.Now()})
	require.NoError(t, err)

	got, err := h.svc.ResolveOrphan(ctx, rec.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotEqual(t, common.Hash{}, got.OnChainTxHash)

	view, err := h.escrow.QueryStatus(ctx, rec.ClaimID)
	require.NoError(t, err)
	assert.True(t, view.Exists)
}

func TestGetRecord_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetRecord(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ErrGiftNotFound)
}
