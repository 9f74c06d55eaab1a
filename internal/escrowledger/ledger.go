package escrowledger

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/giftlink/internal/logging"
)

// CreateParams describes a new gift entry.
type CreateParams struct {
	ClaimID common.Hash
	Amount  *big.Int
	Sender  common.Address
	Expiry  int64 // unix seconds, 0 = never expires
}

// Ledger executes gift operations one at a time against a Store, the same
// way a chain applies transactions sequentially. Every mutating call returns
// a transaction hash identifying the committed batch.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	events EventSink
	now    func() time.Time
	seq    uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now (tests advance it past expiries).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithEvents sets the event sink.
func WithEvents(sink EventSink) Option {
	return func(l *Ledger) { l.events = sink }
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		events: discardEvents{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if pending, err := store.PendingEntries(context.Background()); err != nil {
		logging.L(context.Background()).Warn("failed to count pending escrow entries", "error", err)
	} else {
		PendingGifts.Set(float64(len(pending)))
	}
	return l
}

// CreateEntry escrows amount from sender's own balance under p.ClaimID.
func (l *Ledger) CreateEntry(ctx context.Context, p CreateParams) (entry *Entry, err error) {
	done := observeOp("create")
	defer func() { done(err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCreate(ctx, p); err != nil {
		return nil, err
	}

	bal, err := l.store.Balance(ctx, accountKey(p.Sender))
	if err != nil {
		return nil, err
	}
	if bal.Cmp(p.Amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	b, e := l.newEntryBatch("create", p)
	b.move(accountKey(p.Sender), heldAccount, p.Amount)
	return l.commitCreate(ctx, b, e)
}

// CreateFromDeposit materializes an entry from funds that already reached
// custody through a bulk deposit, rather than pulling them from the
// sender. It needs held - sum(pending) >= amount.
func (l *Ledger) CreateFromDeposit(ctx context.Context, p CreateParams) (entry *Entry, err error) {
	done := observeOp("create_from_deposit")
	defer func() { done(err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCreate(ctx, p); err != nil {
		return nil, err
	}

	unallocated, err := l.unallocated(ctx)
	if err != nil {
		return nil, err
	}
	if unallocated.Cmp(p.Amount) < 0 {
		return nil, ErrInsufficientUnallocated
	}

	b, e := l.newEntryBatch("create_from_deposit", p)
	return l.commitCreate(ctx, b, e)
}

func (l *Ledger) checkCreate(ctx context.Context, p CreateParams) error {
	_, err := l.store.Entry(ctx, p.ClaimID)
	switch {
	case err == nil:
		return ErrAlreadyExists
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.Expiry < 0 || p.Expiry != 0 && p.Expiry <= l.now().Unix() {
		return ErrInvalidExpiry
	}
	return nil
}

func (l *Ledger) newEntryBatch(op string, p CreateParams) (*Batch, *Entry) {
	tx := l.nextTxHash(op, p.ClaimID.Bytes())
	e := &Entry{
		ClaimID:   p.ClaimID,
		Amount:    new(big.Int).Set(p.Amount),
		Sender:    p.Sender,
		Expiry:    p.Expiry,
		Status:    StatusPending,
		CreateTx:  tx,
		CreatedAt: l.now(),
	}
	b := newBatch(tx)
	b.Entry = e
	b.add(pendingAccount, e.Amount)
	return b, e
}

func (l *Ledger) commitCreate(ctx context.Context, b *Batch, e *Entry) (*Entry, error) {
	if err := l.store.Commit(ctx, b); err != nil {
		return nil, err
	}
	PendingGifts.Inc()
	l.emit(ctx, &Event{
		Type:    EventGiftCreated,
		ClaimID: e.ClaimID,
		From:    e.Sender,
		Amount:  e.Amount,
		Expiry:  e.Expiry,
		TxHash:  b.TxHash,
	})
	return e.Clone(), nil
}

// Claim pays a pending, unexpired entry out to destination. Whoever knows
// the secret may call it for any destination.
func (l *Ledger) Claim(ctx context.Context, secret []byte, destination common.Address) (entry *Entry, err error) {
	done := observeOp("claim")
	defer func() { done(err) }()

	if destination == (common.Address{}) {
		return nil, ErrInvalidDestination
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := HashSecret(secret)
	e, err := l.store.Entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	now := l.now()
	if e.ExpiredAt(now) {
		return nil, ErrExpired
	}

	b := newBatch(l.nextTxHash("claim", id.Bytes()))
	b.move(heldAccount, accountKey(destination), e.Amount)
	b.add(pendingAccount, new(big.Int).Neg(e.Amount))
	e.Status = StatusClaimed
	e.Destination = destination
	e.ResolveTx = b.TxHash
	e.ResolvedAt = &now
	b.Entry = e

	if err := l.store.Commit(ctx, b); err != nil {
		return nil, err
	}
	PendingGifts.Dec()
	l.emit(ctx, &Event{
		Type:    EventGiftClaimed,
		ClaimID: id,
		To:      destination,
		Amount:  e.Amount,
		TxHash:  b.TxHash,
	})
	return e.Clone(), nil
}

// Refund returns an expired entry to its sender's own balance. Only the
// sender may call it, and only for entries that carry an expiry.
func (l *Ledger) Refund(ctx context.Context, id common.Hash, caller common.Address) (entry *Entry, err error) {
	done := observeOp("refund")
	defer func() { done(err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.store.Entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	if caller != e.Sender {
		return nil, ErrNotSender
	}
	if !e.HasExpiry() {
		return nil, ErrNoExpirySet
	}
	now := l.now()
	if !e.ExpiredAt(now) {
		return nil, ErrNotYetExpired
	}

	b := newBatch(l.nextTxHash("refund", id.Bytes()))
	b.move(heldAccount, accountKey(e.Sender), e.Amount)
	b.add(pendingAccount, new(big.Int).Neg(e.Amount))
	e.Status = StatusRefunded
	e.ResolveTx = b.TxHash
	e.ResolvedAt = &now
	b.Entry = e

	if err := l.store.Commit(ctx, b); err != nil {
		return nil, err
	}
	PendingGifts.Dec()
	l.emit(ctx, &Event{
		Type:    EventGiftRefunded,
		ClaimID: id,
		To:      e.Sender,
		Amount:  e.Amount,
		TxHash:  b.TxHash,
	})
	return e.Clone(), nil
}

// QueryStatus is the read-only view used by clients and the relayer.
func (l *Ledger) QueryStatus(ctx context.Context, id common.Hash) (*StatusView, error) {
	e, err := l.store.Entry(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &StatusView{Amount: new(big.Int)}, nil
	}
	if err != nil {
		return nil, err
	}
	return &StatusView{
		Exists:    true,
		Claimable: e.Status == StatusPending && !e.ExpiredAt(l.now()),
		Amount:    e.Amount,
		Status:    e.Status,
		Expiry:    e.Expiry,
	}, nil
}

// Get returns the full entry.
func (l *Ledger) Get(ctx context.Context, id common.Hash) (*Entry, error) {
	return l.store.Entry(ctx, id)
}

// Trail returns the transactions that created and resolved id.
func (l *Ledger) Trail(ctx context.Context, id common.Hash) (*Trail, error) {
	e, err := l.store.Entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Trail{
		Status:      e.Status,
		CreateTx:    e.CreateTx,
		ResolveTx:   e.ResolveTx,
		Destination: e.Destination,
	}, nil
}

// HeldBalance returns the ledger's total custody balance.
func (l *Ledger) HeldBalance(ctx context.Context) (*big.Int, error) {
	return l.store.Balance(ctx, heldAccount)
}

// Balance returns an account's own balance.
func (l *Ledger) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return l.store.Balance(ctx, accountKey(addr))
}

// Deposit credits an account, e.g. when the sender's funding transfer lands.
// A repeated ref is a no-op that returns the original transaction hash.
func (l *Ledger) Deposit(ctx context.Context, to common.Address, amount *big.Int, ref string) (common.Hash, error) {
	return l.credit(ctx, "deposit", accountKey(to), to, amount, ref)
}

// DepositUnallocated credits custody directly; the funds back entries later
// created with CreateFromDeposit.
func (l *Ledger) DepositUnallocated(ctx context.Context, amount *big.Int, ref string) (common.Hash, error) {
	return l.credit(ctx, "deposit_unallocated", heldAccount, common.Address{}, amount, ref)
}

func (l *Ledger) credit(ctx context.Context, op, account string, to common.Address, amount *big.Int, ref string) (tx common.Hash, err error) {
	done := observeOp(op)
	defer func() { done(err) }()

	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok, err := l.lookupRef(ctx, ref); err != nil || ok {
		return prev, err
	}

	b := newBatch(l.nextTxHash(op, []byte(ref)))
	b.add(account, amount)
	b.Reference = ref
	if err := l.store.Commit(ctx, b); err != nil {
		return common.Hash{}, err
	}
	l.emit(ctx, &Event{Type: EventDeposit, To: to, Amount: amount, TxHash: b.TxHash, Reference: ref})
	return b.TxHash, nil
}

// Transfer moves funds between two accounts. Repeating a ref returns the
// original hash without moving funds again, which lets the relayer retry
// its forward hop safely.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int, ref string) (tx common.Hash, err error) {
	done := observeOp("transfer")
	defer func() { done(err) }()

	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return common.Hash{}, ErrInvalidDestination
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok, err := l.lookupRef(ctx, ref); err != nil || ok {
		return prev, err
	}

	bal, err := l.store.Balance(ctx, accountKey(from))
	if err != nil {
		return common.Hash{}, err
	}
	if bal.Cmp(amount) < 0 {
		return common.Hash{}, ErrInsufficientBalance
	}

	b := newBatch(l.nextTxHash("transfer", []byte(ref)))
	b.move(accountKey(from), accountKey(to), amount)
	b.Reference = ref
	if err := l.store.Commit(ctx, b); err != nil {
		return common.Hash{}, err
	}
	l.emit(ctx, &Event{Type: EventTransfer, From: from, To: to, Amount: amount, TxHash: b.TxHash, Reference: ref})
	return b.TxHash, nil
}

// TransferRef returns the transaction recorded under ref, if any.
func (l *Ledger) TransferRef(ctx context.Context, ref string) (common.Hash, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupRef(ctx, ref)
}

func (l *Ledger) lookupRef(ctx context.Context, ref string) (common.Hash, bool, error) {
	if ref == "" {
		return common.Hash{}, false, nil
	}
	return l.store.Reference(ctx, ref)
}

// AuditReport compares custody against outstanding pending entries.
type AuditReport struct {
	Held         *big.Int `json:"held"`
	PendingSum   *big.Int `json:"pendingSum"`
	PendingCount int      `json:"pendingCount"`
	Unallocated  *big.Int `json:"unallocated"`
	Consistent   bool     `json:"consistent"`
}

// Audit recomputes the pending sum from entries. It never mutates anything;
// acting on an inconsistent report is an operator decision.
func (l *Ledger) Audit(ctx context.Context) (*AuditReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, err := l.store.Balance(ctx, heldAccount)
	if err != nil {
		return nil, err
	}
	pending, err := l.store.PendingEntries(ctx)
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, e := range pending {
		sum.Add(sum, e.Amount)
	}
	tracked, err := l.store.Balance(ctx, pendingAccount)
	if err != nil {
		return nil, err
	}
	PendingGifts.Set(float64(len(pending)))
	return &AuditReport{
		Held:         held,
		PendingSum:   sum,
		PendingCount: len(pending),
		Unallocated:  new(big.Int).Sub(held, sum),
		Consistent:   held.Cmp(sum) >= 0 && tracked.Cmp(sum) == 0,
	}, nil
}

// caller holds l.mu
func (l *Ledger) unallocated(ctx context.Context) (*big.Int, error) {
	held, err := l.store.Balance(ctx, heldAccount)
	if err != nil {
		return nil, err
	}
	pending, err := l.store.Balance(ctx, pendingAccount)
	if err != nil {
		return nil, err
	}
	return held.Sub(held, pending), nil
}

// caller holds l.mu
func (l *Ledger) nextTxHash(op string, subject []byte) common.Hash {
	l.seq++
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], l.seq)
	binary.BigEndian.PutUint64(buf[8:], uint64(l.now().UnixNano()))
	return crypto.Keccak256Hash([]byte(op), subject, buf[:])
}

func (l *Ledger) emit(ctx context.Context, ev *Event) {
	ev.CreatedAt = l.now()
	if err := l.events.Append(ctx, ev); err != nil {
		// The batch is already committed; a lost event only degrades history.
		logging.L(ctx).Error("failed to append ledger event", "type", ev.Type, "tx", ev.TxHash.Hex(), "error", err)
	}
}
