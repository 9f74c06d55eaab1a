package gifts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/giftlink/internal/escrowledger"
)

// LocalLedger runs the relayer against an in-process escrow ledger. The
// custodian's ledger balance plays the role of the relayer's custody wallet
// and the forward hop is a ledger transfer deduplicated by claim id.
type LocalLedger struct {
	ledger    *escrowledger.Ledger
	custodian common.Address
}

// NewLocalLedger adapts l for the service, forwarding out of custodian.
func NewLocalLedger(l *escrowledger.Ledger, custodian common.Address) *LocalLedger {
	return &LocalLedger{ledger: l, custodian: custodian}
}

func (a *LocalLedger) CreateEntry(ctx context.Context, p escrowledger.CreateParams) (common.Hash, error) {
	e, err := a.ledger.CreateEntry(ctx, p)
	if err != nil {
		return common.Hash{}, err
	}
	return e.CreateTx, nil
}

func (a *LocalLedger) CreateFromDeposit(ctx context.Context, p escrowledger.CreateParams) (common.Hash, error) {
	e, err := a.ledger.CreateFromDeposit(ctx, p)
	if err != nil {
		return common.Hash{}, err
	}
	return e.CreateTx, nil
}

func (a *LocalLedger) Claim(ctx context.Context, secret []byte, destination common.Address) (common.Hash, error) {
	e, err := a.ledger.Claim(ctx, secret, destination)
	if err != nil {
		return common.Hash{}, err
	}
	return e.ResolveTx, nil
}

func (a *LocalLedger) QueryStatus(ctx context.Context, id common.Hash) (*escrowledger.StatusView, error) {
	return a.ledger.QueryStatus(ctx, id)
}

func (a *LocalLedger) Trail(ctx context.Context, id common.Hash) (*escrowledger.Trail, error) {
	return a.ledger.Trail(ctx, id)
}

// SendForward moves amount from custody to the deposit intake. Replays of
// the same claim return the original transfer.
func (a *LocalLedger) SendForward(ctx context.Context, claimID common.Hash, to common.Address, amount *big.Int) (common.Hash, error) {
	return a.ledger.Transfer(ctx, a.custodian, to, amount, ForwardRef(claimID))
}

// ConfirmForward reports escrowledger.ErrNotFound unless tx is the recorded
// forward of claimID.
func (a *LocalLedger) ConfirmForward(ctx context.Context, claimID common.Hash, tx common.Hash) error {
	got, ok, err := a.ledger.TransferRef(ctx, ForwardRef(claimID))
	if err != nil {
		return err
	}
	if !ok || got != tx {
		return escrowledger.ErrNotFound
	}
	return nil
}

// ForwardRef is the dedup reference of a claim's forward transfer.
func ForwardRef(claimID common.Hash) string {
	return "forward:" + claimID.Hex()
}

var (
	_ EscrowLedger = (*LocalLedger)(nil)
	_ Forwarder    = (*LocalLedger)(nil)
)
