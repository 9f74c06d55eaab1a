// Package chain drives the deployed gift escrow contract and the USDC token
// with go-ethereum. It is the on-chain counterpart of escrowledger.Ledger.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/giftlink/internal/escrowledger"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrReverted          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrUnderfunded       = errors.New("chain: relayer cannot pay for gas")
	ErrUnsupported       = errors.New("chain: operation not supported by the escrow contract")
	// ErrDropped means the node knows neither a receipt nor a pending
	// transaction for a hash; the transaction will never be mined.
	ErrDropped = errors.New("chain: transaction dropped")
)

// TxError wraps transaction failures with context
type TxError struct {
	Op     string
	TxHash common.Hash
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

const escrowABI = `[
	{"inputs":[{"name":"claimId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"sender","type":"address"},{"name":"expiry","type":"uint64"}],"name":"createGiftFromBalance","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"secret","type":"bytes"},{"name":"destination","type":"address"}],"name":"claimGift","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"claimId","type":"bytes32"}],"name":"getGiftStatus","outputs":[{"name":"exists","type":"bool"},{"name":"claimable","type":"bool"},{"name":"amount","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"claimId","type":"bytes32"}],"name":"getGift","outputs":[{"name":"amount","type":"uint256"},{"name":"sender","type":"address"},{"name":"expiry","type":"uint64"},{"name":"status","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"heldBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"claimId","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"expiry","type":"uint64"}],"name":"GiftCreated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"claimId","type":"bytes32"},{"indexed":true,"name":"destination","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"GiftClaimed","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"claimId","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"GiftRefunded","type":"event"}
]`

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// On-chain gift status codes returned by getGift.
const (
	giftNone uint8 = iota
	giftPending
	giftClaimed
	giftRefunded
)

const (
	// DefaultGasLimit is used when estimation is unavailable
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for connecting to the escrow contract
type Config struct {
	RPCURL         string
	PrivateKey     string
	ChainID        int64
	EscrowContract string
	USDCContract   string
	DeployBlock    uint64 // log scans start here
}

// Option configures the client
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(ec EthClient) Option {
	return func(c *Client) { c.eth = ec }
}

// WithPollInterval overrides the receipt polling interval
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithConfirmationTimeout overrides how long to wait for a receipt
func WithConfirmationTimeout(d time.Duration) Option {
	return func(c *Client) { c.confirmTimeout = d }
}

// Client is the relayer's handle on the escrow contract. Its key is also the
// custodial address that claimed funds pass through.
type Client struct {
	eth            EthClient
	key            *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	escrow         common.Address
	usdc           common.Address
	escrowABI      abi.ABI
	erc20ABI       abi.ABI
	pollInterval   time.Duration
	confirmTimeout time.Duration
	deployBlock    *big.Int
}

// New creates a chain client, dialing RPCURL unless WithEthClient is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	escrowParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	erc20Parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		escrow:         common.HexToAddress(cfg.EscrowContract),
		usdc:           common.HexToAddress(cfg.USDCContract),
		escrowABI:      escrowParsed,
		erc20ABI:       erc20Parsed,
		pollInterval:   ConfirmationPollInterval,
		confirmTimeout: DefaultConfirmationTimeout,
		deployBlock:    new(big.Int).SetUint64(cfg.DeployBlock),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = ec
	}
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.EscrowContract) {
		return fmt.Errorf("escrow contract address required")
	}
	if !common.IsHexAddress(cfg.USDCContract) {
		return fmt.Errorf("USDC contract address required")
	}
	return nil
}

// Address returns the relayer (custodial) address.
func (c *Client) Address() common.Address {
	return c.address
}

// Close closes the RPC connection
func (c *Client) Close() error {
	if c.eth != nil {
		c.eth.Close()
	}
	return nil
}

// CreateEntry is not offered by the contract to the relayer: direct-transfer
// gifts are created by the sender's own transferAndCall.
func (c *Client) CreateEntry(context.Context, escrowledger.CreateParams) (common.Hash, error) {
	return common.Hash{}, ErrUnsupported
}

// CreateFromDeposit materializes a gift from the contract's unallocated
// balance and waits for it to be mined.
func (c *Client) CreateFromDeposit(ctx context.Context, p escrowledger.CreateParams) (common.Hash, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return common.Hash{}, escrowledger.ErrInvalidAmount
	}
	if p.Expiry < 0 {
		return common.Hash{}, escrowledger.ErrInvalidExpiry
	}
	data, err := c.escrowABI.Pack("createGiftFromBalance", p.ClaimID, p.Amount, p.Sender, uint64(p.Expiry))
	if err != nil {
		return common.Hash{}, &TxError{Op: "pack", Err: err}
	}
	return c.execute(ctx, "create_gift", c.escrow, data)
}

// Claim redeems a gift to destination. The contract's view is consulted
// first so the common rejections surface as ledger errors without paying
// for a reverted transaction.
func (c *Client) Claim(ctx context.Context, secret []byte, destination common.Address) (common.Hash, error) {
	if destination == (common.Address{}) {
		return common.Hash{}, escrowledger.ErrInvalidDestination
	}
	id := escrowledger.HashSecret(secret)

	gift, err := c.gift(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}
	switch gift.status {
	case giftNone:
		return common.Hash{}, escrowledger.ErrNotFound
	case giftClaimed, giftRefunded:
		return common.Hash{}, escrowledger.ErrAlreadyResolved
	}

	data, err := c.escrowABI.Pack("claimGift", secret, destination)
	if err != nil {
		return common.Hash{}, &TxError{Op: "pack", Err: err}
	}
	return c.execute(ctx, "claim_gift", c.escrow, data)
}

// QueryStatus reads getGiftStatus.
func (c *Client) QueryStatus(ctx context.Context, id common.Hash) (*escrowledger.StatusView, error) {
	out, err := c.call(ctx, c.escrow, c.escrowABI, "getGiftStatus", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("chain: getGiftStatus returned %d values", len(out))
	}
	exists, _ := out[0].(bool)
	claimable, _ := out[1].(bool)
	amount, _ := out[2].(*big.Int)
	if amount == nil {
		amount = new(big.Int)
	}
	return &escrowledger.StatusView{Exists: exists, Claimable: claimable, Amount: amount}, nil
}

// HeldBalance reads the contract's custody balance.
func (c *Client) HeldBalance(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, c.escrow, c.escrowABI, "heldBalance")
	if err != nil {
		return nil, err
	}
	held, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected heldBalance output %T", out[0])
	}
	return held, nil
}

// SendForward submits a USDC transfer from the custodial address to the
// trading deposit intake without waiting for it to be mined. A non-zero hash
// comes back whenever the transaction may have reached the node, even
// alongside an error.
func (c *Client) SendForward(ctx context.Context, _ common.Hash, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := c.erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, &TxError{Op: "pack", Err: err}
	}
	return c.send(ctx, "forward", c.usdc, data)
}

// ConfirmForward waits for a forward sent earlier. It returns ErrReverted or
// ErrDropped when the transfer certainly did not move funds, and a timeout
// while the outcome is still open.
func (c *Client) ConfirmForward(ctx context.Context, _ common.Hash, tx common.Hash) error {
	receipt, err := c.eth.TransactionReceipt(ctx, tx)
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusFailed {
			return &TxError{Op: "confirm", TxHash: tx, Err: ErrReverted}
		}
		return nil
	case !errors.Is(err, ethereum.NotFound):
		return &TxError{Op: "receipt", TxHash: tx, Err: classify(err)}
	}

	if _, _, err := c.eth.TransactionByHash(ctx, tx); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &TxError{Op: "confirm", TxHash: tx, Err: ErrDropped}
		}
		return &TxError{Op: "lookup", TxHash: tx, Err: classify(err)}
	}
	_, err = c.WaitForConfirmation(ctx, tx)
	return err
}

// Trail finds an entry's lifecycle events in the escrow contract's logs.
func (c *Client) Trail(ctx context.Context, id common.Hash) (*escrowledger.Trail, error) {
	created := c.escrowABI.Events["GiftCreated"].ID
	claimed := c.escrowABI.Events["GiftClaimed"].ID
	refunded := c.escrowABI.Events["GiftRefunded"].ID

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: c.deployBlock,
		Addresses: []common.Address{c.escrow},
		Topics:    [][]common.Hash{{created, claimed, refunded}, {id}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter gift logs: %w", classify(err))
	}

	var t escrowledger.Trail
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 2 {
			continue
		}
		switch lg.Topics[0] {
		case created:
			t.CreateTx = lg.TxHash
			if t.Status == "" {
				t.Status = escrowledger.StatusPending
			}
		case claimed:
			t.Status = escrowledger.StatusClaimed
			t.ResolveTx = lg.TxHash
			if len(lg.Topics) > 2 {
				t.Destination = common.BytesToAddress(lg.Topics[2].Bytes())
			}
		case refunded:
			t.Status = escrowledger.StatusRefunded
			t.ResolveTx = lg.TxHash
		}
	}
	if t.Status == "" {
		return nil, escrowledger.ErrNotFound
	}
	return &t, nil
}

// CustodyBalance returns the USDC held at the custodial address.
func (c *Client) CustodyBalance(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, c.usdc, c.erc20ABI, "balanceOf", c.address)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected balanceOf output %T", out[0])
	}
	return bal, nil
}

type giftView struct {
	amount *big.Int
	sender common.Address
	expiry uint64
	status uint8
}

func (c *Client) gift(ctx context.Context, id common.Hash) (*giftView, error) {
	out, err := c.call(ctx, c.escrow, c.escrowABI, "getGift", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("chain: getGift returned %d values", len(out))
	}
	g := &giftView{}
	g.amount, _ = out[0].(*big.Int)
	g.sender, _ = out[1].(common.Address)
	g.expiry, _ = out[2].(uint64)
	g.status, _ = out[3].(uint8)
	return g, nil
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, classify(err))
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

// execute signs and sends a contract call, then waits for its receipt.
func (c *Client) execute(ctx context.Context, op string, to common.Address, data []byte) (common.Hash, error) {
	hash, err := c.send(ctx, op, to, data)
	if err != nil {
		return hash, err
	}
	if _, err := c.WaitForConfirmation(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

// send signs and submits a contract call. A failed SendTransaction still
// returns the signed hash: the node may have accepted it before the error.
func (c *Client) send(ctx context.Context, op string, to common.Address, data []byte) (common.Hash, error) {
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Value: big.NewInt(0), Data: data})
	if err != nil {
		// A failed estimate is almost always the contract refusing the call.
		if mapped := classify(err); mapped != err {
			return common.Hash{}, &TxError{Op: op, Err: mapped}
		}
		gasLimit = DefaultGasLimit
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TxError{Op: "gas_price", Err: err}
	}

	// Mirror of the paymaster balance check: refuse to send what we cannot pay for.
	bal, err := c.eth.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return common.Hash{}, &TxError{Op: "balance", Err: err}
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if bal.Cmp(cost) < 0 {
		return common.Hash{}, &TxError{Op: op, Err: fmt.Errorf("%w: have %s wei, need %s", ErrUnderfunded, bal, cost)}
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return common.Hash{}, &TxError{Op: "nonce", Err: err}
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, &TxError{Op: "sign", Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), &TxError{Op: op, TxHash: signed.Hash(), Err: classify(err)}
	}
	return signed.Hash(), nil
}

// WaitForConfirmation polls for a receipt until it arrives or the
// confirmation timeout passes.
func (c *Client) WaitForConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: "confirm", TxHash: hash, Err: ErrTimeout}
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, &TxError{Op: "confirm", TxHash: hash, Err: ErrReverted}
			}
			return receipt, nil
		}
	}
}

// revertReasons maps contract revert names to ledger errors. Order matters:
// NotYetExpired must win over Expired.
var revertReasons = []struct {
	match string
	err   error
}{
	{"NotYetExpired", escrowledger.ErrNotYetExpired},
	{"NoExpirySet", escrowledger.ErrNoExpirySet},
	{"NotSender", escrowledger.ErrNotSender},
	{"GiftExists", escrowledger.ErrAlreadyExists},
	{"AlreadyExists", escrowledger.ErrAlreadyExists},
	{"GiftNotFound", escrowledger.ErrNotFound},
	{"AlreadyClaimed", escrowledger.ErrAlreadyResolved},
	{"AlreadyResolved", escrowledger.ErrAlreadyResolved},
	{"Expired", escrowledger.ErrExpired},
	{"InvalidAmount", escrowledger.ErrInvalidAmount},
	{"InvalidExpiry", escrowledger.ErrInvalidExpiry},
	{"InsufficientUnallocated", escrowledger.ErrInsufficientUnallocated},
}

// classify turns node errors into the errors callers branch on. Unknown
// errors are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "insufficient funds") {
		return fmt.Errorf("%w: %v", ErrUnderfunded, err)
	}
	if !strings.Contains(msg, "revert") {
		return err
	}
	for _, r := range revertReasons {
		if strings.Contains(msg, r.match) {
			return fmt.Errorf("%w: %v", r.err, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrReverted, err)
}
