// Package trading signs and submits settlement transfers to the trading
// ledger, the second balance-holding system a claimed gift ends up in.
package trading

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const primaryType = "SettlementTransfer"

var (
	ErrInvalidKey       = errors.New("trading: invalid settlement key")
	ErrInvalidSignature = errors.New("trading: invalid signature")
)

// Domain separates settlement signatures from every other typed message the
// key might sign.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Transfer moves Amount of Asset to Destination on the trading ledger. Nonce
// is the idempotency key: the ledger applies a nonce at most once.
type Transfer struct {
	Destination common.Address `json:"destination"`
	Asset       string         `json:"asset"`
	Amount      string         `json:"amount"` // decimal, e.g. "12.5"
	Nonce       uint64         `json:"nonce"`
}

// Signature in r/s/v form, v in {27, 28}.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// SignedTransfer is a transfer with its signature and typed-data digest.
type SignedTransfer struct {
	Transfer  Transfer    `json:"action"`
	Signature Signature   `json:"signature"`
	Digest    common.Hash `json:"-"`
}

// Signer produces settlement signatures with the relayer's settlement key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  Domain
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(hexKey string, domain Domain) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), domain: domain}, nil
}

// Address is the account the trading ledger sees as the signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// Domain returns the signing domain.
func (s *Signer) Domain() Domain {
	return s.domain
}

// Sign hashes t as EIP-712 typed data and signs the digest.
func (s *Signer) Sign(t Transfer) (*SignedTransfer, error) {
	digest, err := Digest(s.domain, t)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("trading: sign: %w", err)
	}
	return &SignedTransfer{
		Transfer: t,
		Signature: Signature{
			R: hexutil.Encode(sig[:32]),
			S: hexutil.Encode(sig[32:64]),
			V: sig[64] + 27,
		},
		Digest: digest,
	}, nil
}

// Digest returns the EIP-712 hash of t under domain.
func Digest(domain Domain, t Transfer) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData(domain, t))
	if err != nil {
		return common.Hash{}, fmt.Errorf("trading: hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// Recover returns the address that signed st under domain.
func Recover(domain Domain, st *SignedTransfer) (common.Address, error) {
	digest, err := Digest(domain, st.Transfer)
	if err != nil {
		return common.Address{}, err
	}
	r, err := hexutil.Decode(st.Signature.R)
	if err != nil || len(r) != 32 {
		return common.Address{}, ErrInvalidSignature
	}
	sv, err := hexutil.Decode(st.Signature.S)
	if err != nil || len(sv) != 32 {
		return common.Address{}, ErrInvalidSignature
	}
	if st.Signature.V != 27 && st.Signature.V != 28 {
		return common.Address{}, ErrInvalidSignature
	}

	sig := make([]byte, 65)
	copy(sig[:32], r)
	copy(sig[32:64], sv)
	sig[64] = st.Signature.V - 27

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func typedData(domain Domain, t Transfer) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: {
				{Name: "destination", Type: "address"},
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"destination": t.Destination.Hex(),
			"asset":       t.Asset,
			"amount":      t.Amount,
			"nonce":       new(big.Int).SetUint64(t.Nonce),
		},
	}
}
