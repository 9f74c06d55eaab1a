package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/giftlink/internal/circuitbreaker"
	"github.com/mbd888/giftlink/internal/retry"
)

var (
	// ErrUnavailable covers timeouts and upstream faults; the outcome of
	// the submission is unknown and resubmitting the same nonce is safe.
	ErrUnavailable = errors.New("trading: settlement API unavailable")
	// ErrRejected is a definitive refusal of the instruction.
	ErrRejected = errors.New("trading: settlement rejected")
	// ErrNonceConflict is returned with ErrRejected when the nonce was
	// applied to a different transfer. A fresh nonce is needed.
	ErrNonceConflict = errors.New("trading: nonce applied to a different transfer")
)

// Receipt acknowledges an applied settlement. Duplicate is set when the
// nonce had already been applied by an earlier submission.
type Receipt struct {
	Reference string `json:"reference"`
	Duplicate bool   `json:"duplicate"`
}

// Settler submits signed transfers to a trading ledger.
type Settler interface {
	Submit(ctx context.Context, st *SignedTransfer) (*Receipt, error)
}

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = 250 * time.Millisecond
	breakerKey         = "trading_settlement"
)

// Client submits settlements to the trading ledger's HTTP API.
type Client struct {
	baseURL     string
	http        *http.Client
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	retryDelay  time.Duration
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithBreaker guards the API with a circuit breaker
func WithBreaker(b *circuitbreaker.Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithRetry overrides in-call retries for transient failures
func WithRetry(maxAttempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.retryDelay = delay
	}
}

// NewClient creates a settlement API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	Action    Transfer  `json:"action"`
	Nonce     uint64    `json:"nonce"`
	Signature Signature `json:"signature"`
}

type submitResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Submit posts st. A "nonce already used" answer is only a successful
// Duplicate receipt once the ledger shows st's own digest under that nonce.
func (c *Client) Submit(ctx context.Context, st *SignedTransfer) (*Receipt, error) {
	body, err := json.Marshal(submitRequest{Action: st.Transfer, Nonce: st.Transfer.Nonce, Signature: st.Signature})
	if err != nil {
		return nil, fmt.Errorf("trading: marshal: %w", err)
	}

	var receipt *Receipt
	err = retry.Do(ctx, c.maxAttempts, c.retryDelay, func() error {
		call := func() error {
			r, err := c.post(ctx, body, st)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Execute(breakerKey, call, isTransient)
		} else {
			err = call()
		}
		if err != nil && !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) || (ctx.Err() != nil && !errors.Is(err, ErrRejected)) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return receipt, nil
}

func (c *Client) post(ctx context.Context, body []byte, st *SignedTransfer) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: status %d: undecodable body", ErrRejected, resp.StatusCode)
	}

	if isNonceUsed(out.Error) {
		return c.verifyApplied(ctx, st)
	}
	if resp.StatusCode != http.StatusOK || out.Status != "ok" {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	ref := out.Reference
	if ref == "" {
		ref = st.Digest.Hex()
	}
	return &Receipt{Reference: ref}, nil
}

type appliedResponse struct {
	Nonce     uint64 `json:"nonce"`
	Digest    string `json:"digest"`
	Reference string `json:"reference,omitempty"`
}

// verifyApplied looks up which transfer the ledger applied under st's nonce.
func (c *Client) verifyApplied(ctx context.Context, st *SignedTransfer) (*Receipt, error) {
	url := fmt.Sprintf("%s/settlements/%d", c.baseURL, st.Transfer.Nonce)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		// The ledger just claimed the nonce was used; a miss here is lag.
		return nil, fmt.Errorf("%w: nonce lookup status %d", ErrUnavailable, resp.StatusCode)
	}
	var out appliedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: nonce lookup: undecodable body", ErrUnavailable)
	}

	if !strings.EqualFold(out.Digest, st.Digest.Hex()) {
		return nil, fmt.Errorf("%w: %w: nonce %d", ErrRejected, ErrNonceConflict, st.Transfer.Nonce)
	}
	ref := out.Reference
	if ref == "" {
		ref = st.Digest.Hex()
	}
	return &Receipt{Reference: ref, Duplicate: true}, nil
}

func isNonceUsed(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "nonce") && (strings.Contains(msg, "already used") || strings.Contains(msg, "already applied"))
}

func isTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

var _ Settler = (*Client)(nil)
