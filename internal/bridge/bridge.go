// Package bridge queries the cross-chain bridge for the status of the
// transaction that funds a gift.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/giftlink/internal/circuitbreaker"
	"github.com/mbd888/giftlink/internal/retry"
)

// Status of a source transaction as reported by the bridge.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusDone     Status = "DONE"
	StatusFailed   Status = "FAILED"
	StatusNotFound Status = "NOT_FOUND"
)

// ErrUnavailable means the bridge could not be asked. Callers treat it the
// same as PENDING.
var ErrUnavailable = errors.New("bridge: status unavailable")

// Oracle reports bridge status for a source transaction.
type Oracle interface {
	Status(ctx context.Context, sourceTx common.Hash, sourceChainID int64) (Status, error)
}

// IsTerminal reports whether s will never change again.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = 200 * time.Millisecond
	breakerKey         = "bridge_status"
)

// Client talks to an HTTP status endpoint of the form
// GET {base}/status?txHash=0x..&fromChain=N.
type Client struct {
	baseURL     string
	http        *http.Client
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	retryDelay  time.Duration
	localChain  int64
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker guards the endpoint with a circuit breaker
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithRetry overrides in-call retries for transient failures
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.retryDelay = delay
	}
}

// WithLocalChain makes transactions on chainID resolve DONE without a
// bridge round-trip: funds sent on the escrow chain itself never cross it.
func WithLocalChain(chainID int64) Option {
	return func(c *Client) { c.localChain = chainID }
}

// NewClient creates a bridge status client.
func NewClient(baseURL string, opts ...Option) *Client {
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

type statusResponse struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus,omitempty"`
}

// errUpstream marks failures that say the bridge itself is unhealthy.
var errUpstream = errors.New("bridge: upstream error")

// Status queries the bridge. NOT_FOUND is returned as-is; the caller decides
// that it means "not indexed yet".
func (c *Client) Status(ctx context.Context, sourceTx common.Hash, sourceChainID int64) (Status, error) {
	if c.localChain != 0 && sourceChainID == c.localChain {
		return StatusDone, nil
	}

	var status Status
	err := retry.Do(ctx, c.maxAttempts, c.retryDelay, func() error {
		call := func() error {
			s, err := c.fetch(ctx, sourceTx, sourceChainID)
			if err != nil {
				return err
			}
			status = s
			return nil
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Execute(breakerKey, call, isUpstreamFailure)
		} else {
			err = call()
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) || !isUpstreamFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if isUpstreamFailure(err) || errors.Is(err, circuitbreaker.ErrOpen) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return status, nil
}

func (c *Client) fetch(ctx context.Context, sourceTx common.Hash, sourceChainID int64) (Status, error) {
	q := url.Values{}
	q.Set("txHash", sourceTx.Hex())
	q.Set("fromChain", strconv.FormatInt(sourceChainID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return StatusNotFound, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", errUpstream, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("bridge: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	switch s := Status(strings.ToUpper(out.Status)); s {
	case StatusPending, StatusDone, StatusFailed, StatusNotFound:
		return s, nil
	case "INVALID":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("bridge: unknown status %q", out.Status)
	}
}

func isUpstreamFailure(err error) bool {
	return errors.Is(err, errUpstream)
}

// Static is an in-process oracle for development and tests. Unknown
// transactions report the fallback status, NOT_FOUND unless changed.
type Static struct {
	mu       sync.RWMutex
	statuses map[common.Hash]Status
	fallback Status
	err      error
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{statuses: make(map[common.Hash]Status), fallback: StatusNotFound}
}

// WithFallback sets the status reported for unknown transactions. A server
// without a bridge endpoint uses DONE: funding is then same-chain.
func (s *Static) WithFallback(status Status) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = status
	return s
}

// Set records the status for a source transaction.
func (s *Static) Set(sourceTx common.Hash, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sourceTx] = status
}

// SetError makes every query fail with err (nil clears it).
func (s *Static) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Status(_ context.Context, sourceTx common.Hash, _ int64) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return "", s.err
	}
	if st, ok := s.statuses[sourceTx]; ok {
		return st, nil
	}
	return s.fallback, nil
}

var (
	_ Oracle = (*Client)(nil)
	_ Oracle = (*Static)(nil)
)
