// Package retry provides exponential backoff for in-call retries of
// transient faults and a schedule for re-driving stuck claims later.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	j := d / 4
	return d - j + time.Duration(cryptoInt64n(int64(2*j+1)))
}

// Schedule decides when a stuck claim is re-driven. Attempts are unbounded;
// AlertAfter only marks the point where operators are paged, because funds
// already sitting in custody have to reach the recipient eventually.
type Schedule struct {
	Base       time.Duration
	Max        time.Duration
	AlertAfter int
}

// Delay returns the wait before attempt number attempt (1-based) with
// +-25% jitter, doubling from Base and capped at Max.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Base
	for i := 1; i < attempt && d < s.Max; i++ {
		d *= 2
	}
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}
	return jittered(d)
}

// Next returns the time attempt number attempt becomes due.
func (s Schedule) Next(now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}

// ShouldAlert reports whether attempt crossed the alerting threshold.
func (s Schedule) ShouldAlert(attempt int) bool {
	return s.AlertAfter > 0 && attempt >= s.AlertAfter
}
