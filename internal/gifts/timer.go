package gifts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweepBatch bounds how many records one sweep pass touches per category.
const sweepBatch = 100

// Timer periodically drives records that nobody is polling: pending bridge
// transfers, orphaned creations and claims waiting for a retry.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in gift sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over every category.
func (t *Timer) Sweep(ctx context.Context) {
	t.materializePending(ctx)
	t.resolveOrphans(ctx)
	t.resumeClaims(ctx)
}

func (t *Timer) materializePending(ctx context.Context) {
	pending, err := t.store.ListByStatus(ctx, StatusPendingBridge, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list pending gifts", "error", err)
		return
	}

	for _, rec := range pending {
		got, err := t.service.Materialize(ctx, rec.ClaimID)
		if err != nil {
			t.logger.Warn("failed to materialize gift", "claimId", rec.ClaimID.Hex(), "error", err)
			continue
		}
		if got.Status != StatusPendingBridge {
			t.logger.Info("gift left bridge wait", "claimId", rec.ClaimID.Hex(), "status", string(got.Status))
		}
	}
}

func (t *Timer) resolveOrphans(ctx context.Context) {
	creating, err := t.store.ListByStatus(ctx, StatusCreatingGift, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list creating gifts", "error", err)
		return
	}

	cutoff := t.service.now().Add(-t.service.cfg.StaleCreating)
	for _, rec := range creating {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		got, err := t.service.ResolveOrphan(ctx, rec.ClaimID)
		if err != nil {
			t.logger.Warn("failed to resolve orphaned gift", "claimId", rec.ClaimID.Hex(), "error", err)
			continue
		}
		if got.Status != StatusCreatingGift {
			t.logger.Info("orphaned gift resolved", "claimId", rec.ClaimID.Hex(), "status", string(got.Status))
		}
	}
}

func (t *Timer) resumeClaims(ctx context.Context) {
	due, err := t.store.ListRetryable(ctx, t.service.now(), sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list retryable claims", "error", err)
		return
	}
	StuckClaims.Set(float64(len(due)))

	for _, rec := range due {
		got, err := t.service.ResumeClaim(ctx, rec.ClaimID)
		switch {
		case err == nil:
			t.logger.Info("resumed claim settled", "claimId", rec.ClaimID.Hex(), "recipient", got.RecipientAddress.Hex())
		case errors.Is(err, ErrClaimInProgress):
			// Another worker picked it up first.
		default:
			t.logger.Warn("claim retry failed",
				"claimId", rec.ClaimID.Hex(),
				"attempts", rec.ClaimAttempts+1,
				"error", err,
			)
		}
	}
}
