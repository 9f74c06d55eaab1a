// Package health runs the relayer's subsystem checks for /health.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/giftlink/internal/escrowledger"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	optional bool
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a checker whose failure makes the service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterOptional adds a checker that is reported but never fails the
// aggregate, e.g. an upstream the claim saga retries around.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, optional: true})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently, each bounded by the
// registry timeout, and returns the aggregate plus individual results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy && !s.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			st = Status{Name: nc.name, Detail: fmt.Sprintf("panic: %v", p)}
		}
		st.Name = nc.name
		st.Optional = nc.optional
	}()
	return nc.check(ctx)
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping reports whether p answers a ping.
func Ping(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Running reports whether a background loop is alive.
func Running(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}

// Auditor is satisfied by *escrowledger.Ledger.
type Auditor interface {
	Audit(ctx context.Context) (*escrowledger.AuditReport, error)
}

// Solvent reports whether held custody still covers every pending gift.
func Solvent(a Auditor) Checker {
	return func(ctx context.Context) Status {
		report, err := a.Audit(ctx)
		if err != nil {
			return Status{Detail: err.Error()}
		}
		if !report.Consistent {
			return Status{Detail: fmt.Sprintf("held %s < pending %s", report.Held, report.PendingSum)}
		}
		return Status{Healthy: true, Detail: fmt.Sprintf("%d pending", report.PendingCount)}
	}
}
