package health

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/giftlink/internal/escrowledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(context.Context) Status { return Status{Healthy: true} })
	r.RegisterOptional("bridge", func(context.Context) Status { return Status{Detail: "connection refused"} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy, "optional failures do not fail the aggregate")
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name)
	assert.Equal(t, "bridge", statuses[1].Name)
	assert.True(t, statuses[1].Optional)
	assert.Equal(t, "connection refused", statuses[1].Detail)

	r.Register("ledger", func(context.Context) Status { return Status{Detail: "inconsistent"} })
	healthy, _ = r.CheckAll(context.Background())
	assert.False(t, healthy)
}

func TestRegistryTimeoutAndPanic(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})
	r.Register("broken", func(context.Context) Status { panic("boom") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
	assert.Equal(t, "broken", statuses[1].Name)
	assert.Contains(t, statuses[1].Detail, "boom")
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type auditor struct {
	report *escrowledger.AuditReport
	err    error
}

func (a auditor) Audit(context.Context) (*escrowledger.AuditReport, error) { return a.report, a.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.True(t, Ping(pinger{})(ctx).Healthy)
	assert.Equal(t, "down", Ping(pinger{err: errors.New("down")})(ctx).Detail)

	running := true
	check := Running(func() bool { return running })
	assert.True(t, check(ctx).Healthy)
	running = false
	assert.False(t, check(ctx).Healthy)

	ok := Solvent(auditor{report: &escrowledger.AuditReport{
		Held: big.NewInt(5), PendingSum: big.NewInt(5), PendingCount: 2, Consistent: true,
	}})(ctx)
	assert.True(t, ok.Healthy)
	assert.Equal(t, "2 pending", ok.Detail)

	bad := Solvent(auditor{report: &escrowledger.AuditReport{
		Held: big.NewInt(4), PendingSum: big.NewInt(5),
	}})(ctx)
	assert.False(t, bad.Healthy)
	assert.Equal(t, "held 4 < pending 5", bad.Detail)

	assert.False(t, Solvent(auditor{err: errors.New("io")})(ctx).Healthy)
}
