package escrowledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a ledger event.
type EventType string

const (
	EventGiftCreated  EventType = "gift_created"
	EventGiftClaimed  EventType = "gift_claimed"
	EventGiftRefunded EventType = "gift_refunded"
	EventDeposit      EventType = "deposit"
	EventTransfer     EventType = "transfer"
)

// Event is an immutable record of a ledger mutation.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	ClaimID   common.Hash    `json:"claimId,omitempty"`
	From      common.Address `json:"from,omitempty"`
	To        common.Address `json:"to,omitempty"`
	Amount    *big.Int       `json:"amount"`
	Expiry    int64          `json:"expiry,omitempty"`
	TxHash    common.Hash    `json:"txHash"`
	Reference string         `json:"reference,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// EventSink receives events after the corresponding batch committed.
type EventSink interface {
	Append(ctx context.Context, ev *Event) error
}

// MemoryEvents keeps events in commit order.
type MemoryEvents struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryEvents creates an empty event log.
func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{}
}

func (m *MemoryEvents) Append(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	cp.Seq = int64(len(m.events) + 1)
	m.events = append(m.events, &cp)
	return nil
}

// ForClaim returns the events touching one claim id.
func (m *MemoryEvents) ForClaim(id common.Hash) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, ev := range m.events {
		if ev.ClaimID == id {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

// All returns every event in order.
func (m *MemoryEvents) All() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, len(m.events))
	for i, ev := range m.events {
		cp := *ev
		out[i] = &cp
	}
	return out
}

type discardEvents struct{}

func (discardEvents) Append(context.Context, *Event) error { return nil }
