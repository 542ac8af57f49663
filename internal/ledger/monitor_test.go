package ledger

import (
	"context"
	"testing"

	"github.com/holiman/uint256"

	"github.com/ilp-connector/connector/internal/events"
)

type fakeLedger struct {
	balances map[pairKey]*uint256.Int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[pairKey]*uint256.Int)}
}

func (f *fakeLedger) CheckCreditLimit(context.Context, string, string, *uint256.Int) (*Violation, error) {
	return nil, nil
}
func (f *fakeLedger) RecordPacketTransfers(context.Context, TransferParams) error { return nil }
func (f *fakeLedger) DebitBalance(_ context.Context, peerID, tokenID string) (*uint256.Int, error) {
	if b, ok := f.balances[pairKey{peerID, tokenID}]; ok {
		return b, nil
	}
	return uint256.NewInt(0), nil
}

type recordingSink struct{ events []events.Event }

func (s *recordingSink) Emit(e events.Event) { s.events = append(s.events, e) }

func TestMonitorEmitsOnIdleToPendingTransition(t *testing.T) {
	fl := newFakeLedger()
	sink := &recordingSink{}
	thresholds := Limits{PerPeer: map[string]*uint256.Int{"bob": u(1000)}}
	m := NewMonitor(fl, thresholds, sink, 0, [][2]string{{"bob", "ILP"}})

	fl.balances[pairKey{"bob", "ILP"}] = u(1500)
	m.poll(context.Background())

	if len(sink.events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(sink.events))
	}
	if sink.events[0].Type != events.TypeSettlementRequired {
		t.Fatalf("unexpected event type: %s", sink.events[0].Type)
	}
	if m.StateOf("bob", "ILP") != StatePending {
		t.Fatalf("expected PENDING, got %s", m.StateOf("bob", "ILP"))
	}
}

func TestMonitorSuppressesEventsWhilePendingOrInProgress(t *testing.T) {
	fl := newFakeLedger()
	sink := &recordingSink{}
	thresholds := Limits{PerPeer: map[string]*uint256.Int{"bob": u(1000)}}
	m := NewMonitor(fl, thresholds, sink, 0, [][2]string{{"bob", "ILP"}})

	fl.balances[pairKey{"bob", "ILP"}] = u(1500)
	m.poll(context.Background())
	m.poll(context.Background()) // still exceeding, still PENDING: no second event

	if len(sink.events) != 1 {
		t.Fatalf("expected one event across two PENDING polls, got %d", len(sink.events))
	}

	m.MarkInProgress("bob", "ILP")
	m.poll(context.Background()) // still exceeding, now IN_PROGRESS: no event
	if len(sink.events) != 1 {
		t.Fatalf("expected no new events while IN_PROGRESS, got %d", len(sink.events))
	}
}

func TestMonitorPendingReturnsToIdleBelowThreshold(t *testing.T) {
	fl := newFakeLedger()
	sink := &recordingSink{}
	thresholds := Limits{PerPeer: map[string]*uint256.Int{"bob": u(1000)}}
	m := NewMonitor(fl, thresholds, sink, 0, [][2]string{{"bob", "ILP"}})

	fl.balances[pairKey{"bob", "ILP"}] = u(1500)
	m.poll(context.Background())
	if m.StateOf("bob", "ILP") != StatePending {
		t.Fatalf("expected PENDING, got %s", m.StateOf("bob", "ILP"))
	}

	fl.balances[pairKey{"bob", "ILP"}] = u(500)
	m.poll(context.Background())
	if m.StateOf("bob", "ILP") != StateIdle {
		t.Fatalf("expected IDLE after balance fell back below threshold, got %s", m.StateOf("bob", "ILP"))
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected no event on PENDING->IDLE transition, total events=%d", len(sink.events))
	}
}

func TestMonitorIgnoresInvalidMarkInProgress(t *testing.T) {
	fl := newFakeLedger()
	m := NewMonitor(fl, Limits{}, nil, 0, nil)
	m.MarkInProgress("bob", "ILP") // never PENDING
	if m.StateOf("bob", "ILP") != StateIdle {
		t.Fatalf("expected invalid transition to be ignored, got %s", m.StateOf("bob", "ILP"))
	}
}
