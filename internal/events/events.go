// Package events defines the single EventSink seam that both the packet
// handler and the ledger monitor emit through (spec.md §9: "Event
// emission to two sinks... define an EventSink interface with emit(event);
// wire one or the other at startup; never both writing the same field
// twice").
package events

import "time"

// Packet-handler event types (spec.md §4.5 step 7).
const (
	TypePacketReceived  = "PACKET_RECEIVED"
	TypeRouteLookup     = "ROUTE_LOOKUP"
	TypePacketForwarded = "PACKET_FORWARDED"
	TypePacketFulfilled = "PACKET_FULFILLED"
	TypePacketRejected  = "PACKET_REJECTED"
)

// Ledger monitor event type (spec.md §4.6).
const TypeSettlementRequired = "SETTLEMENT_REQUIRED"

// Event is a single immutable occurrence, tagged with the correlation id
// of the packet (if any) that produced it. Fields carries type-specific
// data already converted to boundary-safe representations (decimal
// strings for amounts, hex for packet/condition ids) so a telemetry sink
// never needs to know about uint256 or ILP packet internals.
type Event struct {
	Type          string
	CorrelationID string
	PacketID      string // hex(executionCondition), per spec.md §4.5 step 7
	PeerID        string
	Fields        map[string]string
	Timestamp     time.Time
}

// Sink receives events. Implementations must not block the caller for
// long; the packet-forwarding hot path emits synchronously.
type Sink interface {
	Emit(Event)
}

// DiscardSink drops every event; the default when no sink is configured.
type DiscardSink struct{}

func (DiscardSink) Emit(Event) {}

var _ Sink = DiscardSink{}
