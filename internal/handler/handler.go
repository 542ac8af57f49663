// Package handler implements the connector's packet-processing pipeline,
// the single place where a Prepare entering the node is turned into
// exactly one Fulfill or Reject (spec.md §4.5).
package handler

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"

	"github.com/ilp-connector/connector/internal/btp"
	"github.com/ilp-connector/connector/internal/events"
	"github.com/ilp-connector/connector/internal/ilp"
	"github.com/ilp-connector/connector/internal/ilpaddr"
	"github.com/ilp-connector/connector/internal/correlation"
	"github.com/ilp-connector/connector/internal/ledger"
	"github.com/ilp-connector/connector/internal/localdelivery"
	"github.com/ilp-connector/connector/internal/logctx"
	"github.com/ilp-connector/connector/internal/registry"
	"github.com/ilp-connector/connector/internal/routing"
)

// expirySafetyMargin is subtracted from a Prepare's expiresAt before it is
// forwarded upstream, per spec.md §4.5 step 4.
const expirySafetyMargin = 1000 * time.Millisecond

// settlementTokenID is the only token this connector settles in. A
// multi-asset connector would key this off the peer's configured asset,
// which is out of scope here (spec.md Non-goals).
const settlementTokenID = "ILP"

// RouteTable is the subset of *routing.Table the handler needs.
type RouteTable interface {
	GetNextHop(destination string) (string, bool)
}

// PeerSender forwards a Prepare to a connected peer and waits for its
// answer. *registry.Registry satisfies this.
type PeerSender interface {
	SendToPeer(ctx context.Context, peerID string, prepare *ilp.Prepare) (*ilp.Fulfill, *ilp.Reject, error)
}

// Config configures a Handler. NodeID is used both as the ILP address
// attributed to locally-triggered Rejects and as the node id fed into
// ledger.DeriveTransferID.
type Config struct {
	NodeID string

	Routes RouteTable
	Peers  PeerSender

	// Ledger is the settlement core. Nil is replaced by ledger.NoopLedger{}:
	// credit-limit checks never fail and recording does nothing, while fee
	// deduction still follows SettlementEnabled.
	Ledger ledger.Ledger

	// LocalDelivery handles packets whose next hop is this node. Nil
	// falls back to localdelivery.Stub{} (spec.md §4.5 step 3).
	LocalDelivery localdelivery.Handler

	// SettlementEnabled turns on credit-limit enforcement and dual-leg
	// transfer recording for forwarded (non-local) packets.
	SettlementEnabled bool

	// FeePercentage is a percentage value, e.g. 0.1 meaning 0.1%. It is
	// converted to basisPoints = floor(FeePercentage * 100), and the fee
	// subtracted from the outgoing amount is
	// floor(amount * basisPoints / 10000) (spec.md §4.5 step 5).
	FeePercentage float64

	Sink events.Sink
}

// Handler is the packet-processing pipeline described in spec.md §4.5.
type Handler struct {
	cfg         Config
	basisPoints uint64
	localDelivery localdelivery.Handler
	ledg        ledger.Ledger
	sink        events.Sink
	logger      *logctx.Logger
}

// New builds a Handler from cfg, filling in the documented defaults for
// any unset optional field.
func New(cfg Config) *Handler {
	ld := cfg.LocalDelivery
	if ld == nil {
		ld = localdelivery.Stub{}
	}
	l := cfg.Ledger
	if l == nil {
		l = ledger.NoopLedger{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.DiscardSink{}
	}
	return &Handler{
		cfg:           cfg,
		basisPoints:   uint64(math.Floor(cfg.FeePercentage * 100)),
		localDelivery: ld,
		ledg:          l,
		sink:          sink,
		logger:        logctx.New("component", "handler", "node", cfg.NodeID),
	}
}

// HandlePreparePacket runs the full pipeline from spec.md §4.5. It normally
// returns exactly one of (fulfill, reject) non-nil -- invariant 1. The one
// exception is step 6's forwarding-failure classification: an error the
// connector does not recognize as connection/auth/timeout related bubbles
// up as a bare error instead, per spec.md §4.5 step 6, for the caller (the
// BTP endpoint) to surface as a transport-level ERROR F00 rather than an
// ILP Reject.
func (h *Handler) HandlePreparePacket(ctx context.Context, prepare *ilp.Prepare, fromPeerID string) (*ilp.Fulfill, *ilp.Reject, error) {
	corrID := correlation.From(ctx)
	if corrID == "" {
		corrID = correlation.New()
		ctx = correlation.With(ctx, corrID)
	}
	packetID := hex.EncodeToString(prepare.ExecutionCondition[:])

	h.emit(events.Event{
		Type: events.TypePacketReceived, CorrelationID: corrID, PacketID: packetID, PeerID: fromPeerID,
		Fields: map[string]string{"destination": prepare.Destination, "amount": fmt.Sprintf("%d", prepare.Amount)},
	})

	if reject := h.validate(prepare); reject != nil {
		h.emitOutcome(corrID, packetID, fromPeerID, nil, reject)
		return nil, reject, nil
	}

	nextHop, ok := h.cfg.Routes.GetNextHop(prepare.Destination)
	if !ok {
		reject := ilp.NewReject(ilp.CodeUnreachable, h.cfg.NodeID, "No route to destination: "+prepare.Destination)
		h.emitOutcome(corrID, packetID, fromPeerID, nil, reject)
		return nil, reject, nil
	}
	h.emit(events.Event{
		Type: events.TypeRouteLookup, CorrelationID: corrID, PacketID: packetID, PeerID: fromPeerID,
		Fields: map[string]string{"nextHop": nextHop},
	})

	if nextHop == routing.LocalPeerID || nextHop == h.cfg.NodeID {
		fulfill, reject := h.deliverLocally(ctx, prepare, fromPeerID)
		h.emitOutcome(corrID, packetID, fromPeerID, fulfill, reject)
		return fulfill, reject, nil
	}

	decrementedExpiry := prepare.ExpiresAt.Add(-expirySafetyMargin)
	if !decrementedExpiry.After(time.Now()) {
		reject := ilp.NewReject(ilp.CodeTransferTimedOut, h.cfg.NodeID, "Insufficient time remaining for forwarding")
		h.emitOutcome(corrID, packetID, fromPeerID, nil, reject)
		return nil, reject, nil
	}

	outgoingAmount := prepare.Amount
	if h.cfg.SettlementEnabled {
		fee := h.computeFee(prepare.Amount)
		outgoingAmount = prepare.Amount - fee

		violation, err := h.ledg.CheckCreditLimit(ctx, fromPeerID, settlementTokenID, uint256.NewInt(prepare.Amount))
		if err != nil {
			h.logger.Warn("credit limit check failed", "corr", corrID, "packet", packetID, "fromPeer", fromPeerID, "err", err)
			reject := ilp.NewReject(ilp.CodeInternalError, h.cfg.NodeID, "Settlement recording failed")
			h.emitOutcome(corrID, packetID, fromPeerID, nil, reject)
			return nil, reject, nil
		}
		if violation != nil {
			reject := ilp.NewReject(ilp.CodeInsufficientLiquidity, h.cfg.NodeID, fmt.Sprintf(
				"Credit limit exceeded: peer %s would owe %s units over limit of %s",
				violation.PeerID, violation.WouldExceedBy.String(), violation.CreditLimit.String()))
			h.emitOutcome(corrID, packetID, fromPeerID, nil, reject)
			return nil, reject, nil
		}

		incomingID := ledger.DeriveTransferID(prepare.ExecutionCondition, h.cfg.NodeID, ledger.LegIncoming)
		outgoingID := ledger.DeriveTransferID(prepare.ExecutionCondition, h.cfg.NodeID, ledger.LegOutgoing)
		err = h.ledg.RecordPacketTransfers(ctx, ledger.TransferParams{
			FromPeerID:     fromPeerID,
			ToPeerID:       nextHop,
			TokenID:        settlementTokenID,
			IncomingAmount: uint256.NewInt(prepare.Amount),
			OutgoingAmount: uint256.NewInt(outgoingAmount),
			IncomingID:     incomingID,
			OutgoingID:     outgoingID,
			Code:           "ILP_FORWARD",
		})
		if err != nil {
			h.logger.Warn("recording packet transfers failed", "corr", corrID, "packet", packetID, "fromPeer", fromPeerID, "err", err)
			reject := ilp.NewReject(ilp.CodeInternalError, h.cfg.NodeID, "Settlement recording failed")
			h.emitOutcome(corrID, packetID, fromPeerID, nil, reject)
			return nil, reject, nil
		}
	}

	outgoing := prepare.Clone()
	outgoing.ExpiresAt = decrementedExpiry
	outgoing.Amount = outgoingAmount

	fulfill, reject, err := h.cfg.Peers.SendToPeer(ctx, nextHop, outgoing)
	if err != nil {
		reject, bubbled := classifyForwardError(err, h.cfg.NodeID)
		if bubbled != nil {
			h.logger.Warn("forwarding failed with an unclassified error, bubbling to the caller", "corr", corrID, "packet", packetID, "fromPeer", fromPeerID, "err", bubbled)
			return nil, nil, bubbled
		}
		h.emitOutcome(corrID, packetID, fromPeerID, nil, reject)
		return nil, reject, nil
	}

	h.emit(events.Event{
		Type: events.TypePacketForwarded, CorrelationID: corrID, PacketID: packetID, PeerID: nextHop,
		Fields: map[string]string{"amount": fmt.Sprintf("%d", outgoingAmount)},
	})
	h.emitOutcome(corrID, packetID, fromPeerID, fulfill, reject)
	return fulfill, reject, nil
}

// validate implements spec.md §4.5 step 1.
func (h *Handler) validate(prepare *ilp.Prepare) *ilp.Reject {
	if prepare.Destination == "" || !ilpaddr.Valid(prepare.Destination) {
		return ilp.NewReject(ilp.CodeInvalidPacket, h.cfg.NodeID, "Invalid or missing destination address")
	}
	if prepare.ExpiresAt.IsZero() {
		return ilp.NewReject(ilp.CodeInvalidPacket, h.cfg.NodeID, "Missing expiresAt")
	}
	if !prepare.ExpiresAt.After(time.Now()) {
		return ilp.NewReject(ilp.CodeTransferTimedOut, h.cfg.NodeID, "Packet has expired")
	}
	return nil
}

// deliverLocally implements spec.md §4.5 step 3.
func (h *Handler) deliverLocally(ctx context.Context, prepare *ilp.Prepare, fromPeerID string) (*ilp.Fulfill, *ilp.Reject) {
	req := localdelivery.Request{
		Destination:        prepare.Destination,
		AmountDecimal:      decimalString(prepare.Amount),
		ExecutionCondition: base64.StdEncoding.EncodeToString(prepare.ExecutionCondition[:]),
		ExpiresAt:          prepare.ExpiresAt,
		Data:               base64.StdEncoding.EncodeToString(prepare.Data),
		SourcePeer:         fromPeerID,
	}

	resp, err := h.localDelivery.Deliver(ctx, req)
	if err != nil {
		return nil, ilp.NewReject(ilp.CodeInternalError, h.cfg.NodeID, "Local delivery handler failed: "+err.Error())
	}

	switch {
	case resp.Fulfill != nil:
		raw, err := base64.StdEncoding.DecodeString(resp.Fulfill.Fulfillment)
		if err != nil || len(raw) != ilp.ConditionSize {
			return nil, ilp.NewReject(ilp.CodeInternalError, h.cfg.NodeID, "Local delivery returned a malformed fulfillment")
		}
		var data []byte
		if resp.Fulfill.Data != "" {
			data, err = base64.StdEncoding.DecodeString(resp.Fulfill.Data)
			if err != nil {
				return nil, ilp.NewReject(ilp.CodeInternalError, h.cfg.NodeID, "Local delivery returned malformed data")
			}
		}
		var fulfillment [ilp.ConditionSize]byte
		copy(fulfillment[:], raw)
		return &ilp.Fulfill{Fulfillment: fulfillment, Data: data}, nil

	case resp.Reject != nil:
		var data []byte
		if resp.Reject.Data != "" {
			var err error
			data, err = base64.StdEncoding.DecodeString(resp.Reject.Data)
			if err != nil {
				return nil, ilp.NewReject(ilp.CodeInternalError, h.cfg.NodeID, "Local delivery returned malformed data")
			}
		}
		code := resp.Reject.Code
		if code == "" {
			code = ilp.CodeApplicationError
		}
		return nil, &ilp.Reject{Code: code, TriggeredBy: h.cfg.NodeID, Message: resp.Reject.Message, Data: data}

	default:
		return nil, ilp.NewReject(ilp.CodeInternalError, h.cfg.NodeID, "Local delivery returned neither a fulfill nor a reject")
	}
}

// computeFee returns floor(amount * basisPoints / 10000), computed in
// uint256 so a large amount times a large basis-point configuration never
// overflows a uint64 intermediate (spec.md §4.5 step 5).
func (h *Handler) computeFee(amount uint64) uint64 {
	if h.basisPoints == 0 {
		return 0
	}
	amt := uint256.NewInt(amount)
	bp := uint256.NewInt(h.basisPoints)
	num := new(uint256.Int).Mul(amt, bp)
	fee := new(uint256.Int).Div(num, uint256.NewInt(10000))
	return fee.Uint64()
}

func decimalString(amount uint64) string {
	return fmt.Sprintf("%d", amount)
}

// classifyForwardError maps a forwarding failure to the Reject a sender
// sees, per spec.md §4.5 step 6 / §7. Connection, authentication, and
// timeout failures resolve to a Reject; anything else is returned as a
// bare error for the caller to bubble up past the packet handler entirely,
// per spec.md §4.5 step 6's "other -> bubble up" branch.
func classifyForwardError(err error, nodeID string) (*ilp.Reject, error) {
	var connErr *btp.ConnectionError
	var authErr *btp.AuthenticationError
	var timeoutErr *btp.TimeoutError

	switch {
	case errors.As(err, &connErr), errors.As(err, &authErr), errors.Is(err, registry.ErrPeerUnreachable):
		return ilp.NewReject(ilp.CodePeerUnreachable, nodeID, "peer unreachable"), nil
	case errors.As(err, &timeoutErr):
		return ilp.NewReject(ilp.CodeTransferTimedOut, nodeID, "transfer timed out"), nil
	default:
		return nil, err
	}
}

func (h *Handler) emit(e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	h.sink.Emit(e)
}

func (h *Handler) emitOutcome(corrID, packetID, fromPeerID string, fulfill *ilp.Fulfill, reject *ilp.Reject) {
	if fulfill != nil {
		h.emit(events.Event{Type: events.TypePacketFulfilled, CorrelationID: corrID, PacketID: packetID, PeerID: fromPeerID})
		return
	}
	fields := map[string]string{}
	if reject != nil {
		fields["code"] = reject.Code
		fields["message"] = reject.Message
	}
	h.emit(events.Event{Type: events.TypePacketRejected, CorrelationID: corrID, PacketID: packetID, PeerID: fromPeerID, Fields: fields})
}

var _ RouteTable = (*routing.Table)(nil)
var _ PeerSender = (*registry.Registry)(nil)

// AsIncomingPrepareHandler adapts h to btp.IncomingPrepareHandler, decoding
// the raw ILP packet, running the pipeline, and re-encoding whichever of
// Fulfill/Reject came back. A malformed inbound packet, or an unclassified
// forwarding failure bubbled up by HandlePreparePacket, is returned as a
// bare error, which the BTP layer reports as a protocol-level ERROR F00.
func (h *Handler) AsIncomingPrepareHandler() btp.IncomingPrepareHandler {
	return func(ctx context.Context, fromPeerID string, preparePacket []byte) ([]byte, error) {
		prepare, err := ilp.DecodePrepare(preparePacket)
		if err != nil {
			return nil, fmt.Errorf("handler: decoding inbound prepare: %w", err)
		}
		fulfill, reject, err := h.HandlePreparePacket(ctx, prepare, fromPeerID)
		if err != nil {
			return nil, err
		}
		if fulfill != nil {
			return fulfill.Encode()
		}
		return reject.Encode()
	}
}
