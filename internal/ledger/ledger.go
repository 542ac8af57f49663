// Package ledger implements the double-entry accounting core described in
// spec.md §4.6: per-peer debit/credit balances, credit-limit enforcement,
// atomic dual-leg transfer recording, and a polling settlement-threshold
// monitor.
package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// TransferID is the 128-bit accounting transfer id derived in transferid.go.
type TransferID [16]byte

func (id TransferID) String() string { return fmt.Sprintf("%x", [16]byte(id)) }

// Violation describes a credit-limit breach (spec.md §4.6/§6.5).
type Violation struct {
	PeerID          string
	TokenID         string
	CurrentBalance  *uint256.Int
	RequestedAmount *uint256.Int
	CreditLimit     *uint256.Int
	WouldExceedBy   *uint256.Int
}

// TransferParams describes one dual-leg settlement recording request
// (spec.md §4.5 step 5 / §4.6).
type TransferParams struct {
	FromPeerID     string
	ToPeerID       string
	TokenID        string
	IncomingAmount *uint256.Int
	OutgoingAmount *uint256.Int
	IncomingID     TransferID
	OutgoingID     TransferID
	Code           string
}

// Ledger is the settlement core's storage abstraction. Every method must be
// safe to call concurrently from many packet-handler goroutines.
type Ledger interface {
	// CheckCreditLimit reports a Violation if crediting proposedAmount to
	// peerID's debit-side balance at tokenID would exceed its effective
	// credit limit. A nil Violation means the transfer may proceed.
	CheckCreditLimit(ctx context.Context, peerID, tokenID string, proposedAmount *uint256.Int) (*Violation, error)

	// RecordPacketTransfers posts both legs of a forwarded packet as one
	// atomic operation, idempotent on (IncomingID, OutgoingID).
	RecordPacketTransfers(ctx context.Context, p TransferParams) error

	// DebitBalance returns the current debit-side balance for (peerID,
	// tokenID), used by the settlement monitor's polling loop.
	DebitBalance(ctx context.Context, peerID, tokenID string) (*uint256.Int, error)
}

// Limits implements the three-level credit-limit lookup from spec.md §3:
// token-specific per peer -> per peer -> default -> unlimited, capped by a
// global ceiling.
type Limits struct {
	PerPeerToken  map[string]map[string]*uint256.Int
	PerPeer       map[string]*uint256.Int
	Default       *uint256.Int // nil means unlimited absent a more specific entry
	GlobalCeiling *uint256.Int // nil means no ceiling
}

// Effective returns the capped limit for (peerID, tokenID), and false if
// the pair is unlimited.
func (l Limits) Effective(peerID, tokenID string) (*uint256.Int, bool) {
	limit := l.Default
	if byToken, ok := l.PerPeerToken[peerID]; ok {
		if v, ok := byToken[tokenID]; ok {
			limit = v
		} else if v, ok := l.PerPeer[peerID]; ok {
			limit = v
		}
	} else if v, ok := l.PerPeer[peerID]; ok {
		limit = v
	}
	if limit == nil {
		if l.GlobalCeiling == nil {
			return nil, false
		}
		return l.GlobalCeiling, true
	}
	if l.GlobalCeiling != nil && l.GlobalCeiling.Lt(limit) {
		return l.GlobalCeiling, true
	}
	return limit, true
}

// evaluateCreditLimit is the arithmetic shared by every Ledger
// implementation's CheckCreditLimit.
func evaluateCreditLimit(limits Limits, peerID, tokenID string, currentDebit, proposedAmount *uint256.Int) *Violation {
	limit, bounded := limits.Effective(peerID, tokenID)
	if !bounded {
		return nil
	}
	sum := new(uint256.Int).Add(currentDebit, proposedAmount)
	if sum.Gt(limit) {
		exceedBy := new(uint256.Int).Sub(sum, limit)
		return &Violation{
			PeerID:          peerID,
			TokenID:         tokenID,
			CurrentBalance:  currentDebit,
			RequestedAmount: proposedAmount,
			CreditLimit:     limit,
			WouldExceedBy:   exceedBy,
		}
	}
	return nil
}

// NoopLedger is the fallback described in spec.md §4.6: credit-limit checks
// never report a violation, recording is a no-op, balances are zero.
type NoopLedger struct{}

func (NoopLedger) CheckCreditLimit(context.Context, string, string, *uint256.Int) (*Violation, error) {
	return nil, nil
}

func (NoopLedger) RecordPacketTransfers(context.Context, TransferParams) error { return nil }

func (NoopLedger) DebitBalance(context.Context, string, string) (*uint256.Int, error) {
	return uint256.NewInt(0), nil
}

var _ Ledger = NoopLedger{}
