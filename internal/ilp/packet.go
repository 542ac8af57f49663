// Package ilp implements the canonical ILPv4 Prepare/Fulfill/Reject packet
// types and their binary encoding, per spec.md §3 and §6.2.
package ilp

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/ilp-connector/connector/internal/wire"
)

// Packet type octets, per the Interledger v4 wire format.
const (
	TypePrepare byte = 12
	TypeFulfill byte = 13
	TypeReject  byte = 14
)

// MaxDataSize is the largest permitted opaque data payload (spec.md §3).
const MaxDataSize = 32768

// ilpTimeLayout is the fixed-width Interledger timestamp format:
// four-digit year, two-digit month/day/hour/minute/second, milliseconds, "Z".
const ilpTimeLayout = "20060102150405.000Z"

// ConditionSize is the fixed size of an execution condition or fulfillment.
const ConditionSize = 32

// Prepare is an ILP Prepare packet (spec.md §3).
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [ConditionSize]byte
	Destination        string
	Data               []byte
}

// Fulfill is an ILP Fulfill packet (spec.md §3).
type Fulfill struct {
	Fulfillment [ConditionSize]byte
	Data        []byte
}

// Reject is an ILP Reject packet (spec.md §3).
type Reject struct {
	Code        string
	TriggeredBy string
	Message     string
	Data        []byte
}

// Clone returns a deep copy of p so callers may mutate Amount/ExpiresAt
// when constructing a forwarding packet without aliasing the original's
// Data slice (spec.md §6.2: every byte except amount/expiresAt is preserved
// unmodified, which we guarantee by never sharing a mutable backing array).
func (p *Prepare) Clone() *Prepare {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return &Prepare{
		Amount:             p.Amount,
		ExpiresAt:          p.ExpiresAt,
		ExecutionCondition: p.ExecutionCondition,
		Destination:        p.Destination,
		Data:               data,
	}
}

// Encode serializes p to its binary ILPv4 form.
func (p *Prepare) Encode() ([]byte, error) {
	var body bytes.Buffer
	wire.WriteUint64(&body, p.Amount)
	body.WriteString(p.ExpiresAt.UTC().Format(ilpTimeLayout))
	body.Write(p.ExecutionCondition[:])
	if err := wire.WriteVarOctetString(&body, []byte(p.Destination)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarOctetString(&body, p.Data); err != nil {
		return nil, err
	}
	return encodeEnvelope(TypePrepare, body.Bytes()), nil
}

// DecodePrepare parses a binary ILPv4 Prepare packet.
func DecodePrepare(b []byte) (*Prepare, error) {
	typ, body, err := decodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	if typ != TypePrepare {
		return nil, fmt.Errorf("ilp: expected Prepare type %d, got %d", TypePrepare, typ)
	}
	r := bytes.NewReader(body)
	amount, err := wire.ReadUint64(r)
	if err != nil {
		return nil, fmt.Errorf("ilp: short amount: %w", err)
	}
	tsRaw := make([]byte, len(ilpTimeLayout))
	if _, err := io.ReadFull(r, tsRaw); err != nil {
		return nil, fmt.Errorf("ilp: short expiresAt: %w", err)
	}
	expiresAt, err := time.Parse(ilpTimeLayout, string(tsRaw))
	if err != nil {
		return nil, fmt.Errorf("ilp: malformed expiresAt: %w", err)
	}
	var cond [ConditionSize]byte
	if _, err := io.ReadFull(r, cond[:]); err != nil {
		return nil, fmt.Errorf("ilp: short executionCondition: %w", err)
	}
	dest, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("ilp: malformed destination: %w", err)
	}
	data, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("ilp: malformed data: %w", err)
	}
	if len(data) > MaxDataSize {
		return nil, fmt.Errorf("ilp: data exceeds %d bytes", MaxDataSize)
	}
	return &Prepare{
		Amount:             amount,
		ExpiresAt:          expiresAt.UTC(),
		ExecutionCondition: cond,
		Destination:        string(dest),
		Data:               data,
	}, nil
}

// Encode serializes f to its binary ILPv4 form.
func (f *Fulfill) Encode() ([]byte, error) {
	var body bytes.Buffer
	body.Write(f.Fulfillment[:])
	if err := wire.WriteVarOctetString(&body, f.Data); err != nil {
		return nil, err
	}
	return encodeEnvelope(TypeFulfill, body.Bytes()), nil
}

// DecodeFulfill parses a binary ILPv4 Fulfill packet.
func DecodeFulfill(b []byte) (*Fulfill, error) {
	typ, body, err := decodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	if typ != TypeFulfill {
		return nil, fmt.Errorf("ilp: expected Fulfill type %d, got %d", TypeFulfill, typ)
	}
	r := bytes.NewReader(body)
	var ful [ConditionSize]byte
	if _, err := io.ReadFull(r, ful[:]); err != nil {
		return nil, fmt.Errorf("ilp: short fulfillment: %w", err)
	}
	data, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("ilp: malformed data: %w", err)
	}
	return &Fulfill{Fulfillment: ful, Data: data}, nil
}

// Encode serializes r to its binary ILPv4 form.
func (r *Reject) Encode() ([]byte, error) {
	var body bytes.Buffer
	if len(r.Code) != 3 {
		return nil, fmt.Errorf("ilp: reject code must be 3 characters, got %q", r.Code)
	}
	body.WriteString(r.Code)
	if err := wire.WriteVarOctetString(&body, []byte(r.TriggeredBy)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarOctetString(&body, []byte(r.Message)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarOctetString(&body, r.Data); err != nil {
		return nil, err
	}
	return encodeEnvelope(TypeReject, body.Bytes()), nil
}

// DecodeReject parses a binary ILPv4 Reject packet.
func DecodeReject(b []byte) (*Reject, error) {
	typ, body, err := decodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	if typ != TypeReject {
		return nil, fmt.Errorf("ilp: expected Reject type %d, got %d", TypeReject, typ)
	}
	r := bytes.NewReader(body)
	code := make([]byte, 3)
	if _, err := io.ReadFull(r, code); err != nil {
		return nil, fmt.Errorf("ilp: short code: %w", err)
	}
	triggeredBy, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("ilp: malformed triggeredBy: %w", err)
	}
	message, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("ilp: malformed message: %w", err)
	}
	data, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("ilp: malformed data: %w", err)
	}
	return &Reject{
		Code:        string(code),
		TriggeredBy: string(triggeredBy),
		Message:     string(message),
		Data:        data,
	}, nil
}

// DecodeFulfillOrReject parses b as whichever of Fulfill or Reject its
// leading type octet indicates, per spec.md §4.3: a BTP RESPONSE carrying
// an "ilp" sub-frame may embed either packet type depending on outcome.
func DecodeFulfillOrReject(b []byte) (*Fulfill, *Reject, error) {
	if len(b) < 1 {
		return nil, nil, wire.ErrShortBuffer
	}
	switch b[0] {
	case TypeFulfill:
		f, err := DecodeFulfill(b)
		return f, nil, err
	case TypeReject:
		r, err := DecodeReject(b)
		return nil, r, err
	default:
		return nil, nil, fmt.Errorf("ilp: unexpected packet type %d in response", b[0])
	}
}

func encodeEnvelope(typ byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(typ)
	// An envelope-level length prefix lets a reader skip an ILP packet it
	// does not care to parse without having decoded the body first.
	_ = wire.WriteVarOctetString(&out, body)
	return out.Bytes()
}

func decodeEnvelope(b []byte) (byte, []byte, error) {
	if len(b) < 1 {
		return 0, nil, wire.ErrShortBuffer
	}
	typ := b[0]
	r := bytes.NewReader(b[1:])
	body, err := wire.ReadVarOctetString(r)
	if err != nil {
		return 0, nil, err
	}
	return typ, body, nil
}
