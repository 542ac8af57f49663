// Package btp implements the Bilateral Transfer Protocol framing and
// transport described in spec.md §4.2-§4.4 and §6.1: a framed,
// authenticated, request/response-multiplexed protocol carried over
// bidirectional WebSocket connections.
package btp

import (
	"bytes"
	"fmt"
	"time"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set"
	"github.com/golang/snappy"

	"github.com/ilp-connector/connector/internal/wire"
)

// MessageType identifies a BTP frame's role (spec.md §3).
type MessageType byte

const (
	TypeMessage  MessageType = 1
	TypeResponse MessageType = 2
	TypeError    MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeMessage:
		return "MESSAGE"
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// ilpProtocolDataName is the reserved protocol-data sub-frame name carrying
// an embedded ILP packet (spec.md §3: "an optional embedded ILP packet
// identified by a dedicated sub-frame name").
const ilpProtocolDataName = "ilp"

// AuthProtocolDataName is the reserved protocol-data sub-frame name used in
// the auth handshake (spec.md §4.3).
const AuthProtocolDataName = "auth"

// snappyContentType marks a sub-frame whose Data is snappy-compressed
// (spec_full.md §4.2 optional compression extension). Never applied to the
// "ilp" sub-frame.
const snappyContentType = "application/octet-stream+snappy"

// ProtocolData is one named, typed sub-frame carried by a MESSAGE or
// RESPONSE (spec.md §3).
type ProtocolData struct {
	Name        string
	ContentType string
	Data        []byte
}

// ErrorInfo is the structured payload of an ERROR frame (spec.md §3/§6.1).
type ErrorInfo struct {
	Code        string
	Name        string
	TriggeredAt time.Time
	Data        []byte
}

// Message is a decoded BTP frame.
type Message struct {
	Type         MessageType
	RequestID    uint32
	ProtocolData []ProtocolData
	Error        *ErrorInfo
}

// ILPPacket returns the bytes of the embedded ILP packet sub-frame, if any.
func (m *Message) ILPPacket() ([]byte, bool) {
	for _, pd := range m.ProtocolData {
		if pd.Name == ilpProtocolDataName {
			return pd.Data, true
		}
	}
	return nil, false
}

// WithILPPacket returns a copy of pd with an "ilp" sub-frame appended
// carrying packet.
func WithILPPacket(pd []ProtocolData, packet []byte) []ProtocolData {
	out := make([]ProtocolData, 0, len(pd)+1)
	out = append(out, pd...)
	out = append(out, ProtocolData{Name: ilpProtocolDataName, ContentType: "application/octet-stream", Data: packet})
	return out
}

// NewAuthProtocolData builds the "auth" sub-frame per spec.md §4.3.
func NewAuthProtocolData(json []byte) ProtocolData {
	return ProtocolData{Name: AuthProtocolDataName, ContentType: "application/json", Data: json}
}

// Encode serializes m to a single binary BTP frame suitable for one
// WebSocket binary message (spec.md §6.1).
func Encode(m *Message) ([]byte, error) {
	var out bytes.Buffer
	out.WriteByte(byte(m.Type))
	wire.WriteUint32(&out, m.RequestID)

	switch m.Type {
	case TypeMessage, TypeResponse:
		if err := encodeProtocolData(&out, m.ProtocolData); err != nil {
			return nil, err
		}
	case TypeError:
		if m.Error == nil {
			return nil, fmt.Errorf("btp: ERROR frame missing ErrorInfo")
		}
		if err := encodeError(&out, m.Error); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("btp: unknown message type %d", m.Type)
	}
	return out.Bytes(), nil
}

// Decode parses a single binary BTP frame. Parse failures use the taxonomy
// described in spec.md §4.2: short buffer, unknown type tag, malformed
// protocol-data sub-frame, over-length field, non-UTF-8 name/contentType.
func Decode(b []byte) (*Message, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("%w: frame shorter than 5-byte header", wire.ErrShortBuffer)
	}
	typ := MessageType(b[0])
	r := bytes.NewReader(b[1:])
	requestID, err := wire.ReadUint32(r)
	if err != nil {
		return nil, fmt.Errorf("btp: short requestId: %w", err)
	}

	m := &Message{Type: typ, RequestID: requestID}
	switch typ {
	case TypeMessage, TypeResponse:
		pd, err := decodeProtocolData(r)
		if err != nil {
			return nil, err
		}
		m.ProtocolData = pd
	case TypeError:
		ei, err := decodeError(r)
		if err != nil {
			return nil, err
		}
		m.Error = ei
	default:
		return nil, fmt.Errorf("btp: unknown message type tag %d", typ)
	}
	return m, nil
}

func encodeProtocolData(out *bytes.Buffer, pd []ProtocolData) error {
	if len(pd) > 255 {
		return fmt.Errorf("btp: too many protocol-data sub-frames: %d", len(pd))
	}
	out.WriteByte(byte(len(pd)))
	for _, f := range pd {
		if !utf8.ValidString(f.Name) || !utf8.ValidString(f.ContentType) {
			return fmt.Errorf("btp: non-UTF-8 protocol-data name/contentType")
		}
		data := f.Data
		contentType := f.ContentType
		if contentType == snappyContentType && f.Name != ilpProtocolDataName {
			data = snappy.Encode(nil, data)
		}
		if err := wire.WriteVarOctetString(out, []byte(f.Name)); err != nil {
			return err
		}
		if err := wire.WriteVarOctetString(out, []byte(contentType)); err != nil {
			return err
		}
		if err := wire.WriteVarOctetString(out, data); err != nil {
			return err
		}
	}
	return nil
}

func decodeProtocolData(r *bytes.Reader) ([]ProtocolData, error) {
	count, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing protocol-data count", wire.ErrShortBuffer)
	}
	seen := mapset.NewSet()
	out := make([]ProtocolData, 0, count)
	for i := 0; i < int(count); i++ {
		nameRaw, err := wire.ReadVarOctetString(r)
		if err != nil {
			return nil, fmt.Errorf("btp: malformed protocol-data name: %w", err)
		}
		if !utf8.Valid(nameRaw) {
			return nil, fmt.Errorf("btp: protocol-data name is not valid UTF-8")
		}
		name := string(nameRaw)
		if seen.Contains(name) {
			return nil, fmt.Errorf("btp: duplicate protocol-data sub-frame name %q", name)
		}
		seen.Add(name)

		ctRaw, err := wire.ReadVarOctetString(r)
		if err != nil {
			return nil, fmt.Errorf("btp: malformed protocol-data contentType: %w", err)
		}
		if !utf8.Valid(ctRaw) {
			return nil, fmt.Errorf("btp: protocol-data contentType is not valid UTF-8")
		}
		contentType := string(ctRaw)

		data, err := wire.ReadVarOctetString(r)
		if err != nil {
			return nil, fmt.Errorf("btp: malformed protocol-data payload: %w", err)
		}
		if contentType == snappyContentType && name != ilpProtocolDataName {
			decoded, err := snappy.Decode(nil, data)
			if err != nil {
				return nil, fmt.Errorf("btp: malformed snappy payload: %w", err)
			}
			data = decoded
		}
		out = append(out, ProtocolData{Name: name, ContentType: contentType, Data: data})
	}
	return out, nil
}

const errTimeLayout = time.RFC3339Nano

func encodeError(out *bytes.Buffer, ei *ErrorInfo) error {
	if len(ei.Code) != 3 {
		return fmt.Errorf("btp: error code must be 3 characters, got %q", ei.Code)
	}
	out.WriteString(ei.Code)
	if err := wire.WriteVarOctetString(out, []byte(ei.Name)); err != nil {
		return err
	}
	if err := wire.WriteVarOctetString(out, []byte(ei.TriggeredAt.UTC().Format(errTimeLayout))); err != nil {
		return err
	}
	return wire.WriteVarOctetString(out, ei.Data)
}

func decodeError(r *bytes.Reader) (*ErrorInfo, error) {
	code := make([]byte, 3)
	if n, err := r.Read(code); err != nil || n != 3 {
		return nil, fmt.Errorf("%w: short error code", wire.ErrShortBuffer)
	}
	nameRaw, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("btp: malformed error name: %w", err)
	}
	tsRaw, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("btp: malformed error triggeredAt: %w", err)
	}
	triggeredAt, err := time.Parse(errTimeLayout, string(tsRaw))
	if err != nil {
		return nil, fmt.Errorf("btp: malformed error triggeredAt: %w", err)
	}
	data, err := wire.ReadVarOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("btp: malformed error data: %w", err)
	}
	return &ErrorInfo{Code: string(code), Name: string(nameRaw), TriggeredAt: triggeredAt, Data: data}, nil
}
