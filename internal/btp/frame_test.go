package btp

import (
	"bytes"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Type:      TypeMessage,
		RequestID: 42,
		ProtocolData: []ProtocolData{
			{Name: "ilp", ContentType: "application/octet-stream", Data: []byte{1, 2, 3}},
		},
	}
	encoded, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeMessage || decoded.RequestID != 42 {
		t.Fatalf("unexpected header: %+v", decoded)
	}
	packet, ok := decoded.ILPPacket()
	if !ok || !bytes.Equal(packet, []byte{1, 2, 3}) {
		t.Fatalf("unexpected ilp packet: %v ok=%v", packet, ok)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	msg := &Message{
		Type:      TypeError,
		RequestID: 7,
		Error: &ErrorInfo{
			Code:        "F00",
			Name:        "NotAcceptedError",
			TriggeredAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			Data:        []byte("details"),
		},
	}
	encoded, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Error.Code != "F00" || decoded.Error.Name != "NotAcceptedError" {
		t.Fatalf("unexpected error info: %+v", decoded.Error)
	}
	if !decoded.Error.TriggeredAt.Equal(msg.Error.TriggeredAt) {
		t.Fatalf("triggeredAt mismatch: got %v want %v", decoded.Error.TriggeredAt, msg.Error.TriggeredAt)
	}
	if string(decoded.Error.Data) != "details" {
		t.Fatalf("data mismatch: %q", decoded.Error.Data)
	}
}

func TestDuplicateProtocolDataNameRejected(t *testing.T) {
	msg := &Message{
		Type:      TypeMessage,
		RequestID: 1,
		ProtocolData: []ProtocolData{
			{Name: "auth", ContentType: "application/json", Data: []byte("{}")},
			{Name: "auth", ContentType: "application/json", Data: []byte("{}")},
		},
	}
	encoded, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded); err == nil {
		t.Fatal("expected duplicate protocol-data name to be rejected")
	}
}

func TestSnappyCompressedSubFrame(t *testing.T) {
	payload := bytes.Repeat([]byte("interledger"), 50)
	msg := &Message{
		Type:      TypeMessage,
		RequestID: 9,
		ProtocolData: []ProtocolData{
			{Name: "extra", ContentType: snappyContentType, Data: payload},
		},
	}
	encoded, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.ProtocolData[0].Data, payload) {
		t.Fatalf("payload mismatch after snappy round trip")
	}
}

func TestShortBufferRejected(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatal("expected short buffer to be rejected")
	}
}
