package ilp

import (
	"bytes"
	"testing"
	"time"
)

func TestPrepareRoundTrip(t *testing.T) {
	cond := [32]byte{}
	for i := range cond {
		cond[i] = 0xAA
	}
	p := &Prepare{
		Amount:             1000,
		ExpiresAt:          time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		ExecutionCondition: cond,
		Destination:        "g.alice.wallet",
		Data:               []byte("hello"),
	}
	enc, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePrepare(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Amount != p.Amount || got.Destination != p.Destination || !bytes.Equal(got.Data, p.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, p)
	}
	if !got.ExpiresAt.Equal(p.ExpiresAt) {
		t.Fatalf("expiresAt mismatch: %v vs %v", got.ExpiresAt, p.ExpiresAt)
	}
	if got.ExecutionCondition != p.ExecutionCondition {
		t.Fatalf("condition mismatch")
	}
}

func TestPrepareRoundTripLargeData(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 4000)
	p := &Prepare{
		Amount:      1,
		ExpiresAt:   time.Now().UTC().Truncate(time.Millisecond),
		Destination: "g.bob",
		Data:        data,
	}
	enc, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePrepare(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("large data mismatch")
	}
}

func TestFulfillRoundTrip(t *testing.T) {
	f := &Fulfill{Data: []byte("abc")}
	for i := range f.Fulfillment {
		f.Fulfillment[i] = byte(i)
	}
	enc, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeFulfill(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fulfillment != f.Fulfillment || !bytes.Equal(got.Data, f.Data) {
		t.Fatalf("fulfill round trip mismatch")
	}
}

func TestRejectRoundTrip(t *testing.T) {
	r := &Reject{Code: "F02", TriggeredBy: "g.connector", Message: "No route to destination: g.x"}
	enc, err := r.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeReject(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != r.Code || got.TriggeredBy != r.TriggeredBy || got.Message != r.Message || !bytes.Equal(got.Data, r.Data) {
		t.Fatalf("reject round trip mismatch: %+v vs %+v", got, r)
	}
}

func TestDecodeWrongType(t *testing.T) {
	f := &Fulfill{}
	enc, _ := f.Encode()
	if _, err := DecodePrepare(enc); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestCloneIndependentData(t *testing.T) {
	p := &Prepare{Data: []byte("abc")}
	c := p.Clone()
	c.Data[0] = 'z'
	if p.Data[0] != 'a' {
		t.Fatalf("Clone aliased Data slice")
	}
}
