package registry

import (
	"context"
	"testing"
	"time"

	"github.com/ilp-connector/connector/internal/ilp"
)

type fakeSession struct {
	id       string
	fulfill  *ilp.Fulfill
	reject   *ilp.Reject
	err      error
	sendHits int
}

func (f *fakeSession) PeerID() string { return f.id }

func (f *fakeSession) SendPrepare(ctx context.Context, prepare *ilp.Prepare) (*ilp.Fulfill, *ilp.Reject, error) {
	f.sendHits++
	return f.fulfill, f.reject, f.err
}

func testPrepare() *ilp.Prepare {
	return &ilp.Prepare{Amount: 10, ExpiresAt: time.Now().Add(time.Minute), Destination: "g.bob"}
}

func TestSendToPeerPrefersOutbound(t *testing.T) {
	r := New()
	out := &fakeSession{id: "bob", fulfill: &ilp.Fulfill{Data: []byte("out")}}
	in := &fakeSession{id: "bob", fulfill: &ilp.Fulfill{Data: []byte("in")}}
	r.AddOutbound("bob", out)
	r.AddInbound("bob", in)

	fulfill, _, err := r.SendToPeer(context.Background(), "bob", testPrepare())
	if err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}
	if string(fulfill.Data) != "out" {
		t.Fatalf("expected outbound session to be preferred, got %q", fulfill.Data)
	}
	if out.sendHits != 1 || in.sendHits != 0 {
		t.Fatalf("unexpected send distribution: out=%d in=%d", out.sendHits, in.sendHits)
	}
}

func TestSendToPeerFallsBackToInbound(t *testing.T) {
	r := New()
	in := &fakeSession{id: "bob", fulfill: &ilp.Fulfill{Data: []byte("in")}}
	r.AddInbound("bob", in)

	fulfill, _, err := r.SendToPeer(context.Background(), "bob", testPrepare())
	if err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}
	if string(fulfill.Data) != "in" {
		t.Fatalf("expected inbound session fallback, got %q", fulfill.Data)
	}
}

func TestSendToPeerUnreachable(t *testing.T) {
	r := New()
	_, _, err := r.SendToPeer(context.Background(), "nobody", testPrepare())
	if err != ErrPeerUnreachable {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}
}

func TestRemoveOutboundPrunesPeer(t *testing.T) {
	r := New()
	out := &fakeSession{id: "bob"}
	r.AddOutbound("bob", out)
	if !r.Connected("bob") {
		t.Fatal("expected bob to be connected")
	}
	r.RemoveOutbound("bob", out)
	if r.Connected("bob") {
		t.Fatal("expected bob to be disconnected after removing its only session")
	}
}

func TestRemoveOutboundIgnoresStaleSession(t *testing.T) {
	r := New()
	first := &fakeSession{id: "bob"}
	second := &fakeSession{id: "bob"}
	r.AddOutbound("bob", first)
	r.AddOutbound("bob", second) // reconnect races the old disconnect callback
	r.RemoveOutbound("bob", first)
	if !r.Connected("bob") {
		t.Fatal("stale disconnect callback should not evict the newer session")
	}
}
