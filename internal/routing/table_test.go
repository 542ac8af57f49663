package routing

import "testing"

func TestGetNextHopLongestPrefix(t *testing.T) {
	tb := New()
	tb.AddRoute("g", "peerDefault", 0)
	tb.AddRoute("g.alice", "peerA", 0)
	tb.AddRoute("g.alice.wallet", "peerAWallet", 0)

	hop, ok := tb.GetNextHop("g.alice.wallet.sub")
	if !ok || hop != "peerAWallet" {
		t.Fatalf("got (%q, %v), want (peerAWallet, true)", hop, ok)
	}

	hop, ok = tb.GetNextHop("g.alice.other")
	if !ok || hop != "peerA" {
		t.Fatalf("got (%q, %v), want (peerA, true)", hop, ok)
	}

	hop, ok = tb.GetNextHop("g.bob")
	if !ok || hop != "peerDefault" {
		t.Fatalf("got (%q, %v), want (peerDefault, true)", hop, ok)
	}
}

func TestGetNextHopPriorityTieBreak(t *testing.T) {
	tb := New()
	tb.AddRoute("g.alice.wallet", "low", 0)
	tb.AddRoute("g.alice", "high", 10)

	hop, ok := tb.GetNextHop("g.alice.wallet")
	if !ok || hop != "high" {
		t.Fatalf("got (%q, %v), want (high, true)", hop, ok)
	}
}

func TestGetNextHopNoRoute(t *testing.T) {
	tb := New()
	if _, ok := tb.GetNextHop("g.anyone"); ok {
		t.Fatalf("expected no route")
	}
}

func TestRemoveRouteAndCacheInvalidation(t *testing.T) {
	tb := New()
	tb.AddRoute("g.alice", "peerA", 0)
	if _, ok := tb.GetNextHop("g.alice.wallet"); !ok {
		t.Fatal("expected route before removal")
	}
	tb.RemoveRoute("g.alice")
	if _, ok := tb.GetNextHop("g.alice.wallet"); ok {
		t.Fatal("expected no route after removal (cache should be invalidated)")
	}
}

func TestGetAllRoutes(t *testing.T) {
	tb := New()
	tb.AddRoute("g.alice", "peerA", 1)
	tb.AddRoute("g.bob", "peerB", 2)
	all := tb.GetAllRoutes()
	if len(all) != 2 {
		t.Fatalf("got %d routes, want 2", len(all))
	}
}
