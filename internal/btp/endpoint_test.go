package btp

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ilp-connector/connector/internal/ilp"
)

func testServerURL(t *testing.T, cfg ServerConfig) (*httptest.Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	hts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(hts.URL, "http")
	return hts, wsURL
}

func TestClientServerAuthAndForward(t *testing.T) {
	verifier := func(peerID string) (string, bool) {
		if peerID == "alice" {
			return "s3cret", true
		}
		return "", false
	}
	handler := func(ctx context.Context, fromPeerID string, preparePacket []byte) ([]byte, error) {
		prepare, err := ilp.DecodePrepare(preparePacket)
		if err != nil {
			return nil, err
		}
		fulfill := &ilp.Fulfill{Data: []byte("from " + prepare.Destination)}
		return fulfill.Encode()
	}

	hts, wsURL := testServerURL(t, ServerConfig{AuthVerifier: verifier, OnIncomingPrepare: handler})
	defer hts.Close()

	client := NewClient(DefaultClientConfig("alice", wsURL, "s3cret"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	var ep *Endpoint
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ep = client.Endpoint(); ep != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ep == nil {
		t.Fatal("client never authenticated")
	}

	prepare := &ilp.Prepare{
		Amount:      100,
		ExpiresAt:   time.Now().Add(30 * time.Second),
		Destination: "g.receiver.alice",
	}
	fulfill, reject, err := ep.SendPrepare(context.Background(), prepare)
	if err != nil {
		t.Fatalf("SendPrepare: %v", err)
	}
	if reject != nil {
		t.Fatalf("unexpected reject: %+v", reject)
	}
	if fulfill == nil || string(fulfill.Data) != "from g.receiver.alice" {
		t.Fatalf("unexpected fulfill: %+v", fulfill)
	}
}

func TestClientAuthenticationFailure(t *testing.T) {
	verifier := func(peerID string) (string, bool) { return "", false }
	hts, wsURL := testServerURL(t, ServerConfig{AuthVerifier: verifier})
	defer hts.Close()

	client := NewClient(DefaultClientConfig("bob", wsURL, "wrong"))
	_, err := client.connectOnce(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if _, ok := err.(*AuthenticationError); !ok {
		t.Fatalf("expected *AuthenticationError, got %T: %v", err, err)
	}
}

func TestForwardTimeoutFloor(t *testing.T) {
	now := time.Now()
	got := ForwardTimeout(now.Add(200*time.Millisecond), now)
	if got != forwardSafetyFloor {
		t.Fatalf("expected floor of %v, got %v", forwardSafetyFloor, got)
	}
	got = ForwardTimeout(now.Add(10*time.Second), now)
	want := 10*time.Second - 500*time.Millisecond
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPendingRequestBackpressure(t *testing.T) {
	hts, wsURL := testServerURL(t, ServerConfig{AuthVerifier: func(string) (string, bool) { return "s", true }})
	defer hts.Close()

	client := NewClient(DefaultClientConfig("carol", wsURL, "s"))
	ep, err := client.connectOnce(context.Background())
	if err != nil {
		t.Fatalf("connectOnce: %v", err)
	}
	defer ep.Disconnect(1000, "test done")

	ep.cfg.MaxPendingRequests = 1
	ep.pending[1] = &pendingEntry{resultCh: make(chan pendingResult, 1)}
	if _, _, err := ep.registerPending(time.Second); err == nil {
		t.Fatal("expected backpressure error once MaxPendingRequests is reached")
	}
	time.Sleep(20 * time.Millisecond) // let the forced disconnect goroutine settle
}

func TestRandomRequestIDsDiffer(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id := randomRequestID()
		if seen[id] {
			t.Fatalf("unexpected collision at iteration %d", i)
		}
		seen[id] = true
	}
}
