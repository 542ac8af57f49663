package localdelivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStubFulfillsWithExecutionCondition(t *testing.T) {
	resp, err := Stub{}.Deliver(context.Background(), Request{ExecutionCondition: "deadbeef"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if resp.Fulfill == nil || resp.Fulfill.Fulfillment != "deadbeef" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFuncAdapter(t *testing.T) {
	called := false
	h := Func(func(ctx context.Context, req Request) (Response, error) {
		called = true
		return Response{Reject: &RejectResult{Code: "F99", Message: "no"}}, nil
	})
	resp, err := h.Deliver(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !called || resp.Reject == nil || resp.Reject.Code != "F99" {
		t.Fatalf("unexpected response: %+v called=%v", resp, called)
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	var received httpRequestBody
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(httpResponseBody{
			Fulfill: &FulfillResult{Fulfillment: "c3VjY2Vzcw=="},
		})
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL)
	req := Request{
		Destination:        "g.bob.wallet",
		AmountDecimal:      "100",
		ExecutionCondition: "Y29uZGl0aW9u",
		ExpiresAt:          time.Now().Add(time.Minute),
		Data:               "",
		SourcePeer:         "alice",
	}
	resp, err := client.Deliver(context.Background(), req)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if resp.Fulfill == nil || resp.Fulfill.Fulfillment != "c3VjY2Vzcw==" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if received.Destination != "g.bob.wallet" || received.Amount != "100" {
		t.Fatalf("unexpected request body observed by server: %+v", received)
	}
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL)
	if _, err := client.Deliver(context.Background(), Request{}); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
