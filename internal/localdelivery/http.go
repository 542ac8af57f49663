package localdelivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient forwards the request view as JSON to a configured URL and
// maps the response identically to the in-process Handler contract
// (spec.md §4.5 step 3, second bullet).
type HTTPClient struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPClient builds an HTTPClient with sane defaults.
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{URL: url, Client: http.DefaultClient, Timeout: 10 * time.Second}
}

type httpRequestBody struct {
	Destination        string `json:"destination"`
	Amount             string `json:"amount"`
	ExecutionCondition string `json:"executionCondition"`
	ExpiresAt          string `json:"expiresAt"`
	Data               string `json:"data"`
	SourcePeer         string `json:"sourcePeer"`
}

type httpResponseBody struct {
	Fulfill *FulfillResult `json:"fulfill"`
	Reject  *RejectResult  `json:"reject"`
}

func (h *HTTPClient) Deliver(ctx context.Context, req Request) (Response, error) {
	body := httpRequestBody{
		Destination:        req.Destination,
		Amount:             req.AmountDecimal,
		ExecutionCondition: req.ExecutionCondition,
		ExpiresAt:          req.ExpiresAt.UTC().Format(time.RFC3339),
		Data:               req.Data,
		SourcePeer:         req.SourcePeer,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("localdelivery: encoding request: %w", err)
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("localdelivery: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("localdelivery: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("localdelivery: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("localdelivery: handler returned status %d", resp.StatusCode)
	}

	var parsed httpResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("localdelivery: malformed response: %w", err)
	}
	return Response{Fulfill: parsed.Fulfill, Reject: parsed.Reject}, nil
}

var _ Handler = (*HTTPClient)(nil)
