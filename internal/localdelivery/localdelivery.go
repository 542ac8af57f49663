// Package localdelivery implements the local-delivery handler contract
// from spec.md §4.5 step 3 and §6.4: the terminal hop of a packet whose
// next hop is this node.
package localdelivery

import (
	"context"
	"time"
)

// Request is the view handed to every local-delivery transport (spec.md
// §6.4): `(destination, amount as decimal string, executionCondition
// base64, expiresAt ISO-8601, data base64, sourcePeer)`.
type Request struct {
	Destination        string
	AmountDecimal      string
	ExecutionCondition string // base64
	ExpiresAt          time.Time
	Data               string // base64
	SourcePeer         string
}

// FulfillResult is the handler outcome `{fulfill: {fulfillment, data?}}`.
type FulfillResult struct {
	Fulfillment string // base64, 32 bytes decoded
	Data        string // base64, optional
}

// RejectResult is the handler outcome `{reject: {code, message, data?}}`.
type RejectResult struct {
	Code    string
	Message string
	Data    string // base64, optional
}

// Response is exactly one of Fulfill or Reject; both nil or both non-nil is
// a caller error -- Handler implementations return at most one.
type Response struct {
	Fulfill *FulfillResult
	Reject  *RejectResult
}

// Handler is the local-delivery transport seam (spec.md §9 null-object
// guidance: the packet handler only branches on "is a handler configured",
// never on transport type).
type Handler interface {
	Deliver(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to Handler, for in-process delivery
// (spec.md §4.5 step 3, first bullet).
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Deliver(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Stub is the educational default from spec.md §4.5 step 3: fulfillment is
// set to the execution condition itself.
type Stub struct{}

func (Stub) Deliver(_ context.Context, req Request) (Response, error) {
	return Response{Fulfill: &FulfillResult{Fulfillment: req.ExecutionCondition}}, nil
}

var (
	_ Handler = Func(nil)
	_ Handler = Stub{}
)
