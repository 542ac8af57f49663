// Package correlation attaches a short per-packet correlation id to every
// log line and event for that packet's lifetime, per spec.md §4.5/§7.
package correlation

import (
	"context"

	"github.com/pborman/uuid"
)

type contextKey struct{}

// New generates a fresh correlation id.
func New() string {
	return uuid.New()
}

// With returns a context carrying id, retrievable with From.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// From returns the correlation id carried by ctx, or "" if none is set.
func From(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
