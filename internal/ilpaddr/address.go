// Package ilpaddr validates and compares ILP addresses.
package ilpaddr

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

var pattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._~-]*$`)

const validationCacheSize = 4096

var validationCache *lru.Cache

func init() {
	c, err := lru.New(validationCacheSize)
	if err != nil {
		panic(err)
	}
	validationCache = c
}

// Valid reports whether addr is a well-formed ILP address: a dot-separated,
// lowercase identifier matching ^[a-z0-9][a-z0-9._~-]*$. Results are
// memoized since the same destinations recur on the forwarding hot path.
func Valid(addr string) bool {
	if addr == "" {
		return false
	}
	if v, ok := validationCache.Get(addr); ok {
		return v.(bool)
	}
	ok := pattern.MatchString(addr)
	validationCache.Add(addr, ok)
	return ok
}

// HasPrefix reports whether addr is equal to prefix or has prefix as a
// dot-segment-respecting prefix. A raw string-prefix match alone would let
// "g.alice" match "g.alicebob", so the character right after prefix must
// be '.'.
func HasPrefix(addr, prefix string) bool {
	if prefix == "" {
		return false
	}
	if addr == prefix {
		return true
	}
	if !strings.HasPrefix(addr, prefix) {
		return false
	}
	return addr[len(prefix)] == '.'
}
