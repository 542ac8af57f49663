// Package routing implements the connector's longest-prefix-match routing
// table, per spec.md §4.1.
package routing

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ilp-connector/connector/internal/ilpaddr"
)

// LocalPeerID is the special next-hop value (or the literal local node id)
// meaning "deliver locally" (spec.md §3, §4.1).
const LocalPeerID = "local"

// Entry is one routing table row (spec.md §3).
type Entry struct {
	Prefix   string
	NextHop  string
	Priority int
}

const lookupCacheSize = 4096

// Table is a single-writer/many-reader routing table. Reads are expected
// to occur once per forwarded packet; writes are rare admin operations
// (spec.md §5).
type Table struct {
	mu      sync.RWMutex
	entries []Entry // insertion order, used as the final tie-break
	cache   *lru.Cache
}

// New returns an empty routing table.
func New() *Table {
	c, err := lru.New(lookupCacheSize)
	if err != nil {
		panic(err)
	}
	return &Table{cache: c}
}

// AddRoute inserts or replaces the route for prefix.
func (t *Table) AddRoute(prefix, nextHop string, priority int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Prefix == prefix {
			t.entries[i].NextHop = nextHop
			t.entries[i].Priority = priority
			t.cache.Purge()
			return
		}
	}
	t.entries = append(t.entries, Entry{Prefix: prefix, NextHop: nextHop, Priority: priority})
	t.cache.Purge()
}

// RemoveRoute deletes the route for prefix, if any.
func (t *Table) RemoveRoute(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Prefix == prefix {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.cache.Purge()
			return
		}
	}
}

// GetAllRoutes returns a snapshot of every configured route.
func (t *Table) GetAllRoutes() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// GetNextHop returns the next-hop peer id for destination, and false if no
// route matches. Among all entries whose prefix is a dot-segment-respecting
// prefix of (or equal to) destination, the highest-priority entry wins;
// ties are broken by longest prefix, then by insertion order (spec.md §4.1).
func (t *Table) GetNextHop(destination string) (string, bool) {
	if cached, ok := t.cache.Get(destination); ok {
		hit := cached.(cacheEntry)
		return hit.nextHop, hit.found
	}
	nextHop, found := t.lookup(destination)
	t.cache.Add(destination, cacheEntry{nextHop: nextHop, found: found})
	return nextHop, found
}

type cacheEntry struct {
	nextHop string
	found   bool
}

func (t *Table) lookup(destination string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Entry
	for i := range t.entries {
		e := &t.entries[i]
		if !ilpaddr.HasPrefix(destination, e.Prefix) {
			continue
		}
		switch {
		case best == nil:
			best = e
		case e.Priority > best.Priority:
			best = e
		case e.Priority == best.Priority && len(e.Prefix) > len(best.Prefix):
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.NextHop, true
}
