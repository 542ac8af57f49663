package ilpaddr

import "testing"

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"g.alice.wallet": true,
		"g.alice":        true,
		"a":              true,
		"":               false,
		"G.alice":        false,
		".alice":         false,
		"g.alice!":       false,
	}
	for addr, want := range cases {
		if got := Valid(addr); got != want {
			t.Errorf("Valid(%q) = %v, want %v", addr, got, want)
		}
		// exercise the memoized path too
		if got := Valid(addr); got != want {
			t.Errorf("Valid(%q) (cached) = %v, want %v", addr, got, want)
		}
	}
}

func TestHasPrefix(t *testing.T) {
	cases := []struct {
		addr, prefix string
		want         bool
	}{
		{"g.alice.wallet", "g.alice", true},
		{"g.alice", "g.alice", true},
		{"g.alicebob", "g.alice", false},
		{"g.alice.wallet", "g.bob", false},
		{"g", "g.alice", false},
	}
	for _, c := range cases {
		if got := HasPrefix(c.addr, c.prefix); got != c.want {
			t.Errorf("HasPrefix(%q, %q) = %v, want %v", c.addr, c.prefix, got, c.want)
		}
	}
}
