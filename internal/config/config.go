// Package config loads the connector's TOML configuration file and watches
// it for the runtime-mutable sections spec.md §5 calls out: routes,
// credit limits, and settlement thresholds. Peer secrets may be overridden
// by environment variables so they never need to sit in a file on disk.
package config

import (
	"fmt"
	"os"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"github.com/holiman/uint256"
	"github.com/naoina/toml"

	"github.com/ilp-connector/connector/internal/ledger"
)

// PeerConfig describes one configured peer connection (spec.md §3).
type PeerConfig struct {
	ID string `toml:"id"`
	// URL is set for peers this node dials out to as a BTP client; left
	// empty for peers that only ever dial in.
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
}

// RouteConfig is one static routing table entry (spec.md §3).
type RouteConfig struct {
	Prefix   string `toml:"prefix"`
	NextHop  string `toml:"next_hop"`
	Priority int    `toml:"priority"`
}

// PerPeerTokenLimit is one entry of the token-specific-per-peer credit
// limit level (spec.md §3's three-level lookup).
type PerPeerTokenLimit struct {
	PeerID  string `toml:"peer_id"`
	TokenID string `toml:"token_id"`
	Limit   string `toml:"limit"` // decimal string
}

// CreditLimitsConfig mirrors ledger.Limits in a TOML-friendly, decimal-string
// shape.
type CreditLimitsConfig struct {
	PerPeerToken  []PerPeerTokenLimit `toml:"per_peer_token"`
	PerPeer       map[string]string   `toml:"per_peer"`
	Default       string              `toml:"default"`
	GlobalCeiling string              `toml:"global_ceiling"`
}

// ThresholdConfig is one settlement-monitor watch target (spec.md §4.6).
type ThresholdConfig struct {
	PeerID    string `toml:"peer_id"`
	TokenID   string `toml:"token_id"`
	Threshold string `toml:"threshold"` // decimal string
}

// SettlementConfig turns on fee deduction and credit-limit enforcement for
// forwarded packets (spec.md §4.5 step 5).
type SettlementConfig struct {
	Enabled       bool    `toml:"enabled"`
	FeePercentage float64 `toml:"fee_percentage"`
	LedgerDir     string  `toml:"ledger_dir"`
	ShardCount    int     `toml:"shard_count"`
}

// Config is the connector's full runtime configuration.
type Config struct {
	NodeID     string `toml:"node_id"`
	ListenAddr string `toml:"listen_addr"`
	BTPPath    string `toml:"btp_path"`

	Peers  []PeerConfig  `toml:"peer"`
	Routes []RouteConfig `toml:"route"`

	Settlement   SettlementConfig    `toml:"settlement"`
	CreditLimits CreditLimitsConfig  `toml:"credit_limits"`
	Thresholds   []ThresholdConfig   `toml:"threshold"`

	LocalDeliveryURL string `toml:"local_delivery_url"`
}

// Load reads and parses the TOML file at path, then applies any
// BTP_PEER_<ID>_SECRET environment overrides (spec.md §5: secrets never
// need to live in the config file itself).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := checkUniquePeerIDs(cfg.Peers); err != nil {
		return nil, err
	}
	applyEnvSecrets(&cfg)
	return &cfg, nil
}

// checkUniquePeerIDs rejects a config file that declares the same peer id
// twice, which would otherwise silently let the second [[peer]] entry's
// secret and URL clobber the first's.
func checkUniquePeerIDs(peers []PeerConfig) error {
	seen := mapset.NewThreadUnsafeSet()
	for _, p := range peers {
		if seen.Contains(p.ID) {
			return fmt.Errorf("config: duplicate peer id %q", p.ID)
		}
		seen.Add(p.ID)
	}
	return nil
}

func applyEnvSecrets(cfg *Config) {
	for i := range cfg.Peers {
		envName := "BTP_PEER_" + sanitizeEnvSegment(cfg.Peers[i].ID) + "_SECRET"
		if v, ok := os.LookupEnv(envName); ok {
			cfg.Peers[i].Secret = v
		}
	}
}

func sanitizeEnvSegment(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}

// Limits converts CreditLimitsConfig's decimal strings into a ledger.Limits
// ready for use by the settlement core.
func (c CreditLimitsConfig) Limits() (ledger.Limits, error) {
	limits := ledger.Limits{
		PerPeerToken: make(map[string]map[string]*uint256.Int),
		PerPeer:      make(map[string]*uint256.Int),
	}
	for _, e := range c.PerPeerToken {
		v, err := parseDecimal(e.Limit)
		if err != nil {
			return ledger.Limits{}, fmt.Errorf("config: credit limit for %s/%s: %w", e.PeerID, e.TokenID, err)
		}
		if limits.PerPeerToken[e.PeerID] == nil {
			limits.PerPeerToken[e.PeerID] = make(map[string]*uint256.Int)
		}
		limits.PerPeerToken[e.PeerID][e.TokenID] = v
	}
	for peerID, raw := range c.PerPeer {
		v, err := parseDecimal(raw)
		if err != nil {
			return ledger.Limits{}, fmt.Errorf("config: credit limit for %s: %w", peerID, err)
		}
		limits.PerPeer[peerID] = v
	}
	if c.Default != "" {
		v, err := parseDecimal(c.Default)
		if err != nil {
			return ledger.Limits{}, fmt.Errorf("config: default credit limit: %w", err)
		}
		limits.Default = v
	}
	if c.GlobalCeiling != "" {
		v, err := parseDecimal(c.GlobalCeiling)
		if err != nil {
			return ledger.Limits{}, fmt.Errorf("config: global ceiling: %w", err)
		}
		limits.GlobalCeiling = v
	}
	return limits, nil
}

// pair returns the (peerId, tokenId) key this threshold watches.
func (t ThresholdConfig) pair() [2]string { return [2]string{t.PeerID, t.TokenID} }

// Thresholds builds the (peerId, tokenId) watch list for ledger.NewMonitor
// and the ledger.Limits a Monitor should evaluate against: per-(peer,token)
// settlement thresholds, expressed the same way credit limits are.
func Thresholds(cfgs []ThresholdConfig) (ledger.Limits, [][2]string, error) {
	limits := ledger.Limits{PerPeerToken: make(map[string]map[string]*uint256.Int)}
	pairs := make([][2]string, 0, len(cfgs))
	for _, t := range cfgs {
		v, err := parseDecimal(t.Threshold)
		if err != nil {
			return ledger.Limits{}, nil, fmt.Errorf("config: threshold for %s/%s: %w", t.PeerID, t.TokenID, err)
		}
		if limits.PerPeerToken[t.PeerID] == nil {
			limits.PerPeerToken[t.PeerID] = make(map[string]*uint256.Int)
		}
		limits.PerPeerToken[t.PeerID][t.TokenID] = v
		pairs = append(pairs, t.pair())
	}
	return limits, pairs, nil
}

func parseDecimal(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal amount %q: %w", s, err)
	}
	return v, nil
}
