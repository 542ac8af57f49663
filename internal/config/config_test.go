package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
node_id = "g.connector"
listen_addr = ":8080"
btp_path = "/btp"

[[peer]]
id = "alice"
url = "ws://alice.example/btp"
secret = "file-secret"

[[route]]
prefix = "g.alice"
next_hop = "alice"
priority = 10

[settlement]
enabled = true
fee_percentage = 0.1
ledger_dir = "/var/lib/connector/ledger"
shard_count = 1

[credit_limits]
default = "1000000"
global_ceiling = "5000000"

[credit_limits.per_peer]
alice = "2000000"

[[credit_limits.per_peer_token]]
peer_id = "alice"
token_id = "ILP"
limit = "1500000"

[[threshold]]
peer_id = "alice"
token_id = "ILP"
threshold = "900000"
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "connector.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatalf("writing sample config: %v", err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "g.connector" {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].ID != "alice" || cfg.Peers[0].Secret != "file-secret" {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].NextHop != "alice" {
		t.Fatalf("unexpected routes: %+v", cfg.Routes)
	}
	if !cfg.Settlement.Enabled || cfg.Settlement.FeePercentage != 0.1 {
		t.Fatalf("unexpected settlement config: %+v", cfg.Settlement)
	}
}

func TestEnvSecretOverridesFileSecret(t *testing.T) {
	path := writeSample(t)
	t.Setenv("BTP_PEER_ALICE_SECRET", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-secret", cfg.Peers[0].Secret)
}

func TestDuplicatePeerIDRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connector.toml")
	dup := sampleTOML + "\n[[peer]]\nid = \"alice\"\nurl = \"ws://alice2.example/btp\"\n"
	require.NoError(t, os.WriteFile(path, []byte(dup), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestCreditLimitsBuildsThreeLevelLookup(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	limits, err := cfg.CreditLimits.Limits()
	if err != nil {
		t.Fatalf("Limits: %v", err)
	}
	limit, bounded := limits.Effective("alice", "ILP")
	if !bounded || limit.Uint64() != 1500000 {
		t.Fatalf("expected token-specific limit 1500000, got %v bounded=%v", limit, bounded)
	}
	limit, bounded = limits.Effective("alice", "USD")
	if !bounded || limit.Uint64() != 2000000 {
		t.Fatalf("expected per-peer limit 2000000, got %v bounded=%v", limit, bounded)
	}
	limit, bounded = limits.Effective("bob", "ILP")
	if !bounded || limit.Uint64() != 1000000 {
		t.Fatalf("expected default limit 1000000, got %v bounded=%v", limit, bounded)
	}
}

func TestThresholdsBuildsPairsAndLimits(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	limits, pairs, err := Thresholds(cfg.Thresholds)
	if err != nil {
		t.Fatalf("Thresholds: %v", err)
	}
	if len(pairs) != 1 || pairs[0] != ([2]string{"alice", "ILP"}) {
		t.Fatalf("unexpected pairs: %+v", pairs)
	}
	limit, bounded := limits.Effective("alice", "ILP")
	if !bounded || limit.Uint64() != 900000 {
		t.Fatalf("unexpected threshold limit: %v bounded=%v", limit, bounded)
	}
}
