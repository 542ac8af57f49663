package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/ilp-connector/connector/internal/logctx"
)

// balanceCacheBytes bounds the in-memory read cache fronting every shard's
// LevelDB balance lookups. CheckCreditLimit and DebitBalance both run on
// the per-packet hot path (spec.md §4.5 step 5, §4.6's polling monitor),
// so a hit avoids a disk read for the common case of a handful of peers
// transacting repeatedly.
const balanceCacheBytes = 32 * 1024 * 1024

// shardDB pairs one LevelDB handle with the mutex that gives it the
// internal serialization spec.md §5 requires ("Ledger: internally
// serialized by its own transactional store").
type shardDB struct {
	idx int
	db  *leveldb.DB
	mu  sync.Mutex
}

func (s *shardDB) String() string { return fmt.Sprintf("shard-%d", s.idx) }

type xxHasher struct{}

func (xxHasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// LevelDBLedger is a persistent Ledger backed by one or more embedded
// LevelDB databases (spec_full.md §4.6). With the default shard count of 1
// every RecordPacketTransfers call is a single atomic leveldb.Batch write;
// with more shards, the account keyspace is distributed across independent
// databases by consistent hashing on peerId, and a transfer whose two legs
// land on different shards is committed leg-by-leg after an idempotency
// check on a coordinator shard (see DESIGN.md).
type LevelDBLedger struct {
	shards   []*shardDB
	ring     *consistent.Consistent
	balances *fastcache.Cache
	logger   *logctx.Logger

	limitsMu sync.RWMutex
	limits   Limits
}

// OpenLevelDBLedger opens (creating if absent) shardCount LevelDB databases
// under baseDir. shardCount < 1 is treated as 1.
func OpenLevelDBLedger(baseDir string, shardCount int, limits Limits) (*LevelDBLedger, error) {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shardDB, shardCount)
	members := make([]consistent.Member, shardCount)
	for i := 0; i < shardCount; i++ {
		dir := filepath.Join(baseDir, fmt.Sprintf("shard-%d", i))
		db, err := leveldb.OpenFile(dir, nil)
		if err != nil {
			for _, opened := range shards[:i] {
				_ = opened.db.Close()
			}
			return nil, fmt.Errorf("ledger: opening shard %d at %s: %w", i, dir, err)
		}
		shards[i] = &shardDB{idx: i, db: db}
		members[i] = shards[i]
	}
	ring := consistent.New(members, consistent.Config{
		Hasher:            xxHasher{},
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
	})
	return &LevelDBLedger{
		shards:   shards,
		ring:     ring,
		limits:   limits,
		balances: fastcache.New(balanceCacheBytes),
		logger:   logctx.New("component", "ledger.leveldb"),
	}, nil
}

// SetLimits replaces the credit limits CheckCreditLimit evaluates against,
// letting the connector pick up a config-file edit without a restart
// (spec.md §5).
func (l *LevelDBLedger) SetLimits(limits Limits) {
	l.limitsMu.Lock()
	l.limits = limits
	l.limitsMu.Unlock()
}

// Close closes every shard's database handle.
func (l *LevelDBLedger) Close() error {
	var firstErr error
	for _, s := range l.shards {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *LevelDBLedger) shardFor(peerID string) *shardDB {
	if len(l.shards) == 1 {
		return l.shards[0]
	}
	member := l.ring.LocateKey([]byte(peerID))
	return member.(*shardDB)
}

func debitKey(peerID, tokenID string) []byte {
	return []byte(fmt.Sprintf("bal:%s:%s:debit", peerID, tokenID))
}

func creditKey(peerID, tokenID string) []byte {
	return []byte(fmt.Sprintf("bal:%s:%s:credit", peerID, tokenID))
}

func idempotencyKey(incoming, outgoing TransferID) []byte {
	return []byte(fmt.Sprintf("xfer:%s:%s", incoming, outgoing))
}

// getBalance reads a balance, consulting the read-through cache before
// falling back to the shard's LevelDB handle.
func (l *LevelDBLedger) getBalance(db *leveldb.DB, key []byte) (*uint256.Int, error) {
	if cached, ok := l.balances.HasGet(nil, key); ok {
		var v uint256.Int
		v.SetBytes(cached)
		return &v, nil
	}
	raw, err := db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		l.balances.Set(key, nil)
		return uint256.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	l.balances.Set(key, raw)
	var v uint256.Int
	v.SetBytes(raw)
	return &v, nil
}

func putBalance(batch *leveldb.Batch, key []byte, v *uint256.Int) {
	batch.Put(key, v.Bytes())
}

// cacheBalance updates the read-through cache after a successful write,
// keeping it consistent with what was just committed to disk.
func (l *LevelDBLedger) cacheBalance(key []byte, v *uint256.Int) {
	l.balances.Set(key, v.Bytes())
}

// CheckCreditLimit implements Ledger.
func (l *LevelDBLedger) CheckCreditLimit(ctx context.Context, peerID, tokenID string, proposedAmount *uint256.Int) (*Violation, error) {
	s := l.shardFor(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := l.getBalance(s.db, debitKey(peerID, tokenID))
	if err != nil {
		return nil, fmt.Errorf("ledger: reading debit balance: %w", err)
	}
	l.limitsMu.RLock()
	limits := l.limits
	l.limitsMu.RUnlock()
	return evaluateCreditLimit(limits, peerID, tokenID, current, proposedAmount), nil
}

// DebitBalance implements Ledger.
func (l *LevelDBLedger) DebitBalance(ctx context.Context, peerID, tokenID string) (*uint256.Int, error) {
	s := l.shardFor(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.getBalance(s.db, debitKey(peerID, tokenID))
}

// RecordPacketTransfers implements Ledger. It posts the incoming leg
// (increase fromPeerID's debit-side balance) and the outgoing leg (increase
// toPeerID's credit-side balance) per spec.md §4.6.
func (l *LevelDBLedger) RecordPacketTransfers(ctx context.Context, p TransferParams) error {
	from := l.shardFor(p.FromPeerID)
	to := l.shardFor(p.ToPeerID)
	coordinator := l.shards[0]

	unique := uniqueShards(coordinator, from, to)
	unlock := lockAll(unique)
	defer unlock()

	idemKey := idempotencyKey(p.IncomingID, p.OutgoingID)
	done, err := coordinator.db.Has(idemKey, nil)
	if err != nil {
		return fmt.Errorf("ledger: idempotency check: %w", err)
	}
	if done {
		return nil // spec.md §4.6: repeat calls with the same ids are a no-op
	}

	fromDebit, err := l.getBalance(from.db, debitKey(p.FromPeerID, p.TokenID))
	if err != nil {
		return fmt.Errorf("ledger: reading %s debit balance: %w", p.FromPeerID, err)
	}
	toCredit, err := l.getBalance(to.db, creditKey(p.ToPeerID, p.TokenID))
	if err != nil {
		return fmt.Errorf("ledger: reading %s credit balance: %w", p.ToPeerID, err)
	}
	newFromDebit := new(uint256.Int).Add(fromDebit, p.IncomingAmount)
	newToCredit := new(uint256.Int).Add(toCredit, p.OutgoingAmount)

	if from == to && from == coordinator {
		// The common case (default shardCount=1, or both peers happen to
		// hash to the same shard as the coordinator): one atomic batch.
		batch := new(leveldb.Batch)
		batch.Put(idemKey, []byte{1})
		putBalance(batch, debitKey(p.FromPeerID, p.TokenID), newFromDebit)
		putBalance(batch, creditKey(p.ToPeerID, p.TokenID), newToCredit)
		if err := from.db.Write(batch, nil); err != nil {
			return err
		}
		l.cacheBalance(debitKey(p.FromPeerID, p.TokenID), newFromDebit)
		l.cacheBalance(creditKey(p.ToPeerID, p.TokenID), newToCredit)
		return nil
	}

	// Cross-shard: the idempotency marker and the "from" leg commit
	// together on the coordinator/from shard; the "to" leg commits
	// separately. A crash between the two writes is possible; see
	// DESIGN.md for why this is an accepted trade-off of optional sharding
	// rather than a violation of the single-shard atomicity contract.
	coordBatch := new(leveldb.Batch)
	coordBatch.Put(idemKey, []byte{1})
	if from == coordinator {
		putBalance(coordBatch, debitKey(p.FromPeerID, p.TokenID), newFromDebit)
	}
	if err := coordinator.db.Write(coordBatch, nil); err != nil {
		return fmt.Errorf("ledger: writing coordinator batch: %w", err)
	}
	if from == coordinator {
		l.cacheBalance(debitKey(p.FromPeerID, p.TokenID), newFromDebit)
	}
	if from != coordinator {
		fromBatch := new(leveldb.Batch)
		putBalance(fromBatch, debitKey(p.FromPeerID, p.TokenID), newFromDebit)
		if err := from.db.Write(fromBatch, nil); err != nil {
			return fmt.Errorf("ledger: writing incoming leg: %w", err)
		}
		l.cacheBalance(debitKey(p.FromPeerID, p.TokenID), newFromDebit)
	}
	if to != coordinator {
		toBatch := new(leveldb.Batch)
		putBalance(toBatch, creditKey(p.ToPeerID, p.TokenID), newToCredit)
		if err := to.db.Write(toBatch, nil); err != nil {
			return fmt.Errorf("ledger: writing outgoing leg: %w", err)
		}
		l.cacheBalance(creditKey(p.ToPeerID, p.TokenID), newToCredit)
	} else if to == coordinator && from != coordinator {
		toBatch := new(leveldb.Batch)
		putBalance(toBatch, creditKey(p.ToPeerID, p.TokenID), newToCredit)
		if err := coordinator.db.Write(toBatch, nil); err != nil {
			return fmt.Errorf("ledger: writing outgoing leg: %w", err)
		}
		l.cacheBalance(creditKey(p.ToPeerID, p.TokenID), newToCredit)
	}
	return nil
}

func uniqueShards(shards ...*shardDB) []*shardDB {
	seen := make(map[int]*shardDB, len(shards))
	for _, s := range shards {
		seen[s.idx] = s
	}
	out := make([]*shardDB, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].idx < out[j].idx })
	return out
}

func lockAll(shards []*shardDB) func() {
	for _, s := range shards {
		s.mu.Lock()
	}
	return func() {
		for i := len(shards) - 1; i >= 0; i-- {
			shards[i].mu.Unlock()
		}
	}
}

var _ Ledger = (*LevelDBLedger)(nil)
