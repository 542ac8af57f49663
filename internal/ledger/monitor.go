package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/ilp-connector/connector/internal/events"
	"github.com/ilp-connector/connector/internal/logctx"
)

// State is a (peerId, tokenId) pair's position in the settlement-threshold
// state machine (spec.md §4.6).
type State int

const (
	StateIdle State = iota
	StatePending
	StateInProgress
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePending:
		return "SETTLEMENT_PENDING"
	case StateInProgress:
		return "SETTLEMENT_IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

func uint256Decimal(v *uint256.Int) string {
	return decimal.NewFromBigInt(v.ToBig(), 0).String()
}

type pairKey struct {
	peerID  string
	tokenID string
}

// Monitor polls each configured (peerId, tokenId) pair's debit balance on
// an interval and drives the IDLE -> SETTLEMENT_PENDING ->
// SETTLEMENT_IN_PROGRESS -> IDLE state machine (spec.md §4.6).
type Monitor struct {
	ledger   Ledger
	sink     events.Sink
	interval time.Duration
	logger   *logctx.Logger

	mu         sync.Mutex
	thresholds Limits
	pairs      []pairKey
	state      map[pairKey]State
}

// NewMonitor builds a Monitor watching the given (peerId, tokenId) pairs.
// interval <= 0 uses the spec's documented default of 30s.
func NewMonitor(l Ledger, thresholds Limits, sink events.Sink, interval time.Duration, pairs [][2]string) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if sink == nil {
		sink = events.DiscardSink{}
	}
	keys := make([]pairKey, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, pairKey{peerID: p[0], tokenID: p[1]})
	}
	return &Monitor{
		ledger:     l,
		thresholds: thresholds,
		sink:       sink,
		interval:   interval,
		pairs:      keys,
		state:      make(map[pairKey]State),
		logger:     logctx.New("component", "ledger.monitor"),
	}
}

// Run polls until ctx is canceled. Intended to run in its own goroutine,
// supervised by an errgroup per spec_full.md §5 -- its failures are logged,
// never fatal to packet forwarding.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// SetThresholds replaces the watched (peerId, tokenId) pairs and their
// threshold limits, letting the connector pick up a config-file edit
// without a restart (spec.md §5). Pairs dropped from the new list keep
// whatever state they were last in; they simply stop being polled.
func (m *Monitor) SetThresholds(thresholds Limits, pairs [][2]string) {
	keys := make([]pairKey, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, pairKey{peerID: p[0], tokenID: p[1]})
	}
	m.mu.Lock()
	m.thresholds = thresholds
	m.pairs = keys
	m.mu.Unlock()
}

func (m *Monitor) poll(ctx context.Context) {
	m.mu.Lock()
	pairs := make([]pairKey, len(m.pairs))
	copy(pairs, m.pairs)
	thresholds := m.thresholds
	m.mu.Unlock()

	for _, key := range pairs {
		threshold, bounded := thresholds.Effective(key.peerID, key.tokenID)
		if !bounded {
			continue
		}
		balance, err := m.ledger.DebitBalance(ctx, key.peerID, key.tokenID)
		if err != nil {
			m.logger.Warn("monitor: reading debit balance failed", "peer", key.peerID, "token", key.tokenID, "err", err)
			continue
		}
		m.evaluate(key, balance, threshold)
	}
}

func (m *Monitor) evaluate(key pairKey, balance, threshold *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exceeds := balance.Gt(threshold)
	cur := m.state[key]
	switch cur {
	case StateIdle:
		if exceeds {
			m.state[key] = StatePending
			exceedsBy := new(uint256.Int).Sub(balance, threshold)
			m.sink.Emit(events.Event{
				Type:      events.TypeSettlementRequired,
				PeerID:    key.peerID,
				Timestamp: time.Now().UTC(),
				Fields: map[string]string{
					"tokenId":        key.tokenID,
					"currentBalance": uint256Decimal(balance),
					"threshold":      uint256Decimal(threshold),
					"exceedsBy":      uint256Decimal(exceedsBy),
				},
			})
		}
	case StatePending:
		if !exceeds {
			m.state[key] = StateIdle
		}
	case StateInProgress:
		// No event while settlement is already underway (invariant 10).
	}
}

// MarkInProgress transitions a pair from SETTLEMENT_PENDING to
// SETTLEMENT_IN_PROGRESS when an external settlement executor starts work.
// Any other starting state is an invalid transition, logged and ignored.
func (m *Monitor) MarkInProgress(peerID, tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{peerID: peerID, tokenID: tokenID}
	if m.state[key] != StatePending {
		m.logger.Warn("monitor: ignoring invalid transition to IN_PROGRESS", "peer", peerID, "token", tokenID, "from", m.state[key])
		return
	}
	m.state[key] = StateInProgress
}

// Reset returns a pair to IDLE, either because an external settlement
// completed or via an explicit operator reset (spec.md §4.6).
func (m *Monitor) Reset(peerID, tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[pairKey{peerID: peerID, tokenID: tokenID}] = StateIdle
}

// StateOf returns a pair's current state, primarily for tests and health
// reporting.
func (m *Monitor) StateOf(peerID, tokenID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[pairKey{peerID: peerID, tokenID: tokenID}]
}
