// Package registry tracks which peers are currently reachable over BTP and
// how to reach them, decoupling the packet handler from connection
// management (spec.md §4.4/§9).
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ilp-connector/connector/internal/btp"
	"github.com/ilp-connector/connector/internal/ilp"
	"github.com/ilp-connector/connector/internal/logctx"
)

// Session is the narrow surface the registry needs from a live BTP
// connection -- an *btp.Endpoint in production, a fake in tests.
type Session interface {
	SendPrepare(ctx context.Context, prepare *ilp.Prepare) (*ilp.Fulfill, *ilp.Reject, error)
	PeerID() string
}

type peerSessions struct {
	outbound Session // this node dialed the peer
	inbound  Session // the peer dialed this node
}

// Registry maps a peer id to its current outbound and/or inbound BTP
// session (spec.md §4.4: "a peer may be reachable over an outbound
// connection this node initiated, an inbound connection the peer
// initiated, or both").
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerSessions

	logger *logctx.Logger
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		peers:  make(map[string]*peerSessions),
		logger: logctx.New("component", "registry"),
	}
}

// AddOutbound registers an outbound session to peerID, replacing any prior
// outbound session for the same peer.
func (r *Registry) AddOutbound(peerID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionsLocked(peerID).outbound = s
	r.logger.Info("outbound session up", "peer", peerID)
}

// AddInbound registers an inbound session to peerID, replacing any prior
// inbound session for the same peer.
func (r *Registry) AddInbound(peerID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionsLocked(peerID).inbound = s
	r.logger.Info("inbound session up", "peer", peerID)
}

// RemoveOutbound clears the outbound session for peerID, if it is still s
// (guards against a stale disconnect callback racing a newer reconnect).
func (r *Registry) RemoveOutbound(peerID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.peers[peerID]; ok && ps.outbound == s {
		ps.outbound = nil
		r.pruneLocked(peerID, ps)
	}
	r.logger.Info("outbound session down", "peer", peerID)
}

// RemoveInbound clears the inbound session for peerID, if it is still s.
func (r *Registry) RemoveInbound(peerID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.peers[peerID]; ok && ps.inbound == s {
		ps.inbound = nil
		r.pruneLocked(peerID, ps)
	}
	r.logger.Info("inbound session down", "peer", peerID)
}

func (r *Registry) sessionsLocked(peerID string) *peerSessions {
	ps, ok := r.peers[peerID]
	if !ok {
		ps = &peerSessions{}
		r.peers[peerID] = ps
	}
	return ps
}

func (r *Registry) pruneLocked(peerID string, ps *peerSessions) {
	if ps.outbound == nil && ps.inbound == nil {
		delete(r.peers, peerID)
	}
}

// Connected reports whether peerID has any live session, inbound or
// outbound.
func (r *Registry) Connected(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.peers[peerID]
	return ok && (ps.outbound != nil || ps.inbound != nil)
}

// ErrPeerUnreachable is returned by SendToPeer when no session, outbound or
// inbound, currently exists for the peer.
var ErrPeerUnreachable = fmt.Errorf("registry: peer unreachable")

// SendToPeer forwards prepare to peerID, preferring the outbound
// connection when both directions are available (spec.md §4.4: "prefer the
// outbound session; do not fail over to the inbound session mid-request if
// the outbound session fails after the send has started").
func (r *Registry) SendToPeer(ctx context.Context, peerID string, prepare *ilp.Prepare) (*ilp.Fulfill, *ilp.Reject, error) {
	r.mu.RLock()
	ps, ok := r.peers[peerID]
	var session Session
	if ok {
		if ps.outbound != nil {
			session = ps.outbound
		} else {
			session = ps.inbound
		}
	}
	r.mu.RUnlock()

	if session == nil {
		return nil, nil, ErrPeerUnreachable
	}
	return session.SendPrepare(ctx, prepare)
}

// Peers lists every peer id with at least one live session.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

var _ Session = (*btp.Endpoint)(nil)
