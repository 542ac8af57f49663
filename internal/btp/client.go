package btp

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilp-connector/connector/internal/logctx"
)

// ClientConfig describes one outbound BTP connection to a peer (spec.md
// §4.4/§6.3).
type ClientConfig struct {
	PeerID   string
	URL      string
	Secret   string
	Endpoint Config

	OnIncomingPrepare IncomingPrepareHandler
	OnSessionUp       func(peerID string, ep *Endpoint)
	OnSessionDown     func(peerID string, err error)

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultClientConfig fills in the spec's documented backoff bounds
// (spec.md §4.4: reconnection with exponential backoff capped at 60s).
func DefaultClientConfig(peerID, url, secret string) ClientConfig {
	return ClientConfig{
		PeerID:     peerID,
		URL:        url,
		Secret:     secret,
		Endpoint:   DefaultConfig(),
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 60 * time.Second,
	}
}

// Client maintains one outbound BTP connection, reconnecting with
// exponential backoff whenever it drops (spec.md §4.4).
type Client struct {
	cfg    ClientConfig
	logger *logctx.Logger

	currentMu sync.RWMutex
	current   *Endpoint
}

// NewClient builds a Client. Call Run to start the dial/reconnect loop.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = DefaultClientConfig("", "", "").MinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultClientConfig("", "", "").MaxBackoff
	}
	if cfg.Endpoint.MaxPendingRequests == 0 {
		cfg.Endpoint = DefaultConfig()
	}
	return &Client{cfg: cfg, logger: logctx.New("component", "btp.client", "peer", cfg.PeerID)}
}

// Run dials, authenticates, and serves the connection until ctx is
// canceled, reconnecting with exponential backoff on every failure.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ep, err := c.connectOnce(ctx)
		if err != nil {
			c.logger.Warn("btp dial failed", "err", err, "retryIn", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		backoff = c.cfg.MinBackoff
		c.setCurrent(ep)
		<-ep.closedCh // connectOnce already started the read loop; just wait for it to exit
		c.setCurrent(nil)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) (*Endpoint, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Endpoint.ConnectionTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("btp: dial %s: %w", c.cfg.URL, err)
	}

	ep := newEndpoint(conn, false, c.cfg.Endpoint)
	ep.SetIncomingPrepareHandler(c.cfg.OnIncomingPrepare)
	ep.OnDisconnected = func(peerID string, err error) {
		c.logger.Info("btp session closed", "err", err)
		if c.cfg.OnSessionDown != nil {
			c.cfg.OnSessionDown(c.cfg.PeerID, err)
		}
	}

	// The read loop must be running before Authenticate can observe the
	// server's RESPONSE, since Authenticate blocks on the same pending-map
	// mechanism as any other request.
	go ep.readLoop()

	if err := ep.Authenticate(dialCtx, c.cfg.PeerID, c.cfg.Secret); err != nil {
		_ = ep.Disconnect(1008, "authentication failed")
		return nil, &AuthenticationError{Peer: c.cfg.PeerID, Message: err.Error()}
	}

	if c.cfg.OnSessionUp != nil {
		c.cfg.OnSessionUp(c.cfg.PeerID, ep)
	}
	return ep, nil
}

// Endpoint returns the current live connection, or nil while disconnected.
func (c *Client) Endpoint() *Endpoint {
	c.currentMu.RLock()
	defer c.currentMu.RUnlock()
	return c.current
}

func (c *Client) setCurrent(ep *Endpoint) {
	c.currentMu.Lock()
	c.current = ep
	c.currentMu.Unlock()
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// jitter avoids a thundering herd of peers reconnecting in lockstep after a
// shared network blip.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
