package btp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ilp-connector/connector/internal/logctx"
)

// ServerConfig controls the inbound WebSocket listener (spec.md §4.4/§6.3,
// spec_full.md §4.4 supplement on connection-rate limiting).
type ServerConfig struct {
	Endpoint         Config
	AuthVerifier     AuthVerifier
	OnIncomingPrepare IncomingPrepareHandler
	OnSessionUp      func(peerID string, ep *Endpoint)
	OnSessionDown    func(peerID string, err error)

	// AcceptRateLimit/AcceptBurst bound the rate at which new TCP/TLS
	// handshakes are upgraded to WebSocket, defending against a connect
	// flood from misbehaving or malicious peers.
	AcceptRateLimit rate.Limit
	AcceptBurst     int
}

// DefaultServerConfig returns the spec's documented defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Endpoint:        DefaultConfig(),
		AcceptRateLimit: rate.Limit(50),
		AcceptBurst:     100,
	}
}

// Server accepts inbound BTP connections over a single HTTP(S) endpoint,
// upgrading each to a WebSocket and handing it off to an Endpoint once the
// auth handshake completes (spec.md §4.4).
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	logger   *logctx.Logger
}

// NewServer builds a Server; register it with an *http.ServeMux via
// ServeHTTP under the BTP listen path (spec.md §6.3 leaves transport
// binding to the deployer).
func NewServer(cfg ServerConfig) *Server {
	if cfg.AcceptRateLimit == 0 {
		cfg.AcceptRateLimit = DefaultServerConfig().AcceptRateLimit
	}
	if cfg.AcceptBurst == 0 {
		cfg.AcceptBurst = DefaultServerConfig().AcceptBurst
	}
	if cfg.Endpoint.MaxPendingRequests == 0 {
		cfg.Endpoint = DefaultConfig()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter: rate.NewLimiter(cfg.AcceptRateLimit, cfg.AcceptBurst),
		logger:  logctx.New("component", "btp.server"),
	}
}

// ServeHTTP implements http.Handler, upgrading each request to a WebSocket
// BTP session. Unauthenticated sessions are closed with code 1008 if the
// first frame they send is not a valid auth MESSAGE (spec.md §6.3).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	s.handleConn(conn)
}

func (s *Server) handleConn(conn *websocket.Conn) {
	ep := newEndpoint(conn, true, s.cfg.Endpoint)
	ep.SetAuthVerifier(s.cfg.AuthVerifier)
	ep.SetIncomingPrepareHandler(s.cfg.OnIncomingPrepare)
	ep.OnConnected = func(peerID string) {
		s.logger.Info("btp session authenticated", "peer", peerID)
		if s.cfg.OnSessionUp != nil {
			s.cfg.OnSessionUp(peerID, ep)
		}
	}
	ep.OnDisconnected = func(peerID string, err error) {
		s.logger.Info("btp session closed", "peer", peerID, "err", err)
		if s.cfg.OnSessionDown != nil {
			s.cfg.OnSessionDown(peerID, err)
		}
	}

	// An inbound session that never completes auth is dropped after the
	// connection-level timeout so idle half-open sockets cannot accumulate
	// (spec.md §6.3: "Unauthenticated sessions may not perform any other
	// operation").
	deadline := s.cfg.Endpoint.ConnectionTimeout
	if deadline == 0 {
		deadline = DefaultConfig().ConnectionTimeout
	}
	timer := time.AfterFunc(deadline, func() {
		if !ep.Authenticated() {
			_ = ep.Disconnect(1008, "authentication timeout")
		}
	})
	go func() {
		ep.Serve()
		timer.Stop()
	}()
}

// ListenAndServe is a convenience wrapper for standalone deployments that
// don't need to share an HTTP mux with other listeners.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("btp: listener stopped: %w", err)
	}
}
