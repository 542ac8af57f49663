package btp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristanetworks/goarista/atime"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"

	"github.com/ilp-connector/connector/internal/ilp"
	"github.com/ilp-connector/connector/internal/logctx"
)

// IncomingPrepareHandler processes an ILP Prepare received as a BTP MESSAGE
// and returns the already-encoded ILP Fulfill or Reject to send back
// (spec.md §9: the endpoint talks to the packet handler through a narrow
// interface, not the full handler object).
type IncomingPrepareHandler func(ctx context.Context, fromPeerID string, preparePacket []byte) (responsePacket []byte, err error)

// AuthVerifier resolves the expected shared secret for an asserted peer id
// (spec.md §6.3). It returns ok=false for an unconfigured peer.
type AuthVerifier func(peerID string) (secret string, ok bool)

// Config controls per-endpoint behavior.
type Config struct {
	MaxPendingRequests   int           // spec.md §5 backpressure bound
	ConnectionTimeout    time.Duration // spec.md §4.3 default for connection-level sends
	AuthGracePeriod       time.Duration // spec.md §4.3/§6.3/Scenario 7 grace before closing on auth failure
	CompressProtocolData bool          // not read: snappy compression follows each sub-frame's ContentType (frame.go)
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPendingRequests: 10000,
		ConnectionTimeout:  10 * time.Second,
		AuthGracePeriod:    200 * time.Millisecond,
	}
}

const forwardSafetyFloor = 1 * time.Second

// ForwardTimeout derives the send deadline for a forwarded Prepare per
// spec.md §4.3: remaining time minus 500ms, floored at 1s.
func ForwardTimeout(expiresAt time.Time, now time.Time) time.Duration {
	remaining := expiresAt.Sub(now) - 500*time.Millisecond
	if remaining < forwardSafetyFloor {
		return forwardSafetyFloor
	}
	return remaining
}

type pendingResult struct {
	msg *Message
	err error
}

type pendingEntry struct {
	resultCh chan pendingResult
	timer    *time.Timer
}

// Endpoint owns one WebSocket connection -- either client-initiated or
// server-accepted -- and exposes a symmetric send/receive surface
// regardless of which side originated the connection (spec.md §4.3).
type Endpoint struct {
	conn     *websocket.Conn
	isServer bool
	cfg      Config
	logger   *logctx.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]*pendingEntry

	stateMu       sync.Mutex
	peerID        string
	authenticated bool
	closed        bool
	closedCh      chan struct{}

	authVerifier AuthVerifier
	onPrepare    IncomingPrepareHandler

	OnConnected    func(peerID string)
	OnDisconnected func(peerID string, err error)
	OnError        func(peerID string, err error)

	latency latencyTracker
}

type latencyTracker struct {
	mu  sync.Mutex
	ewa time.Duration
}

func (l *latencyTracker) observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ewa == 0 {
		l.ewa = d
		return
	}
	l.ewa = (l.ewa*3 + d) / 4
}

// newEndpoint wraps conn. isServer distinguishes an inbound session (which
// must authenticate before any other traffic, per spec.md §4.3) from an
// outbound client connection.
func newEndpoint(conn *websocket.Conn, isServer bool, cfg Config) *Endpoint {
	return &Endpoint{
		conn:     conn,
		isServer: isServer,
		cfg:      cfg,
		pending:  make(map[uint32]*pendingEntry),
		closedCh: make(chan struct{}),
		logger:   logctx.New("component", "btp.endpoint"),
	}
}

// PeerID returns the peer id this endpoint is bound to (set at construction
// for outbound clients, or asserted-and-verified at auth time for inbound
// sessions).
func (e *Endpoint) PeerID() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.peerID
}

// Authenticated reports whether the auth handshake has completed.
func (e *Endpoint) Authenticated() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.authenticated
}

// SetIncomingPrepareHandler wires the callback invoked for inbound MESSAGE
// frames carrying an ILP Prepare (spec.md §4.3 onIncomingPrepare).
func (e *Endpoint) SetIncomingPrepareHandler(h IncomingPrepareHandler) {
	e.onPrepare = h
}

// SetAuthVerifier wires the per-peer secret lookup used by a server-side
// endpoint to validate an inbound auth frame (spec.md §6.3).
func (e *Endpoint) SetAuthVerifier(v AuthVerifier) {
	e.authVerifier = v
}

// Serve starts the endpoint's read loop and blocks until the connection
// closes. Callers run it in its own goroutine.
func (e *Endpoint) Serve() {
	e.readLoop()
}

// Authenticate performs the client side of the auth handshake (spec.md
// §4.3 step 1): send an "auth" MESSAGE and await the server's RESPONSE.
func (e *Endpoint) Authenticate(ctx context.Context, ownPeerID, secret string) error {
	e.stateMu.Lock()
	e.peerID = ownPeerID
	e.stateMu.Unlock()

	payload, err := json.Marshal(struct {
		PeerID string `json:"peerId"`
		Secret string `json:"secret"`
	}{PeerID: ownPeerID, Secret: secret})
	if err != nil {
		return fmt.Errorf("btp: encoding auth payload: %w", err)
	}

	resp, err := e.sendFrame(ctx, TypeMessage, []ProtocolData{NewAuthProtocolData(payload)}, e.cfg.ConnectionTimeout)
	if err != nil {
		return err
	}
	if resp.Type == TypeError {
		return &AuthenticationError{Peer: ownPeerID, Message: resp.Error.Name}
	}
	e.stateMu.Lock()
	e.authenticated = true
	e.stateMu.Unlock()
	return nil
}

// SendPrepare wraps prepare in a BTP MESSAGE, awaits the RESPONSE or ERROR
// keyed by request id, and returns the decoded Fulfill or Reject (spec.md
// §4.3 sendPacket).
func (e *Endpoint) SendPrepare(ctx context.Context, prepare *ilp.Prepare) (*ilp.Fulfill, *ilp.Reject, error) {
	packet, err := prepare.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("btp: encoding prepare: %w", err)
	}
	timeout := ForwardTimeout(prepare.ExpiresAt, time.Now().UTC())

	start := atime.NanoTime()
	resp, err := e.sendFrame(ctx, TypeMessage, WithILPPacket(nil, packet), timeout)
	e.latency.observe(time.Duration(atime.NanoTime() - start))
	if err != nil {
		return nil, nil, err
	}

	switch resp.Type {
	case TypeError:
		return nil, nil, &RemoteError{Info: resp.Error}
	case TypeResponse:
		respPacket, ok := resp.ILPPacket()
		if !ok {
			return nil, nil, fmt.Errorf("btp: RESPONSE missing embedded ilp packet")
		}
		return ilp.DecodeFulfillOrReject(respPacket)
	default:
		return nil, nil, fmt.Errorf("btp: unexpected response type %s", resp.Type)
	}
}

// Disconnect closes the underlying connection with the given WebSocket
// close code/reason and fails every pending request immediately (spec.md
// §5: "on connection loss, all pending requests ... are failed
// immediately with a connection error").
func (e *Endpoint) Disconnect(code int, reason string) error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	peerID := e.peerID
	e.stateMu.Unlock()
	close(e.closedCh)

	msg := websocket.FormatCloseMessage(code, reason)
	e.writeMu.Lock()
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := e.conn.Close()
	e.writeMu.Unlock()

	e.failAllPending(&ConnectionError{Peer: peerID, Err: errors.New(reason)})
	if e.OnDisconnected != nil {
		e.OnDisconnected(peerID, err)
	}
	return err
}

func (e *Endpoint) readLoop() {
	var readErr error
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		e.handleFrame(data)
	}
	e.stateMu.Lock()
	already := e.closed
	e.closed = true
	peerID := e.peerID
	e.stateMu.Unlock()
	if !already {
		close(e.closedCh)
	}
	e.failAllPending(&ConnectionError{Peer: peerID, Err: readErr})
	if e.OnDisconnected != nil {
		e.OnDisconnected(peerID, readErr)
	}
}

func (e *Endpoint) handleFrame(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		e.logger.Warn("dropping malformed BTP frame", "err", err)
		e.logger.Trace("malformed frame contents", "dump", spew.Sdump(data))
		_ = e.writeFrame(&Message{Type: TypeError, Error: &ErrorInfo{
			Code: ilp.CodeBadRequest, Name: "InvalidFrame", TriggeredAt: time.Now().UTC(),
		}})
		return
	}
	switch msg.Type {
	case TypeResponse, TypeError:
		e.resolvePending(msg)
	case TypeMessage:
		e.handleIncomingMessage(msg)
	default:
		e.logger.Warn("dropping BTP frame with unknown type", "type", byte(msg.Type))
	}
}

func (e *Endpoint) handleIncomingMessage(msg *Message) {
	e.stateMu.Lock()
	isServer, authenticated := e.isServer, e.authenticated
	e.stateMu.Unlock()

	if isServer && !authenticated {
		e.handleAuthFrame(msg)
		return
	}

	packet, ok := msg.ILPPacket()
	if !ok {
		// Connection-level protocol-data-only message: acknowledge and move on.
		_ = e.writeFrame(&Message{Type: TypeResponse, RequestID: msg.RequestID})
		return
	}
	if e.onPrepare == nil {
		_ = e.respondError(msg.RequestID, ilp.CodeInternalError, "no handler configured")
		return
	}
	respPacket, err := e.onPrepare(context.Background(), e.PeerID(), packet)
	if err != nil {
		_ = e.respondError(msg.RequestID, ilp.CodeBadRequest, err.Error())
		return
	}
	_ = e.writeFrame(&Message{
		Type:         TypeResponse,
		RequestID:    msg.RequestID,
		ProtocolData: WithILPPacket(nil, respPacket),
	})
}

func (e *Endpoint) handleAuthFrame(msg *Message) {
	var authPayload struct {
		PeerID string `json:"peerId"`
		Secret string `json:"secret"`
	}
	var raw []byte
	for _, pd := range msg.ProtocolData {
		if pd.Name == AuthProtocolDataName {
			raw = pd.Data
			break
		}
	}
	if raw == nil || json.Unmarshal(raw, &authPayload) != nil {
		e.failAuth(msg.RequestID, "malformed auth frame")
		return
	}

	expected, ok := "", false
	if e.authVerifier != nil {
		expected, ok = e.authVerifier(authPayload.PeerID)
	}
	if !ok || expected != authPayload.Secret {
		e.failAuth(msg.RequestID, "authentication failed")
		return
	}

	e.stateMu.Lock()
	e.peerID = authPayload.PeerID
	e.authenticated = true
	e.stateMu.Unlock()

	_ = e.writeFrame(&Message{Type: TypeResponse, RequestID: msg.RequestID})
	if e.OnConnected != nil {
		e.OnConnected(authPayload.PeerID)
	}
}

func (e *Endpoint) failAuth(requestID uint32, message string) {
	_ = e.writeFrame(&Message{Type: TypeError, RequestID: requestID, Error: &ErrorInfo{
		Code: ilp.CodeBadRequest, Name: "authentication failed", TriggeredAt: time.Now().UTC(),
	}})
	e.logger.Warn("btp auth failed", "reason", message)
	grace := e.cfg.AuthGracePeriod
	time.AfterFunc(grace, func() {
		_ = e.Disconnect(1008, "authentication failed")
	})
}

func (e *Endpoint) respondError(requestID uint32, code, message string) error {
	return e.writeFrame(&Message{Type: TypeError, RequestID: requestID, Error: &ErrorInfo{
		Code: code, Name: message, TriggeredAt: time.Now().UTC(),
	}})
}

func (e *Endpoint) resolvePending(msg *Message) {
	e.pendingMu.Lock()
	entry, ok := e.pending[msg.RequestID]
	if ok {
		delete(e.pending, msg.RequestID)
	}
	e.pendingMu.Unlock()
	if !ok {
		e.logger.Debug("dropping unmatched BTP response", "requestId", msg.RequestID, "type", msg.Type)
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.resultCh <- pendingResult{msg: msg}
}

func (e *Endpoint) sendFrame(ctx context.Context, typ MessageType, pd []ProtocolData, timeout time.Duration) (*Message, error) {
	requestID, entry, err := e.registerPending(timeout)
	if err != nil {
		return nil, err
	}
	defer e.removePending(requestID)

	frame := &Message{Type: typ, RequestID: requestID, ProtocolData: pd}
	if err := e.writeFrame(frame); err != nil {
		return nil, &ConnectionError{Peer: e.PeerID(), Err: err}
	}

	select {
	case res := <-entry.resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closedCh:
		return nil, &ConnectionError{Peer: e.PeerID()}
	}
}

// registerPending allocates a request id and arms its timeout timer while
// still holding pendingMu, so resolvePending can never observe an entry
// with a nil timer -- a RESPONSE racing in before sendFrame's writeFrame
// call returns must still find a fully-initialized entry.
func (e *Endpoint) registerPending(timeout time.Duration) (uint32, *pendingEntry, error) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pending) >= e.cfg.MaxPendingRequests {
		go e.forceDisconnect("pending request limit exceeded")
		return 0, nil, fmt.Errorf("btp: pending request limit (%d) exceeded", e.cfg.MaxPendingRequests)
	}
	for attempt := 0; attempt < 10; attempt++ {
		id := randomRequestID()
		if _, exists := e.pending[id]; exists {
			continue // vanishingly rare collision; spec.md §3 requires detection, not silent reuse
		}
		entry := &pendingEntry{resultCh: make(chan pendingResult, 1)}
		entry.timer = time.AfterFunc(timeout, func() {
			e.pendingMu.Lock()
			_, stillPending := e.pending[id]
			e.pendingMu.Unlock()
			if stillPending {
				entry.resultCh <- pendingResult{err: &TimeoutError{Peer: e.PeerID(), RequestID: id}}
			}
		})
		e.pending[id] = entry
		return id, entry, nil
	}
	return 0, nil, errors.New("btp: could not allocate a unique request id (programming error)")
}

func (e *Endpoint) removePending(requestID uint32) {
	e.pendingMu.Lock()
	entry, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.pendingMu.Unlock()
	if ok && entry.timer != nil {
		entry.timer.Stop()
	}
}

func (e *Endpoint) failAllPending(err error) {
	e.pendingMu.Lock()
	pending := e.pending
	e.pending = make(map[uint32]*pendingEntry)
	e.pendingMu.Unlock()
	for _, entry := range pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.resultCh <- pendingResult{err: err}
	}
}

func (e *Endpoint) forceDisconnect(reason string) {
	e.logger.Warn("forcing endpoint disconnect", "peer", e.PeerID(), "reason", reason)
	_ = e.Disconnect(1008, reason)
}

func (e *Endpoint) writeFrame(m *Message) error {
	encoded, err := Encode(m)
	if err != nil {
		return err
	}
	return e.writeBinary(encoded)
}

func (e *Endpoint) writeBinary(data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(websocket.BinaryMessage, data)
}

func randomRequestID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand failing is not recoverable
	}
	return binary.BigEndian.Uint32(buf[:])
}
