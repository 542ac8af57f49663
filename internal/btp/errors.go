package btp

import "fmt"

// ConnectionError indicates the underlying WebSocket connection failed or
// closed while a request was pending (spec.md §4.3/§7).
type ConnectionError struct {
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("btp: connection error with peer %s: %v", e.Peer, e.Err)
	}
	return fmt.Sprintf("btp: connection error with peer %s", e.Peer)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError indicates a send's deadline elapsed before a RESPONSE/ERROR
// frame matching its request id arrived (spec.md §4.3).
type TimeoutError struct {
	Peer      string
	RequestID uint32
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("btp: request %d to peer %s timed out", e.RequestID, e.Peer)
}

// AuthenticationError indicates the auth handshake (spec.md §4.3) failed,
// either because the peer rejected our secret or our own validation of an
// inbound auth frame failed.
type AuthenticationError struct {
	Peer    string
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("btp: authentication failed for peer %s: %s", e.Peer, e.Message)
}

// RemoteError wraps a BTP ERROR frame received from a peer, surfaced to
// callers that sent the request it answers.
type RemoteError struct {
	Info *ErrorInfo
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("btp: remote error %s: %s", e.Info.Code, e.Info.Name)
}
