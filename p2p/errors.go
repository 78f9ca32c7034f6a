package p2p

import (
	"errors"
	"fmt"
)

var (
	ErrServiceClosed      = errors.New("p2p: service closed")
	ErrSessionNotFound    = errors.New("p2p: session not found")
	ErrProtocolNotFound   = errors.New("p2p: protocol not found")
	ErrFrameTooLarge      = errors.New("p2p: frame too large")
	ErrRepeatedConnection = errors.New("p2p: repeated connection")
	ErrDialSelf           = errors.New("p2p: dial to self")
	ErrHandshake          = errors.New("p2p: handshake failed")
)

// RepeatedConnectionError reports that the remote peer already has a live session with this node.
type RepeatedConnectionError struct {
	Existing SessionID
	PeerID   string
}

func (e *RepeatedConnectionError) Error() string {
	return fmt.Sprintf("p2p: repeated connection to peer %s (existing session %d)", e.PeerID, e.Existing)
}

func (e *RepeatedConnectionError) Is(target error) bool {
	return target == ErrRepeatedConnection
}

// ServiceError is a service scoped failure delivered to ServiceHandler.HandleError.
type ServiceError interface {
	error
	serviceError()
}

// DialerError reports a failed dial attempt.
type DialerError struct {
	Address string
	Err     error
}

func (e *DialerError) Error() string { return fmt.Sprintf("p2p: dial %s: %v", e.Address, e.Err) }
func (e *DialerError) Unwrap() error { return e.Err }
func (*DialerError) serviceError()   {}

// ListenError reports a failure on a listening address, including rejected inbound connections.
type ListenError struct {
	Address string
	Err     error
}

func (e *ListenError) Error() string { return fmt.Sprintf("p2p: listen %s: %v", e.Address, e.Err) }
func (e *ListenError) Unwrap() error { return e.Err }
func (*ListenError) serviceError()   {}

// ProtocolHandleError wraps an error returned by ProtocolHandler.Received.
type ProtocolHandleError struct {
	ProtocolID ProtocolID
	Session    SessionInfo
	Err        error
}

func (e *ProtocolHandleError) Error() string {
	return fmt.Sprintf("p2p: protocol %d on session %d: %v", e.ProtocolID, e.Session.ID, e.Err)
}
func (e *ProtocolHandleError) Unwrap() error { return e.Err }
func (*ProtocolHandleError) serviceError()   {}

// SessionError reports an I/O failure that tore down an established session.
type SessionError struct {
	Session SessionInfo
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("p2p: session %d (%s): %v", e.Session.ID, e.Session.Address, e.Err)
}
func (e *SessionError) Unwrap() error { return e.Err }
func (*SessionError) serviceError()   {}

// DialOutcome is the closed set of results a dial can end in:
// DialConnected, DialAlreadyConnected or DialFailed.
type DialOutcome interface {
	dialOutcome()
}

// DialConnected means the dial produced a new session.
type DialConnected struct{ ID SessionID }

// DialAlreadyConnected means the peer was reachable through an existing session.
type DialAlreadyConnected struct{ Existing SessionID }

// DialFailed carries any other dial error.
type DialFailed struct{ Err error }

func (DialConnected) dialOutcome()        {}
func (DialAlreadyConnected) dialOutcome() {}
func (DialFailed) dialOutcome()           {}

// ClassifyDial maps the result of a dial onto a DialOutcome.
func ClassifyDial(id SessionID, err error) DialOutcome {
	if err == nil {
		return DialConnected{ID: id}
	}
	var repeated *RepeatedConnectionError
	if errors.As(err, &repeated) {
		return DialAlreadyConnected{Existing: repeated.Existing}
	}
	return DialFailed{Err: err}
}
