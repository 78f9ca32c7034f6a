package p2p

// SessionID identifies one live session. Ids come from a process wide counter and are never reused.
type SessionID uint64

// SessionType tells whether a session was dialed by this node or accepted from a peer.
type SessionType int

const (
	// SessionInbound is a session accepted from a peer's dial.
	SessionInbound SessionType = iota
	// SessionOutbound is a session this node initiated by dialing.
	SessionOutbound
)

func (t SessionType) String() string {
	switch t {
	case SessionInbound:
		return "inbound"
	case SessionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ProtocolID names one logical channel multiplexed over a session.
type ProtocolID uint16

// SessionInfo describes a live session as seen by handlers.
//
// Fields:
//   - ID: The session identifier, valid until the session's close event.
//   - Address: For outbound sessions the exact dial string, for inbound sessions the remote socket address.
//   - Type: Inbound or outbound.
//   - PeerID: The authenticated identity of the remote node.
type SessionInfo struct {
	ID      SessionID
	Address string
	Type    SessionType
	PeerID  string
}

// ProtocolContext identifies the protocol a handler callback belongs to.
type ProtocolContext struct {
	ProtocolID ProtocolID
	Name       string
}

// ProtocolHandler reacts to the lifecycle of one protocol on every session.
// All callbacks of a service run on its event loop goroutine, one at a time.
type ProtocolHandler interface {
	Init(ctx ProtocolContext)
	Connected(ctx ProtocolContext, session SessionInfo)
	Disconnected(ctx ProtocolContext, session SessionInfo)
	// Received is called once per inbound frame. A returned error is reported to the
	// ServiceHandler as a *ProtocolHandleError.
	Received(ctx ProtocolContext, session SessionInfo, data []byte) error
}

// ServiceHandler receives service scoped errors and events.
type ServiceHandler interface {
	HandleError(err ServiceError)
	HandleEvent(ev ServiceEvent)
}

// ProtocolMeta binds a protocol id to its frame limit and handler.
type ProtocolMeta struct {
	ID             ProtocolID
	Name           string
	MaxFrameLength int
	Handler        ProtocolHandler
}

// TargetSession selects the sessions a broadcast is sent to.
type TargetSession interface {
	Match(session SessionInfo) bool
}

type targetAll struct{}

func (targetAll) Match(SessionInfo) bool { return true }

// TargetAll matches every open session regardless of direction.
var TargetAll TargetSession = targetAll{}

// TargetFilter matches the sessions for which the function returns true.
type TargetFilter func(SessionInfo) bool

func (f TargetFilter) Match(session SessionInfo) bool { return f(session) }
