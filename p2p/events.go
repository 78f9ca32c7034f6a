package p2p

// ServiceEvent is a service scoped notification delivered to ServiceHandler.HandleEvent.
type ServiceEvent interface {
	serviceEvent()
}

// SessionOpen fires once a session is authenticated and registered, before any protocol opens on it.
type SessionOpen struct{ Session SessionInfo }

// SessionClose fires after every protocol on the session has been disconnected.
type SessionClose struct{ Session SessionInfo }

// ListenStarted fires when a listener is bound.
type ListenStarted struct{ Address string }

// ListenClose fires when a listener stops accepting.
type ListenClose struct{ Address string }

func (SessionOpen) serviceEvent()   {}
func (SessionClose) serviceEvent()  {}
func (ListenStarted) serviceEvent() {}
func (ListenClose) serviceEvent()   {}
