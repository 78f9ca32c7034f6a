package node

import "errors"

var (
	// ErrKeyMaterial wraps any failure to load the node's private key. It is fatal.
	ErrKeyMaterial = errors.New("node: invalid key material")
	// ErrDeliveryClosed means an inbound message could not be handed to the application.
	ErrDeliveryClosed = errors.New("node: delivery channel closed")
)
