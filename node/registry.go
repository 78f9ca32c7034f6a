package node

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
)

// removedMemory bounds how many removed session ids a registry remembers.
const removedMemory = 4096

// Registry records which configured addresses are reachable through a live session.
// The handlers and the reconnect scheduler depend on this interface, not on PeerRegistry.
type Registry interface {
	Exists(addr string) bool
	Add(id p2p.SessionID, addr string)
	Remove(id p2p.SessionID)
}

// PeerRegistry is the lock protected session to address table shared by a node's
// handlers and its reconnect scheduler.
//
// Session ids are never reused, so an id that has been removed is remembered and a later
// Add for it is ignored: the session it names is already gone.
type PeerRegistry struct {
	mu      sync.RWMutex
	peers   map[p2p.SessionID]string
	removed *lru.Cache[p2p.SessionID, struct{}]
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	removed, err := lru.New[p2p.SessionID, struct{}](removedMemory)
	if err != nil {
		panic(fmt.Sprintf("node: removed session cache: %v", err))
	}
	return &PeerRegistry{peers: make(map[p2p.SessionID]string), removed: removed}
}

// Exists reports whether any session is registered for addr.
func (r *PeerRegistry) Exists(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.peers {
		if a == addr {
			return true
		}
	}
	return false
}

// Add registers id for addr, overwriting a previous address of id. Any other id still
// holding addr is dropped so an address never maps to two sessions. Adding an id that
// was removed before is a no-op.
func (r *PeerRegistry) Add(id p2p.SessionID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed.Contains(id) {
		return
	}
	for other, a := range r.peers {
		if a == addr && other != id {
			delete(r.peers, other)
		}
	}
	r.peers[id] = addr
}

// Remove forgets id. Removing an unknown id is a no-op.
func (r *PeerRegistry) Remove(id p2p.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	r.removed.Add(id, struct{}{})
}

// Len returns the number of registered sessions.
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns a copy of the table.
func (r *PeerRegistry) Snapshot() map[p2p.SessionID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[p2p.SessionID]string, len(r.peers))
	for id, addr := range r.peers {
		out[id] = addr
	}
	return out
}
