package node

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
	"github.com/stretchr/testify/assert"
)

func TestPeerRegistry(t *testing.T) {
	reg := NewPeerRegistry()
	assert.False(t, reg.Exists("127.0.0.1:1337"))

	reg.Add(1, "127.0.0.1:1337")
	assert.True(t, reg.Exists("127.0.0.1:1337"))
	assert.False(t, reg.Exists("127.0.0.1:1338"))
	assert.Equal(t, 1, reg.Len())

	reg.Remove(1)
	assert.False(t, reg.Exists("127.0.0.1:1337"))
	assert.Zero(t, reg.Len())
}

func TestPeerRegistryRemoveUnknownIsNoop(t *testing.T) {
	reg := NewPeerRegistry()
	reg.Add(1, "a:1")

	reg.Remove(42)
	reg.Remove(42)
	assert.Equal(t, map[p2p.SessionID]string{1: "a:1"}, reg.Snapshot())
}

func TestPeerRegistryAddOverwrites(t *testing.T) {
	reg := NewPeerRegistry()
	reg.Add(1, "a:1")
	reg.Add(1, "b:2")
	assert.Equal(t, map[p2p.SessionID]string{1: "b:2"}, reg.Snapshot())

	// A second session for the same address replaces the first.
	reg.Add(2, "b:2")
	assert.Equal(t, map[p2p.SessionID]string{2: "b:2"}, reg.Snapshot())
}

func TestPeerRegistryIgnoresRemovedSessions(t *testing.T) {
	reg := NewPeerRegistry()
	reg.Add(7, "127.0.0.1:1337")
	reg.Remove(7)

	reg.Add(7, "127.0.0.1:1337")
	assert.False(t, reg.Exists("127.0.0.1:1337"))

	// Removal of a never added id is remembered as well.
	reg.Remove(8)
	reg.Add(8, "127.0.0.1:1338")
	assert.Zero(t, reg.Len())

	reg.Add(9, "127.0.0.1:1337")
	assert.Equal(t, map[p2p.SessionID]string{9: "127.0.0.1:1337"}, reg.Snapshot())
}

func TestPeerRegistrySnapshotIsCopy(t *testing.T) {
	reg := NewPeerRegistry()
	reg.Add(1, "a:1")

	snap := reg.Snapshot()
	snap[2] = "b:2"
	assert.Equal(t, 1, reg.Len())
}

// TestPeerRegistryAddressesStayUnique drives random connect and disconnect sequences and
// checks that no address is ever held by two sessions.
func TestPeerRegistryAddressesStayUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	addrs := []string{"a:1", "b:2", "c:3"}

	for run := 0; run < 50; run++ {
		reg := NewPeerRegistry()
		var live []p2p.SessionID
		next := p2p.SessionID(1)

		for step := 0; step < 200; step++ {
			if len(live) == 0 || rng.Intn(2) == 0 {
				reg.Add(next, addrs[rng.Intn(len(addrs))])
				live = append(live, next)
				next++
			} else {
				i := rng.Intn(len(live))
				id := live[i]
				live = append(live[:i], live[i+1:]...)
				reg.Remove(id)
				_, present := reg.Snapshot()[id]
				assert.False(t, present, "session %d still registered after disconnect", id)
			}

			seen := map[string]p2p.SessionID{}
			for id, addr := range reg.Snapshot() {
				other, dup := seen[addr]
				assert.False(t, dup, "run %d step %d: %s held by %d and %d", run, step, addr, other, id)
				seen[addr] = id
			}
		}
	}
}

func TestPeerRegistryConcurrentAccess(t *testing.T) {
	reg := NewPeerRegistry()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := p2p.SessionID(g*1000 + i)
				addr := fmt.Sprintf("10.0.0.%d:%d", g, i)
				reg.Add(id, addr)
				assert.True(t, reg.Exists(addr))
				reg.Remove(id)
			}
		}(g)
	}
	wg.Wait()
	assert.Zero(t, reg.Len())
}
