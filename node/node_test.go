package node

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/muhammadmahdiamirpour/p2psimple/crypto"
	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type nodeOpts struct {
	listen string
	peers  []string
	clock  clock.Clock
	logger *zap.Logger
	queue  *Queue
}

func startNode(t *testing.T, opts nodeOpts) (*Node, *Queue) {
	t.Helper()

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ListenAddr = opts.listen
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	cfg.Peers = opts.peers
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.Transport.DialTimeout = time.Second
	cfg.Transport.HandshakeTimeout = time.Second
	if opts.clock != nil {
		cfg.Clock = opts.clock
	}
	if opts.logger != nil {
		cfg.Logger = opts.logger
	}
	q := opts.queue
	if q == nil {
		q = NewQueue()
	}

	n, err := NewWithKey(cfg, key, q)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, q
}

func recvMessage(t *testing.T, q *Queue) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := q.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func reservePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNewRejectsBadKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("0xnothex\n"), 0o600))
	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("0x0102\n"), 0o600))

	for name, path := range map[string]string{
		"missing": filepath.Join(dir, "missing"),
		"empty":   empty,
		"garbage": garbage,
		"short":   short,
	} {
		t.Run(name, func(t *testing.T) {
			n, err := New(Config{KeyFile: path, ListenAddr: "127.0.0.1:0"}, NewQueue())
			assert.ErrorIs(t, err, ErrKeyMaterial)
			assert.Nil(t, n)
		})
	}
}

func TestNewLoadsKeyFile(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "node_privkey")
	require.NoError(t, os.WriteFile(path, []byte(crypto.EncodePrivateKeyHex(key)+"\nignored\n"), 0o600))

	n, err := New(Config{KeyFile: path, ListenAddr: "127.0.0.1:0"}, NewQueue())
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, crypto.PeerID(key.PubKey()), n.PeerID())
	assert.NotNil(t, n.ListenAddr())
}

func TestNodeConnectAndExchange(t *testing.T) {
	b, qb := startNode(t, nodeOpts{})
	bAddr := b.ListenAddr().String()
	a, qa := startNode(t, nodeOpts{peers: []string{bAddr}})

	require.Eventually(t, func() bool { return a.Registry().Exists(bAddr) }, waitFor, tick)
	require.Len(t, a.Sessions(), 1)
	out := a.Sessions()[0]
	assert.Equal(t, p2p.SessionOutbound, out.Type)
	assert.Equal(t, map[p2p.SessionID]string{out.ID: bAddr}, a.Registry().Snapshot())

	require.NoError(t, a.SendMessage(out.ID, []byte("hello b")))
	msg := recvMessage(t, qb)
	assert.Equal(t, "hello b", string(msg.Payload))

	// B never registers the inbound session but can reply on it.
	assert.Zero(t, b.Registry().Len())
	require.NoError(t, b.SendMessage(msg.SessionID, []byte("hello a")))
	reply := recvMessage(t, qa)
	assert.Equal(t, out.ID, reply.SessionID)
	assert.Equal(t, "hello a", string(reply.Payload))
}

func TestNodeBroadcastOncePerSession(t *testing.T) {
	hub, _ := startNode(t, nodeOpts{})
	hubAddr := hub.ListenAddr().String()
	c1, q1 := startNode(t, nodeOpts{peers: []string{hubAddr}})
	c2, q2 := startNode(t, nodeOpts{peers: []string{hubAddr}})

	require.Eventually(t, func() bool { return len(hub.Sessions()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return c1.Registry().Exists(hubAddr) && c2.Registry().Exists(hubAddr)
	}, waitFor, tick)

	require.NoError(t, hub.BroadcastMessage([]byte("ping")))

	assert.Equal(t, "ping", string(recvMessage(t, q1).Payload))
	assert.Equal(t, "ping", string(recvMessage(t, q2).Payload))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, q1.Len())
	assert.Zero(t, q2.Len())
}

// TestNodeRepeatedDialRegistersExistingSession covers the losing side of a mutual dial:
// B dials A over a session A already opened, and records that session instead.
func TestNodeRepeatedDialRegistersExistingSession(t *testing.T) {
	aAddr := reservePort(t)
	clk := clock.NewMock()
	core, logs := observer.New(zapcore.DebugLevel)

	b, _ := startNode(t, nodeOpts{peers: []string{aAddr}, clock: clk, logger: zap.New(core)})
	bAddr := b.ListenAddr().String()

	// B's first dial finds nobody listening.
	require.Eventually(t, func() bool { return logs.FilterMessage("dial failed").Len() > 0 }, waitFor, tick)
	assert.Zero(t, b.Registry().Len())

	a, _ := startNode(t, nodeOpts{listen: aAddr, peers: []string{bAddr}})
	require.Eventually(t, func() bool { return a.Registry().Exists(bAddr) }, waitFor, tick)
	require.Eventually(t, func() bool { return len(b.Sessions()) == 1 }, waitFor, tick)
	inbound := b.Sessions()[0]
	assert.Equal(t, p2p.SessionInbound, inbound.Type)

	require.Eventually(t, func() bool {
		clk.Add(b.cfg.ReconnectInterval)
		return b.Registry().Exists(aAddr)
	}, waitFor, tick)

	assert.Equal(t, map[p2p.SessionID]string{inbound.ID: aAddr}, b.Registry().Snapshot())
	assert.Len(t, b.Sessions(), 1)
	assert.Len(t, a.Sessions(), 1)
	assert.NotZero(t, logs.FilterMessage("already connected").Len())
}

func TestNodeReconnectsAfterPeerRestart(t *testing.T) {
	b, _ := startNode(t, nodeOpts{})
	bAddr := b.ListenAddr().String()
	a, _ := startNode(t, nodeOpts{peers: []string{bAddr}})
	require.Eventually(t, func() bool { return a.Registry().Exists(bAddr) }, waitFor, tick)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return a.Registry().Len() == 0 }, waitFor, tick)

	startNode(t, nodeOpts{listen: bAddr})
	require.Eventually(t, func() bool { return a.Registry().Exists(bAddr) }, waitFor, tick)
}

func TestNodeListenFailureIsNotFatal(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	b, _ := startNode(t, nodeOpts{})
	bAddr := b.ListenAddr().String()
	a, _ := startNode(t, nodeOpts{listen: taken.Addr().String(), peers: []string{bAddr}})

	assert.Nil(t, a.ListenAddr())
	require.Eventually(t, func() bool { return a.Registry().Exists(bAddr) }, waitFor, tick)
}

func TestNodeSendErrors(t *testing.T) {
	b, _ := startNode(t, nodeOpts{})
	bAddr := b.ListenAddr().String()
	a, _ := startNode(t, nodeOpts{peers: []string{bAddr}})
	require.Eventually(t, func() bool { return a.Registry().Exists(bAddr) }, waitFor, tick)
	id := a.Sessions()[0].ID

	assert.ErrorIs(t, a.SendMessage(id+1000, []byte("x")), p2p.ErrSessionNotFound)
	assert.ErrorIs(t, a.SendMessage(id, make([]byte, p2p.DefaultMaxFrameLength+1)), p2p.ErrFrameTooLarge)
	assert.NoError(t, a.BroadcastMessage([]byte("still fine")))
}

func TestNodeDeliveryClosedIsFatal(t *testing.T) {
	closed := NewQueue()
	closed.Close()
	b, _ := startNode(t, nodeOpts{queue: closed})
	bAddr := b.ListenAddr().String()
	a, _ := startNode(t, nodeOpts{peers: []string{bAddr}})
	require.Eventually(t, func() bool { return a.Registry().Exists(bAddr) }, waitFor, tick)

	require.NoError(t, a.BroadcastMessage([]byte("nobody listening")))

	select {
	case err := <-b.Fatal():
		assert.ErrorIs(t, err, ErrDeliveryClosed)
	case <-time.After(waitFor):
		t.Fatal("no fatal report")
	}
}

func TestLogRunError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	logRunError(logger, nil)
	logRunError(logger, context.Canceled)
	assert.Zero(t, logs.Len())

	logRunError(logger, multierr.Combine(context.Canceled, errors.New("listener close")))
	require.Equal(t, 1, logs.FilterMessage("service stopped with error").Len())
	assert.Equal(t, "listener close", logs.All()[0].ContextMap()["error"])
}

func TestNodeClose(t *testing.T) {
	n, _ := startNode(t, nodeOpts{peers: []string{reservePort(t)}})

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Empty(t, n.Sessions())
}
