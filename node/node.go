package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/muhammadmahdiamirpour/p2psimple/crypto"
	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// ProtocolID is the single protocol every node speaks.
	ProtocolID p2p.ProtocolID = 0
	// ProtocolName is the name handlers see for ProtocolID.
	ProtocolName = "p2psimple"
)

// Config holds everything a node needs at construction.
//
// Fields:
//   - KeyFile: Path of the file whose first line is the hex encoded private key.
//   - MaxFrameLength: Largest payload accepted in either direction.
//   - ListenAddr: Local address to accept sessions on. Empty means dial only.
//   - Peers: Addresses kept connected by the reconnect scheduler.
//   - ReconnectInterval: Time between reconnect cycles.
//   - Transport: Settings of the underlying p2p service.
//   - Clock: Time source of the reconnect scheduler.
//   - Logger: Root logger of the node.
type Config struct {
	KeyFile           string
	MaxFrameLength    int
	ListenAddr        string
	Peers             []string
	ReconnectInterval time.Duration
	Transport         p2p.Config
	Clock             clock.Clock
	Logger            *zap.Logger
}

// DefaultConfig returns a config with every field but KeyFile, ListenAddr and Peers set.
func DefaultConfig() Config {
	return Config{
		MaxFrameLength:    p2p.DefaultMaxFrameLength,
		ReconnectInterval: DefaultReconnectInterval,
		Transport:         p2p.DefaultConfig(),
		Clock:             clock.New(),
		Logger:            zap.NewNop(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxFrameLength <= 0 {
		c.MaxFrameLength = def.MaxFrameLength
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Transport.Logger == nil {
		c.Transport.Logger = c.Logger
	}
	return c
}

// Node ties the registry, the handlers, the transport and the reconnect scheduler
// together. It is the only object an application holds.
type Node struct {
	cfg       Config
	logger    *zap.Logger
	peerID    string
	registry  *PeerRegistry
	service   *p2p.Service
	scheduler *ReconnectScheduler

	listenAddr net.Addr
	fatal      chan error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New loads the key named by cfg.KeyFile and starts a node that pushes inbound
// messages to out. A key that cannot be loaded yields an error wrapping ErrKeyMaterial.
func New(cfg Config, out Delivery) (*Node, error) {
	key, err := crypto.LoadPrivateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMaterial, err)
	}
	return NewWithKey(cfg, key, out)
}

// NewWithKey starts a node with an already loaded key. In order it wires the handlers
// to a fresh registry, starts the transport loop, listens on cfg.ListenAddr and starts
// the reconnect scheduler. A listen failure is logged and the node keeps dialing.
func NewWithKey(cfg Config, key *crypto.PrivateKey, out Delivery) (*Node, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrKeyMaterial)
	}
	if out == nil {
		return nil, fmt.Errorf("node: nil delivery")
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger.Named("node")

	registry := NewPeerRegistry()
	fatal := make(chan error, 1)
	protocol := p2p.ProtocolMeta{
		ID:             ProtocolID,
		Name:           ProtocolName,
		MaxFrameLength: cfg.MaxFrameLength,
		Handler:        NewSessionProtocolHandler(registry, out, logger),
	}
	service, err := p2p.NewService(cfg.Transport, key, NewServiceEventHandler(registry, fatal, logger), protocol)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		peerID:   service.PeerID(),
		registry: registry,
		service:  service,
		fatal:    fatal,
		cancel:   cancel,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		logRunError(logger, service.Run(ctx))
	}()

	if cfg.ListenAddr != "" {
		addr, err := service.Listen(cfg.ListenAddr)
		if err != nil {
			logger.Error("listen failed, running as dialer only", zap.String("address", cfg.ListenAddr), zap.Error(err))
		} else {
			n.listenAddr = addr
		}
	}

	n.scheduler = NewReconnectScheduler(ReconnectConfig{
		Interval: cfg.ReconnectInterval,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	}, cfg.Peers, registry, service)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.scheduler.Run(ctx)
	}()

	logger.Info("node started", zap.String("peer_id", n.peerID), zap.Strings("peers", cfg.Peers))
	return n, nil
}

// logRunError reports everything but the cancellation that ends every normal run.
func logRunError(logger *zap.Logger, err error) {
	for _, e := range multierr.Errors(err) {
		if errors.Is(e, context.Canceled) {
			continue
		}
		logger.Warn("service stopped with error", zap.Error(e))
	}
}

// SendMessage sends payload to one session. Failures are logged and returned; they
// never affect other sessions.
func (n *Node) SendMessage(id p2p.SessionID, payload []byte) error {
	if err := n.service.SendMessageTo(id, ProtocolID, payload); err != nil {
		n.logger.Warn("send failed", zap.Uint64("session", uint64(id)), zap.Error(err))
		return err
	}
	return nil
}

// BroadcastMessage sends payload once to every open session, inbound or outbound.
func (n *Node) BroadcastMessage(payload []byte) error {
	err := n.service.FilterBroadcast(p2p.TargetAll, ProtocolID, payload)
	for _, e := range multierr.Errors(err) {
		n.logger.Warn("broadcast failed", zap.Error(e))
	}
	return err
}

// Fatal reports inbound messages that could not be delivered because the consumer
// closed its queue. Applications should treat a value here as fatal.
func (n *Node) Fatal() <-chan error { return n.fatal }

// ListenAddr returns the bound listen address, or nil if the node is dial only.
func (n *Node) ListenAddr() net.Addr { return n.listenAddr }

// PeerID returns the identity remote nodes see for this node.
func (n *Node) PeerID() string { return n.peerID }

// Registry exposes the node's registry for inspection.
func (n *Node) Registry() *PeerRegistry { return n.registry }

// Sessions lists the open sessions.
func (n *Node) Sessions() []p2p.SessionInfo { return n.service.Sessions() }

// Close stops the scheduler and the transport. It is safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		n.closeErr = n.service.Close()
		n.wg.Wait()
		n.logger.Info("node stopped")
	})
	return n.closeErr
}
