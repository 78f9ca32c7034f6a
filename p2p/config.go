package p2p

import (
	"io"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// Config holds the transport's timeouts and tuning.
//
// Fields:
//   - DialTimeout: Upper bound for establishing the TCP connection of a dial.
//   - HandshakeTimeout: Upper bound for the Noise handshake and for reading a stream's protocol header.
//   - WriteTimeout: Deadline applied to every frame write; zero disables it.
//   - EventBuffer: Capacity of the event loop queue.
//   - Yamux: Multiplexer settings, see DefaultYamuxConfig.
//   - Logger: Destination for transport logs.
type Config struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	EventBuffer      int
	Yamux            *yamux.Config
	Logger           *zap.Logger
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		EventBuffer:      1024,
		Yamux:            DefaultYamuxConfig(),
		Logger:           zap.NewNop(),
	}
}

// DefaultYamuxConfig returns yamux settings with its own logging discarded.
func DefaultYamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.LogOutput = io.Discard
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.Yamux == nil {
		c.Yamux = def.Yamux
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}
