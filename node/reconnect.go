package node

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultReconnectInterval is the pause between two reconnect cycles.
const DefaultReconnectInterval = 15 * time.Second

// Dialer starts an asynchronous dial. *p2p.Service implements it.
type Dialer interface {
	Dial(addr string) error
}

// ReconnectConfig configures a ReconnectScheduler.
//
// Fields:
//   - Interval: Time between cycles. Zero means DefaultReconnectInterval.
//   - Clock: Time source for the ticker. Nil means the wall clock.
//   - Logger: Destination for scheduler logs.
type ReconnectConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// ReconnectScheduler dials every configured peer that has no registered session, once
// per interval, for as long as it runs. There is no backoff.
type ReconnectScheduler struct {
	cfg      ReconnectConfig
	peers    []string
	registry Registry
	dialer   Dialer
	logger   *zap.Logger
}

// NewReconnectScheduler returns a scheduler for peers. The slice is copied.
func NewReconnectScheduler(cfg ReconnectConfig, peers []string, reg Registry, dialer Dialer) *ReconnectScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconnectInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ReconnectScheduler{
		cfg:      cfg,
		peers:    append([]string(nil), peers...),
		registry: reg,
		dialer:   dialer,
		logger:   cfg.Logger.Named("reconnect"),
	}
}

// Run performs a cycle immediately and then one per interval until ctx is done.
func (r *ReconnectScheduler) Run(ctx context.Context) {
	ticker := r.cfg.Clock.Ticker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.Cycle()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle dials every configured address missing from the registry and returns how many
// dials were issued. A dial that fails to start does not stop the cycle.
func (r *ReconnectScheduler) Cycle() int {
	dialed := 0
	for _, addr := range r.peers {
		if r.registry.Exists(addr) {
			continue
		}
		dialed++
		r.logger.Debug("dialing peer", zap.String("address", addr))
		if err := r.dialer.Dial(addr); err != nil {
			r.logger.Warn("dial not started", zap.String("address", addr), zap.Error(err))
		}
	}
	return dialed
}
