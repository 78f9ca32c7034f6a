package node

import (
	"errors"
	"fmt"

	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
	"go.uber.org/zap"
)

// ServiceEventHandler reconciles dial outcomes and closed sessions with the registry and
// reports everything else through the logger.
type ServiceEventHandler struct {
	registry Registry
	fatal    chan<- error
	logger   *zap.Logger
}

// NewServiceEventHandler returns a handler that reports delivery failures on fatal.
// fatal should be buffered; a report is dropped if nobody has drained the previous one.
func NewServiceEventHandler(reg Registry, fatal chan<- error, logger *zap.Logger) *ServiceEventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceEventHandler{registry: reg, fatal: fatal, logger: logger}
}

func (h *ServiceEventHandler) HandleError(err p2p.ServiceError) {
	switch e := err.(type) {
	case *p2p.DialerError:
		h.handleDialError(e)
	case *p2p.ProtocolHandleError:
		if errors.Is(e, ErrDeliveryClosed) {
			h.logger.Error("inbound message lost, delivery channel closed",
				zap.Uint64("session", uint64(e.Session.ID)), zap.Error(e))
			select {
			case h.fatal <- e:
			default:
			}
			return
		}
		h.logger.Warn("protocol handler failed", zap.Uint64("session", uint64(e.Session.ID)), zap.Error(e))
	default:
		h.logger.Warn("service error", zap.Error(err))
	}
}

func (h *ServiceEventHandler) handleDialError(e *p2p.DialerError) {
	switch outcome := p2p.ClassifyDial(0, e.Err).(type) {
	case p2p.DialAlreadyConnected:
		h.logger.Debug("already connected",
			zap.String("address", e.Address),
			zap.Uint64("session", uint64(outcome.Existing)))
		h.registry.Add(outcome.Existing, e.Address)
	case p2p.DialFailed:
		h.logger.Warn("dial failed", zap.String("address", e.Address), zap.Error(outcome.Err))
	case p2p.DialConnected:
		h.logger.Debug("dial error without cause", zap.String("address", e.Address))
	default:
		panic(fmt.Sprintf("node: unhandled dial outcome %T", outcome))
	}
}

func (h *ServiceEventHandler) HandleEvent(ev p2p.ServiceEvent) {
	switch e := ev.(type) {
	case p2p.SessionOpen:
		h.logger.Debug("session open", zap.Uint64("session", uint64(e.Session.ID)), zap.String("address", e.Session.Address))
	case p2p.SessionClose:
		h.logger.Debug("session close", zap.Uint64("session", uint64(e.Session.ID)), zap.String("address", e.Session.Address))
		// Covers sessions that closed before any protocol connected on them.
		h.registry.Remove(e.Session.ID)
	case p2p.ListenStarted:
		h.logger.Info("listen started", zap.String("address", e.Address))
	case p2p.ListenClose:
		h.logger.Info("listen closed", zap.String("address", e.Address))
	default:
		h.logger.Debug("service event", zap.Any("event", ev))
	}
}
