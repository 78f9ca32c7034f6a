package node

import (
	"errors"
	"fmt"

	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
	"go.uber.org/zap"
)

// SessionProtocolHandler keeps the registry in step with outbound sessions and hands
// every inbound frame to the delivery queue.
type SessionProtocolHandler struct {
	registry Registry
	out      Delivery
	logger   *zap.Logger
}

// NewSessionProtocolHandler returns a handler writing to reg and out.
func NewSessionProtocolHandler(reg Registry, out Delivery, logger *zap.Logger) *SessionProtocolHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionProtocolHandler{registry: reg, out: out, logger: logger}
}

func (h *SessionProtocolHandler) Init(ctx p2p.ProtocolContext) {
	h.logger.Info("protocol initialised", zap.Uint16("protocol", uint16(ctx.ProtocolID)), zap.String("name", ctx.Name))
}

// Connected registers outbound sessions only. A peer that dialed us is still dialed at
// its listening address, which differs from the ephemeral port it connected from.
func (h *SessionProtocolHandler) Connected(_ p2p.ProtocolContext, session p2p.SessionInfo) {
	h.logger.Info("session connected",
		zap.Uint64("session", uint64(session.ID)),
		zap.String("address", session.Address),
		zap.Stringer("type", session.Type))
	if session.Type == p2p.SessionOutbound {
		h.registry.Add(session.ID, session.Address)
	}
}

func (h *SessionProtocolHandler) Disconnected(_ p2p.ProtocolContext, session p2p.SessionInfo) {
	h.logger.Info("session disconnected",
		zap.Uint64("session", uint64(session.ID)),
		zap.String("address", session.Address))
	h.registry.Remove(session.ID)
}

func (h *SessionProtocolHandler) Received(_ p2p.ProtocolContext, session p2p.SessionInfo, data []byte) error {
	payload := make([]byte, len(data))
	copy(payload, data)
	err := h.out.Push(Message{SessionID: session.ID, Payload: payload})
	if errors.Is(err, ErrQueueClosed) {
		return fmt.Errorf("%w: session %d", ErrDeliveryClosed, session.ID)
	}
	return err
}
