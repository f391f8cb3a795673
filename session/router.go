package session

import (
	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/zap"
)

// Router hands inbound packets to the session named by their first param.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: registry, logger: logger}
}

// Route delivers p and reports whether a session took it. Packets for
// unknown or deleted sessions are dropped; late frames after deletion are normal.
func (r *Router) Route(p types.Packet) bool {
	id := p.SessionID()
	if id == "" {
		r.logger.Debug("Received packet without session", zap.String("method", p.Method))
		return false
	}

	s, ok := r.registry.Lookup(id)
	if !ok {
		r.logger.Debug("Dropping packet for unknown session", zap.String("session", id), zap.String("method", p.Method))
		return false
	}

	s.HandlePacket(p)
	return true
}

// Handle is Route without the result, for use as a transport frame handler.
func (r *Router) Handle(p types.Packet) {
	r.Route(p)
}
