// Package gateway is the transport boundary: it accepts websocket
// connections, validates the wire envelope, and routes messages into the
// matchmaking, session, signaling and event-bus components. It is a thin
// adapter; all domain state lives in the managers.
package gateway

import (
	"log/slog"

	"github.com/okiri/gamelink-backend/internal/eventbus"
	"github.com/okiri/gamelink-backend/internal/matchmaking"
	"github.com/okiri/gamelink-backend/internal/protocol"
	"github.com/okiri/gamelink-backend/internal/session"
	"github.com/okiri/gamelink-backend/internal/signaling"
)

// Gateway routes validated envelopes between connected agents and the
// core managers. It implements session.Broadcaster so the session
// manager can push state to live connections.
type Gateway struct {
	matches  *matchmaking.Manager
	sessions *session.Manager
	peers    *signaling.Manager
	bus      *eventbus.Bus
	conns    *ConnManager
	logger   *slog.Logger
}

var _ session.Broadcaster = (*Gateway)(nil)

// New creates a gateway over the given managers and registers itself as
// the session broadcaster.
func New(matches *matchmaking.Manager, sessions *session.Manager, peers *signaling.Manager, bus *eventbus.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		matches:  matches,
		sessions: sessions,
		peers:    peers,
		bus:      bus,
		conns:    NewConnManager(),
		logger:   logger,
	}
	sessions.SetBroadcaster(g)
	return g
}

// SendState pushes a session snapshot to an agent's connection. Agents
// without a live connection are skipped; they resynchronize through
// events_since on reconnect.
func (g *Gateway) SendState(agentID string, view session.View) {
	c, ok := g.conns.Get(agentID)
	if !ok {
		return
	}
	if err := c.out.send(protocol.NewServerEnvelope(protocol.KindState, view)); err != nil {
		g.logger.Warn("failed to send state", "agentId", agentID, "error", err)
	}
}

// SendEvent pushes a named session event to an agent's connection.
func (g *Gateway) SendEvent(agentID string, event string, data any) {
	c, ok := g.conns.Get(agentID)
	if !ok {
		return
	}
	if err := c.out.send(protocol.NewServerEnvelope(protocol.KindEvent, eventData(event, data))); err != nil {
		g.logger.Warn("failed to send event", "agentId", agentID, "event", event, "error", err)
	}
}

// eventData shapes `event` envelope payloads as {"event": name, ...}.
func eventData(event string, data any) map[string]any {
	out := map[string]any{"event": event}
	if fields, ok := data.(map[string]any); ok {
		for k, v := range fields {
			if k != "event" {
				out[k] = v
			}
		}
	} else if data != nil {
		out["data"] = data
	}
	return out
}
