package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okiri/gamelink-backend/internal/protocol"
)

const (
	// pongWait is how long a connection may stay silent before it is
	// considered dead; the client answers server pings within it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// upgrader promotes an HTTP request to a persistent WebSocket connection.
var upgrader = websocket.Upgrader{
	// Allow connections from any origin (for development). In production
	// this should be restricted to the game client's origin.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeHTTP upgrades the connection, registers the agent, and runs the
// read pump for the lifetime of the connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = agentID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("failed to upgrade connection to websocket", "agentId", agentID, "error", err)
		return
	}
	g.logger.Info("websocket connection established", "agentId", agentID)

	c := newClient(agentID, name, &wsSender{conn: conn})
	g.conns.Add(agentID, c)

	// Welcome carries the identity the server registered and the current
	// event sequence so the client can replay from here after a drop.
	g.reply(c, "", protocol.KindWelcome, map[string]any{
		"agentId": agentID,
		"name":    name,
		"seq":     g.bus.MaxSeq(),
	})

	g.readPump(conn, c)
}

// readPump consumes messages until the connection breaks. The deferred
// cleanup releases the agent's registration and bus subscriptions no
// matter how the loop exits.
func (g *Gateway) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		g.logger.Info("closing websocket connection", "agentId", c.agentID)
		for _, id := range c.drainSubs() {
			g.bus.Unsubscribe(id)
		}
		g.conns.Remove(c.agentID)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Server-side pings keep NAT bindings warm and detect dead peers.
	stopPings := make(chan struct{})
	defer close(stopPings)
	go g.pingLoop(conn, stopPings)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("websocket closed unexpectedly", "agentId", c.agentID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if !g.handleMessage(c, raw) {
			g.logger.Warn("closing connection after unrecoverable protocol error", "agentId", c.agentID)
			return
		}
	}
}

func (g *Gateway) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
