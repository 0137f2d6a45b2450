package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/okiri/gamelink-backend/internal/protocol"
)

// sender abstracts the outbound half of a client connection so the
// router can be exercised without a live websocket.
type sender interface {
	send(env protocol.Envelope) error
}

// wsSender serializes writes to one websocket connection. gorilla
// connections allow a single concurrent writer, and broadcasts arrive
// from other agents' goroutines.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) send(env protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(env)
}

// ConnManager safely stores and retrieves the live client registry,
// keyed by agent id.
type ConnManager struct {
	clients sync.Map // map[agentID]*client
}

func NewConnManager() *ConnManager {
	return &ConnManager{}
}

func (cm *ConnManager) Add(agentID string, c *client) {
	cm.clients.Store(agentID, c)
}

func (cm *ConnManager) Remove(agentID string) {
	cm.clients.Delete(agentID)
}

func (cm *ConnManager) Get(agentID string) (*client, bool) {
	v, ok := cm.clients.Load(agentID)
	if !ok {
		return nil, false
	}
	return v.(*client), true
}

// Count returns the number of connected agents.
func (cm *ConnManager) Count() int {
	n := 0
	cm.clients.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// client is one connected agent: its identity, outbound channel, and
// the bus subscriptions it holds.
type client struct {
	agentID string
	name    string
	out     sender

	mu   sync.Mutex
	subs map[uint64]struct{}
}

func newClient(agentID, name string, out sender) *client {
	return &client{
		agentID: agentID,
		name:    name,
		out:     out,
		subs:    make(map[uint64]struct{}),
	}
}

func (c *client) trackSub(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = struct{}{}
}

func (c *client) dropSub(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

func (c *client) drainSubs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subs = make(map[uint64]struct{})
	return ids
}
