package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/okiri/gamelink-backend/internal/eventbus"
)

// Peer connection states, mirroring the RTCPeerConnectionState values
// reported by the external media stack.
const (
	PeerStateNew          = "new"
	PeerStateConnecting   = "connecting"
	PeerStateConnected    = "connected"
	PeerStateDisconnected = "disconnected"
	PeerStateFailed       = "failed"
)

// ICE connection states.
const (
	ICEStateNew          = "new"
	ICEStateChecking     = "checking"
	ICEStateConnected    = "connected"
	ICEStateCompleted    = "completed"
	ICEStateFailed       = "failed"
	ICEStateDisconnected = "disconnected"
	ICEStateClosed       = "closed"
)

// Event types emitted on the bus by this manager.
const (
	EventPeerCreated     = "peerCreated"
	EventPeerStateChange = "peerStateChange"
	EventICEStateChange  = "iceStateChange"
	EventUsingRelay      = "usingRelay"
	EventLocalCandidate  = "localCandidate"
	EventRemoteCandidate = "remoteCandidate"
	EventSignalingQueued = "signalingQueued"
	EventReset           = "reset"
)

const eventSource = "signaling"

// ErrPeerNotFound is returned for operations against an untracked peer.
var ErrPeerNotFound = errors.New("peer not found")

// ErrInvalidState is returned when a reported state is outside the
// declared vocabulary. Arbitrary strings would silently skew the stats.
var ErrInvalidState = errors.New("unknown connection state")

var peerStates = map[string]bool{
	PeerStateNew:          true,
	PeerStateConnecting:   true,
	PeerStateConnected:    true,
	PeerStateDisconnected: true,
	PeerStateFailed:       true,
}

var iceStates = map[string]bool{
	ICEStateNew:          true,
	ICEStateChecking:     true,
	ICEStateConnected:    true,
	ICEStateCompleted:    true,
	ICEStateFailed:       true,
	ICEStateDisconnected: true,
	ICEStateClosed:       true,
}

// Signaling message types relayed between peers.
const (
	MessageOffer      = "offer"
	MessageAnswer     = "answer"
	MessageCandidate  = "ice-candidate"
	MessageICEServers = "ice-servers"
)

// Message is one queued signaling message. Payload mirrors the standard
// offer/answer/candidate triple and is not interpreted here.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Peer tracks the signaling-visible state of one peer connection.
// UsingRelay is sticky: once set by a relay candidate or forced relay
// transport it is never cleared.
type Peer struct {
	ID               string    `json:"peerId"`
	ConnectionState  string    `json:"connectionState"`
	ICEState         string    `json:"iceState"`
	LocalCandidates  []string  `json:"localCandidates"`
	RemoteCandidates []string  `json:"remoteCandidates"`
	UsingRelay       bool      `json:"usingRelay"`
	ConnectedAt      time.Time `json:"connectedAt"`
}

func (p *Peer) snapshot() Peer {
	out := *p
	out.LocalCandidates = append([]string(nil), p.LocalCandidates...)
	out.RemoteCandidates = append([]string(nil), p.RemoteCandidates...)
	return out
}

// Stats aggregates over all tracked peers. Relay counts every peer with
// the sticky relay flag; Direct counts connected peers without it.
type Stats struct {
	TotalPeers        int `json:"totalPeers"`
	ActiveConnections int `json:"activeConnections"`
	FailedConnections int `json:"failedConnections"`
	RelayConnections  int `json:"relayConnections"`
	DirectConnections int `json:"directConnections"`
}

// Manager owns the peer table and the signaling message queues. It also
// issues ICE server configuration and TURN credentials (credentials.go).
type Manager struct {
	cfg    Config
	bus    *eventbus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[string]*Peer
	queues map[queueKey][]Message
	now    func() time.Time
}

type queueKey struct{ from, to string }

// NewManager creates a signaling manager publishing connectivity events
// on bus.
func NewManager(cfg Config, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		bus:    bus,
		logger: logger,
		peers:  make(map[string]*Peer),
		queues: make(map[queueKey][]Message),
		now:    time.Now,
	}
}

// CreatePeer registers a peer id. Creation is idempotent: an existing
// peer is returned unchanged and no event fires.
func (m *Manager) CreatePeer(peerID string) Peer {
	m.mu.Lock()
	if existing, ok := m.peers[peerID]; ok {
		snap := existing.snapshot()
		m.mu.Unlock()
		return snap
	}
	peer := &Peer{
		ID:               peerID,
		ConnectionState:  PeerStateNew,
		ICEState:         ICEStateNew,
		LocalCandidates:  []string{},
		RemoteCandidates: []string{},
	}
	m.peers[peerID] = peer
	snap := peer.snapshot()
	m.mu.Unlock()

	m.logger.Info("peer created", "peerId", peerID)
	m.emit(EventPeerCreated, map[string]any{"peerId": peerID})
	return snap
}

// SetPeerState updates the connection state. Reaching "connected" records
// the connect timestamp once; under forced relay transport a connected
// peer is immediately marked as relay-using.
func (m *Manager) SetPeerState(peerID, state string) (Peer, error) {
	if !peerStates[state] {
		return Peer{}, ErrInvalidState
	}
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return Peer{}, ErrPeerNotFound
	}
	peer.ConnectionState = state
	var becameRelay bool
	if state == PeerStateConnected {
		if peer.ConnectedAt.IsZero() {
			peer.ConnectedAt = m.now()
		}
		if m.cfg.ForceRelay && !peer.UsingRelay {
			peer.UsingRelay = true
			becameRelay = true
		}
	}
	snap := peer.snapshot()
	m.mu.Unlock()

	m.emit(EventPeerStateChange, map[string]any{"peerId": peerID, "state": state})
	if becameRelay {
		m.emit(EventUsingRelay, map[string]any{"peerId": peerID, "forced": true})
	}
	return snap, nil
}

// SetICEState updates the ICE connection state. With forced relay
// transport, ICE reaching "connected" emits a usingRelay event.
func (m *Manager) SetICEState(peerID, state string) (Peer, error) {
	if !iceStates[state] {
		return Peer{}, ErrInvalidState
	}
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return Peer{}, ErrPeerNotFound
	}
	peer.ICEState = state
	var relayEvent bool
	if state == ICEStateConnected && m.cfg.ForceRelay {
		peer.UsingRelay = true
		relayEvent = true
	}
	snap := peer.snapshot()
	m.mu.Unlock()

	m.emit(EventICEStateChange, map[string]any{"peerId": peerID, "state": state})
	if relayEvent {
		m.emit(EventUsingRelay, map[string]any{"peerId": peerID, "forced": true})
	}
	return snap, nil
}

// AddLocalCandidate appends a locally gathered candidate.
func (m *Manager) AddLocalCandidate(peerID, candidate string) (Peer, error) {
	return m.addCandidate(peerID, candidate, true)
}

// AddRemoteCandidate appends a candidate reported by the remote side.
func (m *Manager) AddRemoteCandidate(peerID, candidate string) (Peer, error) {
	return m.addCandidate(peerID, candidate, false)
}

func (m *Manager) addCandidate(peerID, candidate string, local bool) (Peer, error) {
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return Peer{}, ErrPeerNotFound
	}
	if local {
		peer.LocalCandidates = append(peer.LocalCandidates, candidate)
	} else {
		peer.RemoteCandidates = append(peer.RemoteCandidates, candidate)
	}

	kind := CandidateType(candidate)
	var becameRelay bool
	if kind == "relay" && !peer.UsingRelay {
		peer.UsingRelay = true
		becameRelay = true
	}
	snap := peer.snapshot()
	m.mu.Unlock()

	event := EventRemoteCandidate
	if local {
		event = EventLocalCandidate
	}
	m.emit(event, map[string]any{
		"peerId":   peerID,
		"type":     kind,
		"priority": CandidatePriority(candidate),
	})
	if becameRelay {
		m.logger.Info("peer switched to relay transport", "peerId", peerID)
		m.emit(EventUsingRelay, map[string]any{"peerId": peerID, "forced": false})
	}
	return snap, nil
}

// GetPeer returns a snapshot of a tracked peer; candidate lists are
// defensive copies.
func (m *Manager) GetPeer(peerID string) (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[peerID]
	if !ok {
		return Peer{}, ErrPeerNotFound
	}
	return peer.snapshot(), nil
}

// GetStats aggregates over all tracked peers.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	stats.TotalPeers = len(m.peers)
	for _, peer := range m.peers {
		connected := peer.ConnectionState == PeerStateConnected
		if connected {
			stats.ActiveConnections++
		}
		if peer.ConnectionState == PeerStateFailed {
			stats.FailedConnections++
		}
		if peer.UsingRelay {
			stats.RelayConnections++
		} else if connected {
			stats.DirectConnections++
		}
	}
	return stats
}

// QueueMessage appends a signaling message to the (from,to) queue.
func (m *Manager) QueueMessage(msgType, from, to string, payload json.RawMessage) Message {
	msg := Message{
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: m.now(),
	}
	key := queueKey{from: from, to: to}

	m.mu.Lock()
	m.queues[key] = append(m.queues[key], msg)
	depth := len(m.queues[key])
	m.mu.Unlock()

	m.logger.Debug("signaling message queued", "type", msgType, "from", from, "to", to, "depth", depth)
	m.emit(EventSignalingQueued, map[string]any{"type": msgType, "from": from, "to": to})
	return msg
}

// PendingMessages returns and atomically clears the queue for the
// (from,to) pair. Messages are delivered at most once per read.
func (m *Manager) PendingMessages(from, to string) []Message {
	key := queueKey{from: from, to: to}

	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queues[key]
	if len(msgs) == 0 {
		return []Message{}
	}
	delete(m.queues, key)
	return msgs
}

// Reset clears all peers and queues and announces the reinitialization.
// Intended for full-state restarts, not steady-state operation.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.peers = make(map[string]*Peer)
	m.queues = make(map[queueKey][]Message)
	m.mu.Unlock()

	m.logger.Warn("signaling state reset")
	m.emit(EventReset, nil)
}

func (m *Manager) emit(eventType string, payload any) {
	if m.bus != nil {
		m.bus.Emit(eventType, payload, eventSource)
	}
}
