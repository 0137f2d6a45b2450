package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/okiri/gamelink-backend/internal/eventbus"
	"github.com/okiri/gamelink-backend/internal/matchmaking"
	"github.com/okiri/gamelink-backend/internal/protocol"
	"github.com/okiri/gamelink-backend/internal/session"
	"github.com/okiri/gamelink-backend/internal/signaling"
)

// handleMessage validates one raw inbound message and dispatches it.
// Every failure is reported back to the originating client as an `error`
// envelope. The return value tells the read pump whether the connection
// may stay open; only connection-family errors are terminal.
func (g *Gateway) handleMessage(c *client, raw []byte) bool {
	env, perr := protocol.Validate(raw)
	if perr != nil {
		g.sendError(c, "", perr)
		return perr.Recoverable()
	}

	switch env.Type {
	case protocol.KindPing:
		g.reply(c, env.RequestID, protocol.KindPong, map[string]any{"time": time.Now().UnixMilli()})
	case protocol.KindAction:
		g.handleAction(c, env)
	case protocol.KindQuery:
		g.handleQuery(c, env)
	case protocol.KindKey:
		g.handleKey(c, env)
	case protocol.KindSubscribe:
		g.handleSubscribe(c, env)
	case protocol.KindUnsubscribe:
		g.handleUnsubscribe(c, env)
	}
	return true
}

// Action names accepted in `action` envelopes.
const (
	actionHostGame       = "host_game"
	actionJoinMatch      = "join_match"
	actionCancelMatch    = "cancel_match"
	actionListMatches    = "list_matches"
	actionReady          = "ready"
	actionMove           = "move"
	actionPause          = "pause"
	actionResume         = "resume"
	actionForfeit        = "forfeit"
	actionChat           = "chat"
	actionSignal         = "signal"
	actionPendingSignals = "get_pending_signals"
	actionPeerCreate     = "peer_create"
	actionPeerState      = "peer_state"
	actionICEState       = "ice_state"
	actionAddCandidate   = "add_candidate"
)

type actionPayload struct {
	Action    string          `json:"action"`
	GameType  string          `json:"gameType"`
	Code      string          `json:"code"`
	SessionID string          `json:"sessionId"`
	Move      json.RawMessage `json:"move"`
	Text      string          `json:"text"`

	// Signaling fields.
	To         string          `json:"to"`
	From       string          `json:"from"`
	SignalType string          `json:"signalType"`
	Signal     json.RawMessage `json:"signal"`
	PeerID     string          `json:"peerId"`
	State      string          `json:"state"`
	Candidate  string          `json:"candidate"`
	Local      bool            `json:"local"`
}

func (g *Gateway) handleAction(c *client, env protocol.Envelope) {
	var p actionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeInvalidField, "payload"))
		return
	}

	switch p.Action {
	case actionHostGame:
		g.hostGame(c, env.RequestID, p)
	case actionJoinMatch:
		g.joinMatch(c, env.RequestID, p)
	case actionCancelMatch:
		if err := g.matches.CancelMatch(p.Code, c.agentID); err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.ack(c, env.RequestID, map[string]any{"action": actionCancelMatch, "matchCode": p.Code})
	case actionListMatches:
		g.ack(c, env.RequestID, map[string]any{
			"action":           actionListMatches,
			"availableMatches": g.matches.ListWaitingMatches(),
			"myPendingMatches": g.matches.PendingFor(c.agentID),
			"stats":            g.matches.GetStats(),
		})
	case actionReady:
		view, err := g.sessions.MarkReady(p.SessionID, c.agentID)
		if err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.ack(c, env.RequestID, map[string]any{"action": actionReady, "sessionId": view.ID, "status": view.Status})
	case actionMove:
		view, err := g.sessions.SubmitMove(p.SessionID, c.agentID, p.Move)
		if err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.ack(c, env.RequestID, map[string]any{"action": actionMove, "sessionId": view.ID, "moveCount": view.MoveCount})
	case actionPause:
		g.sessionShift(c, env.RequestID, p.Action, p.SessionID, g.sessions.Pause)
	case actionResume:
		g.sessionShift(c, env.RequestID, p.Action, p.SessionID, g.sessions.Resume)
	case actionForfeit:
		g.sessionShift(c, env.RequestID, p.Action, p.SessionID, g.sessions.Forfeit)
	case actionChat:
		if err := g.sessions.Chat(p.SessionID, c.agentID, p.Text); err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.ack(c, env.RequestID, map[string]any{"action": actionChat, "sessionId": p.SessionID})
	case actionSignal:
		g.signal(c, env.RequestID, p)
	case actionPendingSignals:
		from := p.From
		if from == "" {
			g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeMissingField, "payload.from"))
			return
		}
		g.reply(c, env.RequestID, protocol.KindResult, map[string]any{
			"messages": g.peers.PendingMessages(from, c.agentID),
		})
	case actionPeerCreate:
		peer := g.peers.CreatePeer(p.PeerID)
		g.ack(c, env.RequestID, map[string]any{"action": actionPeerCreate, "peer": peer})
	case actionPeerState:
		peer, err := g.peers.SetPeerState(p.PeerID, p.State)
		if err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.ack(c, env.RequestID, map[string]any{"action": actionPeerState, "peer": peer})
	case actionICEState:
		peer, err := g.peers.SetICEState(p.PeerID, p.State)
		if err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.ack(c, env.RequestID, map[string]any{"action": actionICEState, "peer": peer})
	case actionAddCandidate:
		add := g.peers.AddRemoteCandidate
		if p.Local {
			add = g.peers.AddLocalCandidate
		}
		peer, err := add(p.PeerID, p.Candidate)
		if err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.ack(c, env.RequestID, map[string]any{"action": actionAddCandidate, "peer": peer})
	default:
		g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeInvalidField, "unknown action "+p.Action))
	}
}

func (g *Gateway) hostGame(c *client, requestID string, p actionPayload) {
	match, err := g.matches.HostGame(c.agentID, c.name, p.GameType)
	if err != nil {
		g.sendError(c, requestID, mapError(err))
		return
	}
	g.ack(c, requestID, map[string]any{
		"action":    actionHostGame,
		"matchCode": match.Code,
		"expiresIn": int64(time.Until(match.ExpiresAt) / time.Second),
		"gameType":  match.GameType,
	})
}

// joinMatch pairs the caller into the match, creates the game session,
// binds its id to the match record, and notifies the waiting host.
func (g *Gateway) joinMatch(c *client, requestID string, p actionPayload) {
	match, err := g.matches.JoinMatch(p.Code, c.agentID, c.name)
	if err != nil {
		g.sendError(c, requestID, mapError(err))
		return
	}

	view, err := g.sessions.Create(
		match.GameType,
		match.Code,
		session.Participant{AgentID: match.HostID, Name: match.HostName},
		session.Participant{AgentID: match.GuestID, Name: match.GuestName},
	)
	if err != nil {
		g.sendError(c, requestID, mapError(err))
		return
	}
	if _, err := g.matches.SetSessionID(match.Code, view.ID); err != nil {
		// The binding table entry is created by JoinMatch above; losing
		// it mid-flight is a bug, not a client error.
		g.logger.Error("failed to bind session to match", "code", match.Code, "error", err)
	}

	g.ack(c, requestID, map[string]any{
		"action":    actionJoinMatch,
		"sessionId": view.ID,
		"yourSlot":  1,
		"opponent":  match.HostName,
	})
	g.SendEvent(match.HostID, "opponent_found", map[string]any{
		"sessionId": view.ID,
		"yourSlot":  0,
		"opponent":  match.GuestName,
		"matchCode": match.Code,
	})
}

func (g *Gateway) signal(c *client, requestID string, p actionPayload) {
	if p.To == "" {
		g.sendError(c, requestID, protocol.NewError(protocol.CodeMissingField, "payload.to"))
		return
	}
	msg := g.peers.QueueMessage(p.SignalType, c.agentID, p.To, p.Signal)
	g.ack(c, requestID, map[string]any{"action": actionSignal, "queuedAt": msg.Timestamp})

	// Push a nudge to the recipient if they are online; the payload
	// itself stays in the queue until drained.
	g.SendEvent(p.To, signaling.EventSignalingQueued, map[string]any{"from": c.agentID, "type": p.SignalType})
}

func (g *Gateway) sessionShift(c *client, requestID, action, sessionID string, fn func(string, string) (session.View, error)) {
	view, err := fn(sessionID, c.agentID)
	if err != nil {
		g.sendError(c, requestID, mapError(err))
		return
	}
	g.ack(c, requestID, map[string]any{"action": action, "sessionId": view.ID, "status": view.Status})
}

// handleKey treats raw key input as a move against the session; games
// like snake consume the key name directly as their move payload. The
// key field itself was already checked by Validate.
func (g *Gateway) handleKey(c *client, env protocol.Envelope) {
	sessionID := protocol.PayloadField(env, "sessionId")
	if sessionID == "" {
		g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeMissingField, "payload.sessionId"))
		return
	}
	move, _ := json.Marshal(map[string]string{"key": protocol.PayloadField(env, "key")})
	if _, err := g.sessions.SubmitMove(sessionID, c.agentID, move); err != nil {
		g.sendError(c, env.RequestID, mapError(err))
	}
}

// Query names accepted in `query` envelopes.
const (
	queryICEServers  = "ice_servers"
	queryICEConfig   = "ice_config"
	queryHistory     = "history"
	queryEventsSince = "events_since"
	queryStats       = "stats"
	querySession     = "session"
)

type queryPayload struct {
	Query     string   `json:"query"`
	Types     []string `json:"types"`
	Sources   []string `json:"sources"`
	Limit     int      `json:"limit"`
	Since     uint64   `json:"since"`
	SessionID string   `json:"sessionId"`
}

func (g *Gateway) handleQuery(c *client, env protocol.Envelope) {
	var p queryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeInvalidField, "payload"))
		return
	}

	switch p.Query {
	case queryICEServers:
		g.reply(c, env.RequestID, protocol.KindResult, map[string]any{
			"iceServers": g.peers.ICEServers(c.agentID),
		})
	case queryICEConfig:
		g.reply(c, env.RequestID, protocol.KindResult, map[string]any{
			"config": g.peers.ConfigSummary(),
		})
	case queryHistory:
		events := g.bus.History(eventbus.Filter{Types: p.Types, Sources: p.Sources}, p.Limit)
		g.reply(c, env.RequestID, protocol.KindResult, map[string]any{"events": events})
	case queryEventsSince:
		g.reply(c, env.RequestID, protocol.KindResult, map[string]any{
			"events": g.bus.EventsSince(p.Since),
			"maxSeq": g.bus.MaxSeq(),
		})
	case queryStats:
		g.reply(c, env.RequestID, protocol.KindResult, map[string]any{
			"matchmaking": g.matches.GetStats(),
			"sessions":    g.sessions.Count(),
			"peers":       g.peers.GetStats(),
			"connections": g.conns.Count(),
		})
	case querySession:
		view, err := g.sessions.Get(p.SessionID)
		if err != nil {
			g.sendError(c, env.RequestID, mapError(err))
			return
		}
		g.reply(c, env.RequestID, protocol.KindResult, map[string]any{"session": view})
	default:
		g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeInvalidField, "unknown query "+p.Query))
	}
}

// handleSubscribe attaches a bus subscription forwarding matching events
// to this connection as `event` envelopes.
func (g *Gateway) handleSubscribe(c *client, env protocol.Envelope) {
	var p struct {
		Types   []string `json:"types"`
		Sources []string `json:"sources"`
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeInvalidField, "payload"))
			return
		}
	}

	id := g.bus.Subscribe(func(ev eventbus.Event) {
		if err := c.out.send(protocol.NewServerEnvelope(protocol.KindEvent, map[string]any{
			"event":   ev.Type,
			"seq":     ev.Seq,
			"source":  ev.Source,
			"payload": ev.Payload,
		})); err != nil {
			g.logger.Warn("failed to forward event", "agentId", c.agentID, "error", err)
		}
	}, eventbus.Filter{Types: p.Types, Sources: p.Sources})
	c.trackSub(id)

	g.ack(c, env.RequestID, map[string]any{"subscriptionId": id})
}

func (g *Gateway) handleUnsubscribe(c *client, env protocol.Envelope) {
	var p struct {
		SubscriptionID uint64 `json:"subscriptionId"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SubscriptionID == 0 {
		g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeMissingField, "payload.subscriptionId"))
		return
	}
	if !c.dropSub(p.SubscriptionID) {
		g.sendError(c, env.RequestID, protocol.NewError(protocol.CodeInvalidField, "unknown subscription"))
		return
	}
	g.bus.Unsubscribe(p.SubscriptionID)
	g.ack(c, env.RequestID, map[string]any{"subscriptionId": p.SubscriptionID, "removed": true})
}

func (g *Gateway) ack(c *client, requestID string, data map[string]any) {
	g.reply(c, requestID, protocol.KindAck, data)
}

func (g *Gateway) reply(c *client, requestID, kind string, data any) {
	env := protocol.NewServerEnvelope(kind, data)
	env.RequestID = requestID
	if err := c.out.send(env); err != nil {
		g.logger.Warn("failed to send reply", "agentId", c.agentID, "kind", kind, "error", err)
	}
}

func (g *Gateway) sendError(c *client, requestID string, perr *protocol.Error) {
	env := protocol.NewServerEnvelope(protocol.KindError, perr)
	env.RequestID = requestID
	if err := c.out.send(env); err != nil {
		g.logger.Warn("failed to send error", "agentId", c.agentID, "error", err)
	}
}

// mapError translates manager sentinel errors into the client-visible
// taxonomy. Unknown errors surface as a generic internal error so no
// internal detail leaks.
func mapError(err error) *protocol.Error {
	switch {
	case errors.Is(err, matchmaking.ErrMatchNotFound):
		return protocol.NewError(protocol.CodeMatchNotFound, "")
	case errors.Is(err, matchmaking.ErrInvalidCode):
		return protocol.NewError(protocol.CodeMatchNotFound, "invalid code format")
	case errors.Is(err, matchmaking.ErrMatchExpired):
		return protocol.NewError(protocol.CodeMatchExpired, "")
	case errors.Is(err, matchmaking.ErrMatchUsed), errors.Is(err, matchmaking.ErrNotCancellable):
		return protocol.NewError(protocol.CodeMatchUsed, "")
	case errors.Is(err, matchmaking.ErrOwnMatch):
		return protocol.NewError(protocol.CodeOwnMatch, "")
	case errors.Is(err, matchmaking.ErrNotHost):
		return protocol.NewError(protocol.CodeOwnMatch, "only the host may cancel")
	case errors.Is(err, matchmaking.ErrTooManyPending):
		return protocol.NewError(protocol.CodeTooManyMatches, "")
	case errors.Is(err, matchmaking.ErrCodeSpaceExhausted):
		return protocol.NewError(protocol.CodeUnavailable, "retry shortly")
	case errors.Is(err, matchmaking.ErrUnknownGameType):
		return protocol.NewError(protocol.CodeInvalidField, "unknown game type")
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.NewError(protocol.CodeGameNotRunning, "")
	case errors.Is(err, session.ErrNotParticipant):
		return protocol.NewError(protocol.CodeActionNotAvailable, "not a participant")
	case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrAlreadyEnded),
		errors.Is(err, session.ErrNotPausable), errors.Is(err, session.ErrNotResumable):
		return protocol.NewError(protocol.CodeInvalidGameState, "")
	case errors.Is(err, session.ErrUnknownGameType):
		return protocol.NewError(protocol.CodeInvalidField, "unknown game type")
	case errors.Is(err, session.ErrActionNotAvailable):
		return protocol.NewError(protocol.CodeActionNotAvailable, "")
	case errors.Is(err, session.ErrInvalidGameState):
		return protocol.NewError(protocol.CodeInvalidGameState, "")
	case errors.Is(err, signaling.ErrPeerNotFound):
		return protocol.NewError(protocol.CodeInvalidField, "unknown peer")
	case errors.Is(err, signaling.ErrInvalidState):
		return protocol.NewError(protocol.CodeInvalidField, "unknown connection state")
	default:
		return protocol.NewError(protocol.CodeInternal, "")
	}
}
