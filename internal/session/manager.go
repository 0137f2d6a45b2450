package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okiri/gamelink-backend/internal/eventbus"
)

// Session status values. StatusEnded is terminal; every other status can
// reach it through abandonment or forfeit.
const (
	StatusCreated           = "created"
	StatusWaitingForPlayers = "waiting_for_players"
	StatusActive            = "active"
	StatusPaused            = "paused"
	StatusEnded             = "ended"
)

// Event types emitted on the bus by this manager.
const (
	EventCreated     = "session:created"
	EventGameStarted = "session:gameStarted"
	EventYourTurn    = "session:yourTurn"
	EventMoveMade    = "session:moveMade"
	EventGameEnded   = "session:gameEnded"
	EventChat        = "session:chat"
)

const eventSource = "session"

// End reasons recorded in Result.Reason for non-game terminations.
const (
	ReasonForfeit   = "forfeit"
	ReasonAbandoned = "abandoned"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotParticipant  = errors.New("agent is not a participant of this session")
	ErrNotActive       = errors.New("session is not active")
	ErrNotPausable     = errors.New("session cannot be paused in its current state")
	ErrNotResumable    = errors.New("session is not paused")
	ErrAlreadyEnded    = errors.New("session has already ended")
	ErrUnknownGameType = errors.New("unknown game type")
)

// Participant fills one of the two player slots.
type Participant struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
}

// Result records how a session ended. WinnerSlot is -1 for draws and
// aborts with no winner.
type Result struct {
	WinnerSlot int    `json:"winnerSlot"`
	WinnerID   string `json:"winnerId,omitempty"`
	Draw       bool   `json:"draw"`
	Reason     string `json:"reason,omitempty"`
}

// Session is one live paired game. Owned exclusively by the Manager;
// external readers receive View copies.
type Session struct {
	ID           string
	GameType     string
	MatchCode    string
	Players      [2]Participant
	ready        [2]bool
	State        json.RawMessage
	Status       string
	MoveCount    uint64
	Turn         int
	Result       *Result
	CreatedAt    time.Time
	LastActivity time.Time
}

// View is the client-facing snapshot of a session.
type View struct {
	ID        string          `json:"sessionId"`
	GameType  string          `json:"gameType"`
	Players   [2]Participant  `json:"players"`
	State     json.RawMessage `json:"state,omitempty"`
	Status    string          `json:"status"`
	MoveCount uint64          `json:"moveCount"`
	Turn      int             `json:"turn"`
	Result    *Result         `json:"result,omitempty"`
}

func (s *Session) view() View {
	v := View{
		ID:        s.ID,
		GameType:  s.GameType,
		Players:   s.Players,
		Status:    s.Status,
		MoveCount: s.MoveCount,
		Turn:      s.Turn,
	}
	if len(s.State) > 0 {
		v.State = append(json.RawMessage(nil), s.State...)
	}
	if s.Result != nil {
		r := *s.Result
		v.Result = &r
	}
	return v
}

func (s *Session) slotOf(agentID string) int {
	for i, p := range s.Players {
		if p.AgentID == agentID {
			return i
		}
	}
	return -1
}

// Broadcaster delivers state snapshots and session events to an agent's
// live connection. The gateway implements it; a nil broadcaster drops
// everything, which tests rely on.
type Broadcaster interface {
	SendState(agentID string, view View)
	SendEvent(agentID string, event string, data any)
}

// ResultArchiver persists the result of an ended session. The concrete
// store lives in internal/archive; a nil archiver skips persistence.
type ResultArchiver interface {
	SaveResult(ctx context.Context, sessionID, gameType string, result Result, moves uint64) error
}

// Config tunes session lifecycle handling.
type Config struct {
	// IdleTimeout forces sessions with no activity past this age to end
	// with an abandonment result.
	IdleTimeout time.Duration
	// SweepInterval is how often the abandonment sweep runs.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Manager owns the session table and drives every session state machine.
// Per-session mutations are serialized behind the manager mutex; bus
// events and broadcasts fire after the mutex is released.
type Manager struct {
	cfg      Config
	registry *Registry
	bus      *eventbus.Bus
	bcast    Broadcaster
	archiver ResultArchiver
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates a session manager. bcast and archiver may be nil.
func NewManager(cfg Config, registry *Registry, bus *eventbus.Bus, bcast Broadcaster, archiver ResultArchiver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		bus:      bus,
		bcast:    bcast,
		archiver: archiver,
		logger:   logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetBroadcaster wires the gateway in after construction. The gateway
// needs the manager to route actions, so one of the two references is
// necessarily late-bound. Must be called before the manager starts
// serving traffic.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.bcast = b
}

// Start runs the abandonment sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("session abandonment sweep started", "interval", m.cfg.SweepInterval, "idleTimeout", m.cfg.IdleTimeout)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("session sweep stopping")
				return
			case <-ticker.C:
				m.SweepAbandoned()
			}
		}
	}()
}

// Create builds a session for a matched pair. Both slots are filled
// immediately; the session waits for both ready signals before play.
func (m *Manager) Create(gameType, matchCode string, host, guest Participant) (View, error) {
	if _, ok := m.registry.Lookup(gameType); !ok {
		return View{}, ErrUnknownGameType
	}

	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		GameType:     gameType,
		MatchCode:    matchCode,
		Players:      [2]Participant{host, guest},
		Status:       StatusWaitingForPlayers,
		Turn:         -1,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	view := s.view()
	m.mu.Unlock()

	m.logger.Info("session created", "sessionId", s.ID, "gameType", gameType, "host", host.AgentID, "guest", guest.AgentID)
	m.emit(EventCreated, map[string]any{"sessionId": s.ID, "gameType": gameType})
	return view, nil
}

// MarkReady records a participant's ready signal. When both slots are
// ready the session transitions to active: the initial state is built,
// game start is announced, and slot 0 is told it is their turn.
func (m *Manager) MarkReady(sessionID, agentID string) (View, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrSessionNotFound
	}
	slot := s.slotOf(agentID)
	if slot < 0 {
		m.mu.Unlock()
		return View{}, ErrNotParticipant
	}
	if s.Status != StatusWaitingForPlayers {
		m.mu.Unlock()
		return View{}, ErrNotActive
	}

	s.ready[slot] = true
	s.LastActivity = m.now()
	started := s.ready[0] && s.ready[1]
	if started {
		rules, _ := m.registry.Lookup(s.GameType)
		s.State = rules.InitialState()
		s.Status = StatusActive
		s.Turn = 0
	}
	view := s.view()
	players := s.Players
	m.mu.Unlock()

	if started {
		m.logger.Info("session started", "sessionId", sessionID)
		m.emit(EventGameStarted, map[string]any{"sessionId": sessionID, "gameType": view.GameType})
		m.emit(EventYourTurn, map[string]any{"sessionId": sessionID, "agentId": players[0].AgentID, "slot": 0})
		m.broadcastState(players, view)
		m.sendEvent(players[0].AgentID, EventYourTurn, map[string]any{"sessionId": sessionID, "slot": 0})
	}
	return view, nil
}

// SubmitMove dispatches a move through the game's Rules. On acceptance
// the move counter advances, a moveMade event fires, and the new state is
// broadcast to both participants. A terminal outcome ends the session.
func (m *Manager) SubmitMove(sessionID, agentID string, move json.RawMessage) (View, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrSessionNotFound
	}
	slot := s.slotOf(agentID)
	if slot < 0 {
		m.mu.Unlock()
		return View{}, ErrNotParticipant
	}
	if s.Status != StatusActive {
		m.mu.Unlock()
		if s.Status == StatusEnded {
			return View{}, ErrAlreadyEnded
		}
		return View{}, ErrNotActive
	}

	rules, _ := m.registry.Lookup(s.GameType)
	newState, outcome, err := rules.ApplyMove(s.State, slot, move)
	if err != nil {
		m.mu.Unlock()
		return View{}, err
	}

	s.State = newState
	s.MoveCount++
	s.Turn = 1 - slot
	s.LastActivity = m.now()

	var ended View
	if outcome != nil {
		m.endLocked(s, resultFromOutcome(s, outcome))
		ended = s.view()
	}
	view := s.view()
	players := s.Players
	moveCount := s.MoveCount
	m.mu.Unlock()

	m.emit(EventMoveMade, map[string]any{
		"sessionId": sessionID,
		"agentId":   agentID,
		"slot":      slot,
		"moveCount": moveCount,
	})
	m.broadcastState(players, view)
	if outcome != nil {
		m.finishEnded(ended, players)
	} else {
		next := players[1-slot]
		m.emit(EventYourTurn, map[string]any{"sessionId": sessionID, "agentId": next.AgentID, "slot": 1 - slot})
		m.sendEvent(next.AgentID, EventYourTurn, map[string]any{"sessionId": sessionID, "slot": 1 - slot})
	}
	return view, nil
}

// Pause suspends an active session.
func (m *Manager) Pause(sessionID, agentID string) (View, error) {
	return m.shift(sessionID, agentID, StatusActive, StatusPaused, ErrNotPausable)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(sessionID, agentID string) (View, error) {
	return m.shift(sessionID, agentID, StatusPaused, StatusActive, ErrNotResumable)
}

func (m *Manager) shift(sessionID, agentID, from, to string, stateErr error) (View, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrSessionNotFound
	}
	if s.slotOf(agentID) < 0 {
		m.mu.Unlock()
		return View{}, ErrNotParticipant
	}
	if s.Status != from {
		m.mu.Unlock()
		return View{}, stateErr
	}
	s.Status = to
	s.LastActivity = m.now()
	view := s.view()
	players := s.Players
	m.mu.Unlock()

	m.logger.Info("session status changed", "sessionId", sessionID, "from", from, "to", to)
	m.broadcastState(players, view)
	return view, nil
}

// Forfeit ends the session with the opponent as winner. Allowed from any
// non-terminal state.
func (m *Manager) Forfeit(sessionID, agentID string) (View, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrSessionNotFound
	}
	slot := s.slotOf(agentID)
	if slot < 0 {
		m.mu.Unlock()
		return View{}, ErrNotParticipant
	}
	if s.Status == StatusEnded {
		m.mu.Unlock()
		return View{}, ErrAlreadyEnded
	}

	winner := 1 - slot
	m.endLocked(s, Result{
		WinnerSlot: winner,
		WinnerID:   s.Players[winner].AgentID,
		Reason:     ReasonForfeit,
	})
	view := s.view()
	players := s.Players
	m.mu.Unlock()

	m.finishEnded(view, players)
	return view, nil
}

// Chat relays a chat line to both participants. Messages are not stored.
func (m *Manager) Chat(sessionID, agentID, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.slotOf(agentID) < 0 {
		m.mu.Unlock()
		return ErrNotParticipant
	}
	players := s.Players
	name := s.Players[s.slotOf(agentID)].Name
	m.mu.Unlock()

	payload := map[string]any{"sessionId": sessionID, "agentId": agentID, "name": name, "text": text}
	m.emit(EventChat, payload)
	for _, p := range players {
		m.sendEvent(p.AgentID, EventChat, payload)
	}
	return nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return View{}, ErrSessionNotFound
	}
	return s.view(), nil
}

// SweepAbandoned force-ends sessions idle past the configured timeout.
func (m *Manager) SweepAbandoned() {
	m.mu.Lock()
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	type endedSession struct {
		view    View
		players [2]Participant
	}
	var ended []endedSession
	for _, s := range m.sessions {
		if s.Status == StatusEnded || !s.LastActivity.Before(cutoff) {
			continue
		}
		m.endLocked(s, Result{WinnerSlot: -1, Reason: ReasonAbandoned})
		ended = append(ended, endedSession{view: s.view(), players: s.Players})
	}
	m.mu.Unlock()

	for _, e := range ended {
		m.logger.Warn("session abandoned", "sessionId", e.view.ID)
		m.finishEnded(e.view, e.players)
	}
}

// endLocked performs the terminal transition. Caller holds m.mu and is
// responsible for event emission and archiving afterwards via
// finishEnded. The session is removed from the table; the archiver keeps
// the durable record.
func (m *Manager) endLocked(s *Session, result Result) {
	s.Status = StatusEnded
	s.Result = &result
	delete(m.sessions, s.ID)
}

// finishEnded publishes the end of a session and archives its result.
func (m *Manager) finishEnded(view View, players [2]Participant) {
	m.logger.Info("session ended", "sessionId", view.ID, "result", view.Result)
	m.emit(EventGameEnded, map[string]any{"sessionId": view.ID, "result": view.Result})
	for _, p := range players {
		m.sendEvent(p.AgentID, EventGameEnded, map[string]any{"sessionId": view.ID, "result": view.Result})
	}
	if m.archiver != nil && view.Result != nil {
		if err := m.archiver.SaveResult(context.Background(), view.ID, view.GameType, *view.Result, view.MoveCount); err != nil {
			m.logger.Error("failed to archive session result", "sessionId", view.ID, "error", err)
		}
	}
}

func resultFromOutcome(s *Session, out *Outcome) Result {
	r := Result{WinnerSlot: out.WinnerSlot, Draw: out.Draw, Reason: out.Reason}
	if !out.Draw && out.WinnerSlot >= 0 && out.WinnerSlot < len(s.Players) {
		r.WinnerID = s.Players[out.WinnerSlot].AgentID
	}
	if out.Draw {
		r.WinnerSlot = -1
	}
	return r
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) emit(eventType string, payload any) {
	if m.bus != nil {
		m.bus.Emit(eventType, payload, eventSource)
	}
}

func (m *Manager) broadcastState(players [2]Participant, view View) {
	if m.bcast == nil {
		return
	}
	for _, p := range players {
		m.bcast.SendState(p.AgentID, view)
	}
}

func (m *Manager) sendEvent(agentID, event string, data any) {
	if m.bcast != nil {
		m.bcast.SendEvent(agentID, event, data)
	}
}
