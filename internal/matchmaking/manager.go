package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/okiri/gamelink-backend/internal/eventbus"
)

// Match status values. Transitions out of StatusWaiting are one-way:
// exactly one of matched, expired or cancelled fires, exactly once.
const (
	StatusWaiting   = "waiting"
	StatusMatched   = "matched"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Event types emitted on the bus by this manager.
const (
	EventMatchCreated   = "matchCreated"
	EventMatchFound     = "matchFound"
	EventMatchCancelled = "matchCancelled"
	EventMatchExpired   = "matchExpired"
)

const eventSource = "matchmaking"

// Sentinel errors for the action handler to translate into client-visible
// errors. Expired and already-used codes are deliberately distinct.
var (
	ErrMatchNotFound   = errors.New("match code not found")
	ErrMatchUsed       = errors.New("match code already used")
	ErrMatchExpired    = errors.New("match code expired")
	ErrOwnMatch        = errors.New("cannot join own match")
	ErrNotHost         = errors.New("only the host may cancel a match")
	ErrNotCancellable  = errors.New("match is no longer waiting")
	ErrTooManyPending  = errors.New("too many pending matches for agent")
	ErrInvalidCode     = errors.New("invalid match code format")
	ErrSessionNotBound = errors.New("match has no pending session binding")
	ErrUnknownGameType = errors.New("unknown game type")
)

// bindingGrace is how long a consumed code may sit in the matched table
// waiting for its session binding. Binding happens synchronously right
// after the join, so an entry older than this is an orphan from a failed
// session creation and is released by the sweep.
const bindingGrace = time.Minute

// Match is one match-code record. Fields are owned by the Manager;
// callers receive copies.
type Match struct {
	Code      string    `json:"code"`
	HostID    string    `json:"hostId"`
	HostName  string    `json:"hostName"`
	GuestID   string    `json:"guestId,omitempty"`
	GuestName string    `json:"guestName,omitempty"`
	GameType  string    `json:"gameType"`
	Status    string    `json:"status"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Stats summarizes manager counters for the lobby listing.
type Stats struct {
	Waiting   int `json:"waiting"`
	Matched   int `json:"matched"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
}

// Config tunes match lifetimes and limits.
type Config struct {
	CodePrefix         string
	MatchTTL           time.Duration
	SweepInterval      time.Duration
	MaxPendingPerAgent int
	// KnownGameType reports whether a game type can actually be played.
	// Hosting an unknown type is rejected up front so a join can never
	// consume a code for a session that cannot be created. A nil func
	// accepts any type.
	KnownGameType func(gameType string) bool
}

func (c Config) withDefaults() Config {
	if c.CodePrefix == "" {
		c.CodePrefix = "LIKU"
	}
	if c.MatchTTL <= 0 {
		c.MatchTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxPendingPerAgent <= 0 {
		c.MaxPendingPerAgent = 3
	}
	return c
}

// Manager owns the active match index. All mutations are serialized
// behind its mutex; no other component writes to the index. Bus events
// are emitted after the mutex is released so subscribers may safely call
// back into the manager.
type Manager struct {
	cfg    Config
	bus    *eventbus.Bus
	logger *slog.Logger

	mu sync.Mutex
	// active holds non-terminal (waiting) matches keyed by code.
	active map[string]*Match
	// matched holds consumed codes awaiting a session binding from the
	// session manager. Entries are dropped once SetSessionID fires, or by
	// the sweep once their binding deadline passes.
	matched map[string]*pendingBinding
	// byHost counts waiting matches per host agent id.
	byHost map[string]int
	stats  Stats
	now    func() time.Time
}

// NewManager creates a matchmaking manager publishing lifecycle events
// on bus.
func NewManager(cfg Config, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		bus:     bus,
		logger:  logger,
		active:  make(map[string]*Match),
		matched: make(map[string]*pendingBinding),
		byHost:  make(map[string]int),
		now:     time.Now,
	}
}

// pendingBinding is a consumed match waiting for its session id.
type pendingBinding struct {
	match    *Match
	deadline time.Time
}

// Start runs the expiry sweep loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("matchmaking sweep started", "interval", m.cfg.SweepInterval)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("matchmaking sweep stopping")
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// HostGame registers a new waiting match for the host and returns a copy
// of the record. Unknown game types are rejected before a code is ever
// issued; the host may not exceed the configured pending cap.
func (m *Manager) HostGame(agentID, agentName, gameType string) (Match, error) {
	if m.cfg.KnownGameType != nil && !m.cfg.KnownGameType(gameType) {
		return Match{}, ErrUnknownGameType
	}

	m.mu.Lock()

	if m.byHost[agentID] >= m.cfg.MaxPendingPerAgent {
		m.mu.Unlock()
		return Match{}, ErrTooManyPending
	}

	code, err := m.generateCodeLocked()
	if err != nil {
		m.mu.Unlock()
		return Match{}, err
	}

	now := m.now()
	match := &Match{
		Code:      code,
		HostID:    agentID,
		HostName:  agentName,
		GameType:  gameType,
		Status:    StatusWaiting,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.MatchTTL),
	}
	m.active[code] = match
	m.byHost[agentID]++
	m.stats.Waiting++
	snapshot := *match
	m.mu.Unlock()

	m.logger.Info("match hosted", "code", code, "hostId", agentID, "gameType", gameType)
	m.emit(EventMatchCreated, snapshot)
	return snapshot, nil
}

// generateCodeLocked samples codes until one not present in the active
// index is found, up to the retry bound. Caller holds m.mu.
func (m *Manager) generateCodeLocked() (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		suffix, err := randomCode()
		if err != nil {
			return "", err
		}
		code := m.cfg.CodePrefix + "-" + suffix
		_, taken := m.active[code]
		_, pending := m.matched[code]
		if !taken && !pending {
			return code, nil
		}
	}
	m.logger.Error("match code generation exhausted retries", "attempts", maxCodeAttempts)
	return "", ErrCodeSpaceExhausted
}

// JoinMatch pairs the guest with the match identified by code. The first
// successful join consumes the code: the match leaves the active index
// immediately and later joins fail with ErrMatchUsed or ErrMatchNotFound.
func (m *Manager) JoinMatch(code, guestID, guestName string) (Match, error) {
	code = NormalizeCode(m.cfg.CodePrefix, code)
	if !ValidCodeFormat(m.cfg.CodePrefix, code) {
		return Match{}, ErrInvalidCode
	}

	m.mu.Lock()

	match, ok := m.active[code]
	if !ok {
		_, wasMatched := m.matched[code]
		m.mu.Unlock()
		if wasMatched {
			return Match{}, ErrMatchUsed
		}
		return Match{}, ErrMatchNotFound
	}
	if match.Status != StatusWaiting {
		m.mu.Unlock()
		return Match{}, ErrMatchUsed
	}
	if m.now().After(match.ExpiresAt) {
		// Lazy expiry: the sweep has not visited this match yet.
		expired := m.expireLocked(match)
		m.mu.Unlock()
		m.emit(EventMatchExpired, expired)
		return Match{}, ErrMatchExpired
	}
	if match.HostID == guestID {
		m.mu.Unlock()
		return Match{}, ErrOwnMatch
	}

	match.GuestID = guestID
	match.GuestName = guestName
	match.Status = StatusMatched
	delete(m.active, code)
	m.matched[code] = &pendingBinding{match: match, deadline: m.now().Add(bindingGrace)}
	m.decHostLocked(match.HostID)
	m.stats.Waiting--
	m.stats.Matched++
	snapshot := *match
	m.mu.Unlock()

	m.logger.Info("match joined", "code", code, "hostId", snapshot.HostID, "guestId", guestID)
	m.emit(EventMatchFound, snapshot)
	return snapshot, nil
}

// SetSessionID binds the session created for a matched pair to the match
// record and releases it from the pending-binding table.
func (m *Manager) SetSessionID(code, sessionID string) (Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.matched[code]
	if !ok {
		return Match{}, ErrSessionNotBound
	}
	pending.match.SessionID = sessionID
	delete(m.matched, code)
	return *pending.match, nil
}

// CancelMatch cancels a waiting match. Only the host may cancel.
func (m *Manager) CancelMatch(code, agentID string) error {
	code = NormalizeCode(m.cfg.CodePrefix, code)

	m.mu.Lock()

	match, ok := m.active[code]
	if !ok {
		m.mu.Unlock()
		return ErrMatchNotFound
	}
	if match.HostID != agentID {
		m.mu.Unlock()
		return ErrNotHost
	}
	if match.Status != StatusWaiting {
		m.mu.Unlock()
		return ErrNotCancellable
	}

	match.Status = StatusCancelled
	delete(m.active, code)
	m.decHostLocked(match.HostID)
	m.stats.Waiting--
	m.stats.Cancelled++
	snapshot := *match
	m.mu.Unlock()

	m.logger.Info("match cancelled", "code", code, "hostId", agentID)
	m.emit(EventMatchCancelled, snapshot)
	return nil
}

// Sweep expires overdue waiting matches, releases matched entries whose
// session binding never arrived, and purges any stray cancelled entries
// still present in the index.
func (m *Manager) Sweep() {
	m.mu.Lock()

	now := m.now()
	var expired []Match
	for code, match := range m.active {
		switch {
		case match.Status == StatusWaiting && now.After(match.ExpiresAt):
			expired = append(expired, m.expireLocked(match))
		case match.Status == StatusCancelled:
			// Should not happen: cancellation removes the entry. Purge
			// defensively so a stray record cannot pin the code forever.
			delete(m.active, code)
			m.logger.Warn("purged stray cancelled match from index", "code", code)
		}
	}
	for code, pending := range m.matched {
		if now.After(pending.deadline) {
			delete(m.matched, code)
			m.logger.Warn("released match with no session binding", "code", code, "hostId", pending.match.HostID)
		}
	}
	m.mu.Unlock()

	for _, match := range expired {
		m.emit(EventMatchExpired, match)
	}
}

// expireLocked transitions a waiting match to expired and removes it
// from the index, returning a snapshot for event emission. Caller holds
// m.mu and emits after unlocking.
func (m *Manager) expireLocked(match *Match) Match {
	match.Status = StatusExpired
	delete(m.active, match.Code)
	m.decHostLocked(match.HostID)
	m.stats.Waiting--
	m.stats.Expired++
	m.logger.Info("match expired", "code", match.Code, "hostId", match.HostID)
	return *match
}

func (m *Manager) decHostLocked(hostID string) {
	if m.byHost[hostID] <= 1 {
		delete(m.byHost, hostID)
		return
	}
	m.byHost[hostID]--
}

// ListWaitingMatches returns copies of all currently waiting, unexpired
// matches for lobby discovery.
func (m *Manager) ListWaitingMatches() []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Match, 0, len(m.active))
	for _, match := range m.active {
		if match.Status == StatusWaiting && now.Before(match.ExpiresAt) {
			out = append(out, *match)
		}
	}
	return out
}

// PendingFor returns copies of the agent's own waiting matches.
func (m *Manager) PendingFor(agentID string) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Match, 0)
	for _, match := range m.active {
		if match.HostID == agentID && match.Status == StatusWaiting {
			out = append(out, *match)
		}
	}
	return out
}

// GetStats returns lifetime counters by terminal status plus the current
// waiting count.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// CodePrefix exposes the configured prefix for code normalization at the
// boundary.
func (m *Manager) CodePrefix() string { return m.cfg.CodePrefix }

func (m *Manager) emit(eventType string, match Match) {
	if m.bus != nil {
		m.bus.Emit(eventType, match, eventSource)
	}
}
