package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Rules is the narrow contract a game-type implementation exposes to the
// session manager. The manager never inspects game semantics itself: it
// hands the opaque state blob to ApplyMove and acts on the outcome.
type Rules interface {
	// InitialState returns the state blob for a freshly started game.
	InitialState() json.RawMessage
	// ApplyMove validates and applies a move by the given slot. It
	// returns the updated state and, when the game has concluded, a
	// non-nil Outcome. Illegal moves fail with ErrActionNotAvailable;
	// a corrupt or unplayable state fails with ErrInvalidGameState.
	ApplyMove(state json.RawMessage, slot int, move json.RawMessage) (json.RawMessage, *Outcome, error)
	// IsTerminal reports whether the state admits no further moves.
	IsTerminal(state json.RawMessage) bool
}

// Errors a Rules implementation returns (possibly wrapped) from ApplyMove.
var (
	ErrActionNotAvailable = errors.New("action not available")
	ErrInvalidGameState   = errors.New("invalid game state")
)

// Outcome is the terminal result reported by a Rules implementation.
// WinnerSlot is -1 for a draw.
type Outcome struct {
	WinnerSlot int    `json:"winnerSlot"`
	Draw       bool   `json:"draw"`
	Reason     string `json:"reason,omitempty"`
}

// Registry maps game types to their Rules implementations.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rules
}

// NewRegistry returns an empty rules registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rules)}
}

// Register adds a game type. Registering a duplicate type is a
// programming error and panics, mirroring database/sql driver
// registration.
func (r *Registry) Register(gameType string, rules Rules) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.rules[gameType]; dup {
		panic(fmt.Sprintf("session: game type %q registered twice", gameType))
	}
	r.rules[gameType] = rules
}

// Lookup returns the Rules for a game type.
func (r *Registry) Lookup(gameType string) (Rules, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules, ok := r.rules[gameType]
	return rules, ok
}

// GameTypes lists the registered game types.
func (r *Registry) GameTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for gt := range r.rules {
		out = append(out, gt)
	}
	return out
}
