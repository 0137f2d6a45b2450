// Package tictactoe implements session.Rules for a 3x3 tic-tac-toe
// board. Slot 0 plays X and moves first.
package tictactoe

import (
	"encoding/json"
	"fmt"

	"github.com/okiri/gamelink-backend/internal/session"
)

// GameType is the registry key for this implementation.
const GameType = "tictactoe"

// state is the opaque blob the session manager carries between moves.
type state struct {
	// Board cells hold -1 (empty) or the slot that claimed them,
	// row-major.
	Board [9]int `json:"board"`
	Next  int    `json:"next"`
	Over  bool   `json:"over"`
}

type move struct {
	Cell int `json:"cell"`
}

// Rules is the stateless tic-tac-toe rules engine.
type Rules struct{}

var _ session.Rules = Rules{}

// Register adds tic-tac-toe to the registry.
func Register(r *session.Registry) {
	r.Register(GameType, Rules{})
}

// InitialState returns an empty board with slot 0 to move.
func (Rules) InitialState() json.RawMessage {
	s := state{Next: 0}
	for i := range s.Board {
		s.Board[i] = -1
	}
	raw, _ := json.Marshal(s)
	return raw
}

// ApplyMove places the acting slot's mark. The move payload is
// {"cell": 0..8}.
func (Rules) ApplyMove(raw json.RawMessage, slot int, rawMove json.RawMessage) (json.RawMessage, *session.Outcome, error) {
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", session.ErrInvalidGameState, err)
	}
	if s.Over {
		return nil, nil, fmt.Errorf("%w: game is over", session.ErrInvalidGameState)
	}
	if slot != s.Next {
		return nil, nil, fmt.Errorf("%w: not slot %d's turn", session.ErrActionNotAvailable, slot)
	}

	var mv move
	if err := json.Unmarshal(rawMove, &mv); err != nil {
		return nil, nil, fmt.Errorf("%w: bad move payload", session.ErrActionNotAvailable)
	}
	if mv.Cell < 0 || mv.Cell >= len(s.Board) {
		return nil, nil, fmt.Errorf("%w: cell %d out of range", session.ErrActionNotAvailable, mv.Cell)
	}
	if s.Board[mv.Cell] != -1 {
		return nil, nil, fmt.Errorf("%w: cell %d is taken", session.ErrActionNotAvailable, mv.Cell)
	}

	s.Board[mv.Cell] = slot
	s.Next = 1 - slot

	var outcome *session.Outcome
	if winner, won := winnerOf(s.Board); won {
		s.Over = true
		outcome = &session.Outcome{WinnerSlot: winner}
	} else if full(s.Board) {
		s.Over = true
		outcome = &session.Outcome{WinnerSlot: -1, Draw: true}
	}

	out, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", session.ErrInvalidGameState, err)
	}
	return out, outcome, nil
}

// IsTerminal reports whether the board admits no further moves.
func (Rules) IsTerminal(raw json.RawMessage) bool {
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	if s.Over || full(s.Board) {
		return true
	}
	_, won := winnerOf(s.Board)
	return won
}

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

func winnerOf(board [9]int) (int, bool) {
	for _, ln := range lines {
		a := board[ln[0]]
		if a != -1 && a == board[ln[1]] && a == board[ln[2]] {
			return a, true
		}
	}
	return -1, false
}

func full(board [9]int) bool {
	for _, c := range board {
		if c == -1 {
			return false
		}
	}
	return true
}
