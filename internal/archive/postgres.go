package archive

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/okiri/gamelink-backend/internal/session"
)

// ErrDuplicateSession is returned when a session result is archived twice.
var ErrDuplicateSession = errors.New("session result already archived")

// SessionRecord is one archived game result.
type SessionRecord struct {
	SessionID  string
	GameType   string
	WinnerID   string
	WinnerSlot int
	Draw       bool
	Reason     string
	MoveCount  uint64
	EndedAt    time.Time
}

// ResultStore persists ended-session results. The concrete
// implementation is PostgreSQL; the interface exists so the session
// manager and tests need no database.
type ResultStore interface {
	SaveResult(ctx context.Context, sessionID, gameType string, result session.Result, moves uint64) error
	ResultsFor(ctx context.Context, agentID string, limit int) ([]SessionRecord, error)
}

type postgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewResultStore creates a PostgreSQL-backed result store. The
// session_history table is expected to exist (see migrations in the
// deployment repo).
func NewResultStore(db *sql.DB, logger *slog.Logger) ResultStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &postgresStore{db: db, logger: logger}
}

// SaveResult inserts one session_history row. Duplicate session ids are
// mapped to ErrDuplicateSession.
func (s *postgresStore) SaveResult(ctx context.Context, sessionID, gameType string, result session.Result, moves uint64) error {
	query := `
		INSERT INTO session_history (session_id, game_type, winner_id, winner_slot, draw, reason, move_count, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW());`

	_, err := s.db.ExecContext(ctx, query,
		sessionID, gameType, result.WinnerID, result.WinnerSlot, result.Draw, result.Reason, moves,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			s.logger.Warn("duplicate session result archived", "sessionId", sessionID)
			return ErrDuplicateSession
		}
		s.logger.Error("failed to archive session result", "sessionId", sessionID, "error", err)
		return err
	}
	return nil
}

// ResultsFor fetches the agent's most recent archived results, newest
// first.
func (s *postgresStore) ResultsFor(ctx context.Context, agentID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT session_id, game_type, winner_id, winner_slot, draw, reason, move_count, ended_at
		FROM session_history
		WHERE winner_id = $1
		ORDER BY ended_at DESC
		LIMIT $2;`

	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		s.logger.Error("failed to query session history", "agentId", agentID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(
			&rec.SessionID, &rec.GameType, &rec.WinnerID, &rec.WinnerSlot,
			&rec.Draw, &rec.Reason, &rec.MoveCount, &rec.EndedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
