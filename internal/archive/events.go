package archive

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/okiri/gamelink-backend/internal/eventbus"
)

// EventStore is the key-value append/query interface the event bus
// history is mirrored into for long-term retention. Entries are kept per
// event type in a capped Redis list; the in-process ring buffer stays
// the source of truth for live replay.
type EventStore interface {
	AppendEvent(ctx context.Context, ev eventbus.Event) error
	EventsByType(ctx context.Context, eventType string, limit int) ([]eventbus.Event, error)
}

type redisEventStore struct {
	rdb       *redis.Client
	keyPrefix string
	cap       int64
	logger    *slog.Logger
}

// NewEventStore creates a Redis-backed event store. cap bounds the
// retained entries per event type.
func NewEventStore(rdb *redis.Client, keyPrefix string, cap int64, logger *slog.Logger) EventStore {
	if keyPrefix == "" {
		keyPrefix = "gamelink:events"
	}
	if cap <= 0 {
		cap = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisEventStore{rdb: rdb, keyPrefix: keyPrefix, cap: cap, logger: logger}
}

func (s *redisEventStore) key(eventType string) string {
	return s.keyPrefix + ":" + eventType
}

// AppendEvent pushes the event onto its type's list and trims the list
// to the configured cap, oldest entries first.
func (s *redisEventStore) AppendEvent(ctx context.Context, ev eventbus.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := s.key(ev.Type)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, s.cap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("failed to append event to archive", "type", ev.Type, "error", err)
		return err
	}
	return nil
}

// EventsByType returns up to limit archived events of the given type,
// newest first.
func (s *redisEventStore) EventsByType(ctx context.Context, eventType string, limit int) ([]eventbus.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := s.rdb.LRange(ctx, s.key(eventType), 0, int64(limit-1)).Result()
	if err != nil {
		s.logger.Error("failed to read event archive", "type", eventType, "error", err)
		return nil, err
	}

	events := make([]eventbus.Event, 0, len(raws))
	for _, raw := range raws {
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.logger.Warn("skipping corrupt archived event", "type", eventType, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Mirror subscribes the store to the bus so every matching event is
// archived as it is emitted. It returns the subscription id so the
// caller can detach on shutdown.
func Mirror(bus *eventbus.Bus, store EventStore, filter eventbus.Filter, logger *slog.Logger) uint64 {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.Subscribe(func(ev eventbus.Event) {
		if err := store.AppendEvent(context.Background(), ev); err != nil {
			logger.Error("event archive append failed", "seq", ev.Seq, "error", err)
		}
	}, filter)
}
