// Package relay bridges the in-process event bus to Kafka so external
// consumers (analytics, moderation, archival pipelines) can follow game
// and connectivity events without a connection to this server.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/okiri/gamelink-backend/internal/eventbus"
)

// Relay forwards bus events matching its filter to a Kafka topic. The
// writer is asynchronous, so forwarding never blocks event emission.
type Relay struct {
	producer *kafka.Writer
	bus      *eventbus.Bus
	subID    uint64
	logger   *slog.Logger
}

// New subscribes to bus and starts forwarding. An empty filter forwards
// every event.
func New(producer *kafka.Writer, bus *eventbus.Bus, filter eventbus.Filter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{producer: producer, bus: bus, logger: logger}
	r.subID = bus.Subscribe(r.forward, filter)
	logger.Info("kafka event relay attached", "topic", producer.Topic)
	return r
}

func (r *Relay) forward(ev eventbus.Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to marshal event for relay", "seq", ev.Seq, "error", err)
		return
	}
	// The writer is configured async; errors surface via its Completion
	// callback (see internal/pkg/kafka).
	err = r.producer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(strconv.FormatUint(ev.Seq, 10)),
		Value: value,
	})
	if err != nil {
		r.logger.Error("failed to relay event to kafka", "seq", ev.Seq, "type", ev.Type, "error", err)
	}
}

// Close detaches from the bus and flushes the producer.
func (r *Relay) Close() error {
	r.bus.Unsubscribe(r.subID)
	return r.producer.Close()
}
