package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAssignsSequenceAndDelivers(t *testing.T) {
	bus := New(10, nil)

	var got []Event
	bus.Subscribe(func(ev Event) { got = append(got, ev) }, Filter{})

	first := bus.Emit("game:start", map[string]any{"sessionId": "s1"}, "session")
	second := bus.Emit("score:update", nil, "game")

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	require.Len(t, got, 2)
	assert.Equal(t, "game:start", got[0].Type)
	assert.Equal(t, "score:update", got[1].Type)
}

func TestFilteredSubscription(t *testing.T) {
	bus := New(10, nil)

	var matched int
	bus.Subscribe(func(ev Event) { matched++ }, Filter{Types: []string{"matchFound"}})

	bus.Emit("matchCreated", nil, "matchmaking")
	bus.Emit("matchFound", nil, "matchmaking")
	bus.Emit("peerCreated", nil, "signaling")

	assert.Equal(t, 1, matched)

	history := bus.History(Filter{Types: []string{"matchFound"}}, 0)
	require.Len(t, history, 1)
	assert.Equal(t, "matchFound", history[0].Type)
}

func TestSourceAndAfterFilters(t *testing.T) {
	bus := New(10, nil)

	bus.Emit("a", nil, "one")
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	bus.Emit("b", nil, "two")
	bus.Emit("c", nil, "one")

	bySource := bus.History(Filter{Sources: []string{"one"}}, 0)
	require.Len(t, bySource, 2)

	after := bus.History(Filter{After: cutoff}, 0)
	require.Len(t, after, 2)
	assert.Equal(t, "b", after[0].Type)
}

func TestHistoryCapacityEviction(t *testing.T) {
	bus := New(5, nil)
	for i := 0; i < 12; i++ {
		bus.Emit("tick", i, "test")
	}

	history := bus.History(Filter{}, 0)
	require.Len(t, history, 5)
	// The oldest retained event is seq 8: 12 emissions minus capacity 5.
	assert.Equal(t, uint64(8), history[0].Seq)
	assert.Equal(t, uint64(12), history[4].Seq)
}

func TestHistoryLimitKeepsTail(t *testing.T) {
	bus := New(10, nil)
	for i := 0; i < 6; i++ {
		bus.Emit("tick", i, "test")
	}
	tail := bus.History(Filter{}, 2)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(5), tail[0].Seq)
	assert.Equal(t, uint64(6), tail[1].Seq)
}

func TestEventsSince(t *testing.T) {
	bus := New(10, nil)
	for i := 0; i < 4; i++ {
		bus.Emit("tick", i, "test")
	}

	since := bus.EventsSince(2)
	require.Len(t, since, 2)
	assert.Equal(t, uint64(3), since[0].Seq)
	assert.Equal(t, uint64(4), since[1].Seq)

	assert.Empty(t, bus.EventsSince(bus.MaxSeq()))
}

func TestConcurrentEmittersDeliverInSequenceOrder(t *testing.T) {
	const (
		emitters       = 16
		eventsPerGoros = 500
	)
	bus := New(100, nil)

	var mu sync.Mutex
	var seen []uint64
	bus.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Seq)
		mu.Unlock()
	}, Filter{})

	var wg sync.WaitGroup
	for g := 0; g < emitters; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < eventsPerGoros; i++ {
				bus.Emit("tick", nil, "test")
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, emitters*eventsPerGoros)
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("delivery out of order at index %d: seq %d after seq %d", i, seen[i], seen[i-1])
		}
	}
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	bus := New(10, nil)

	var delivered int
	bus.Subscribe(func(Event) { panic("subscriber bug") }, Filter{})
	bus.Subscribe(func(Event) { delivered++ }, Filter{})

	bus.Emit("tick", nil, "test")

	assert.Equal(t, 1, delivered)
	assert.Len(t, bus.History(Filter{}, 0), 1)
}

func TestUnsubscribe(t *testing.T) {
	bus := New(10, nil)

	var calls int
	id := bus.Subscribe(func(Event) { calls++ }, Filter{})

	bus.Emit("tick", nil, "test")
	assert.True(t, bus.Unsubscribe(id))
	bus.Emit("tick", nil, "test")

	assert.Equal(t, 1, calls)
	assert.False(t, bus.Unsubscribe(id))
}

func TestReset(t *testing.T) {
	bus := New(10, nil)

	var calls int
	bus.Subscribe(func(Event) { calls++ }, Filter{})
	bus.Emit("tick", nil, "test")
	require.Equal(t, 1, calls)

	bus.Reset()

	assert.Empty(t, bus.History(Filter{}, 0))
	assert.Equal(t, uint64(0), bus.MaxSeq())

	ev := bus.Emit("tick", nil, "test")
	assert.Equal(t, uint64(1), ev.Seq)
	// The pre-reset subscriber must not have been called again.
	assert.Equal(t, 1, calls)
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	bus := New(10, nil)
	bus.Emit("tick", nil, "test")

	snap := bus.History(Filter{}, 0)
	snap[0].Type = "mutated"

	assert.Equal(t, "tick", bus.History(Filter{}, 0)[0].Type)
}
