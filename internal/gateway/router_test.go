package gateway

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okiri/gamelink-backend/internal/eventbus"
	"github.com/okiri/gamelink-backend/internal/games/tictactoe"
	"github.com/okiri/gamelink-backend/internal/matchmaking"
	"github.com/okiri/gamelink-backend/internal/protocol"
	"github.com/okiri/gamelink-backend/internal/session"
	"github.com/okiri/gamelink-backend/internal/signaling"
)

// fakeSender records outbound envelopes in order.
type fakeSender struct {
	sent []protocol.Envelope
}

func (f *fakeSender) send(env protocol.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) last(t *testing.T) protocol.Envelope {
	t.Helper()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) lastData(t *testing.T) map[string]any {
	t.Helper()
	env := f.last(t)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok, "envelope data is %T", env.Data)
	return data
}

type fixture struct {
	gw      *Gateway
	matches *matchmaking.Manager
	bus     *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New(200, nil)
	registry := session.NewRegistry()
	tictactoe.Register(registry)
	matches := matchmaking.NewManager(matchmaking.Config{
		MatchTTL: time.Minute,
		KnownGameType: func(gt string) bool {
			_, ok := registry.Lookup(gt)
			return ok
		},
	}, bus, nil)
	sessions := session.NewManager(session.Config{}, registry, bus, nil, nil, nil)
	peers := signaling.NewManager(signaling.Config{
		STUNServers:      []string{"stun:stun.example.org:3478"},
		TURNServers:      []signaling.TURNServer{{URL: "turn:turn.example.org:3478"}},
		SharedSecret:     "s3cret",
		TimeLimitedCreds: true,
	}, bus, nil)
	gw := New(matches, sessions, peers, bus, nil)
	return &fixture{gw: gw, matches: matches, bus: bus}
}

func (fx *fixture) connect(agentID, name string) (*client, *fakeSender) {
	out := &fakeSender{}
	c := newClient(agentID, name, out)
	fx.gw.conns.Add(agentID, c)
	return c, out
}

func (fx *fixture) dispatch(c *client, raw string) {
	fx.gw.handleMessage(c, []byte(raw))
}

func TestInvalidMessageGetsErrorEnvelope(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"warp"}`)

	env := out.last(t)
	assert.Equal(t, protocol.KindError, env.Type)
	perr, ok := env.Data.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeUnknownType, perr.Code)
}

func TestValidationErrorsKeepConnectionOpen(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	keepOpen := fx.gw.handleMessage(c, []byte(`{"type":`))
	assert.True(t, keepOpen, "validation errors are recoverable")
	assert.Equal(t, protocol.KindError, out.last(t).Type)

	assert.True(t, fx.gw.handleMessage(c, []byte(`{"type":"ping"}`)))
}

func TestKeyInputRoutesToSession(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"key","payload":{"key":"ArrowUp"}}`)
	env := out.last(t)
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, protocol.CodeMissingField, env.Data.(*protocol.Error).Code)

	fx.dispatch(c, `{"type":"key","payload":{"key":"ArrowUp","sessionId":"ghost"}}`)
	env = out.last(t)
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, protocol.CodeGameNotRunning, env.Data.(*protocol.Error).Code)
}

func TestPingPong(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"ping","requestId":"r9"}`)

	env := out.last(t)
	assert.Equal(t, protocol.KindPong, env.Type)
	assert.Equal(t, "r9", env.RequestID)
}

func TestHostGameAck(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"action","payload":{"action":"host_game","gameType":"tictactoe"},"requestId":"r1"}`)

	env := out.last(t)
	require.Equal(t, protocol.KindAck, env.Type)
	assert.Equal(t, "r1", env.RequestID)
	data := out.lastData(t)
	assert.Equal(t, "host_game", data["action"])
	assert.Contains(t, data["matchCode"], "LIKU-")
	assert.Equal(t, "tictactoe", data["gameType"])
	assert.Greater(t, data["expiresIn"], int64(0))
}

func TestHostUnknownGameTypeRejected(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"action","payload":{"action":"host_game","gameType":"no-such-game"},"requestId":"r3"}`)

	env := out.last(t)
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, "r3", env.RequestID)
	assert.Equal(t, protocol.CodeInvalidField, env.Data.(*protocol.Error).Code)
}

func TestJoinMatchCreatesSessionAndNotifiesHost(t *testing.T) {
	fx := newFixture(t)
	host, hostOut := fx.connect("a1", "Alice")
	guest, guestOut := fx.connect("a2", "Bob")

	fx.dispatch(host, `{"type":"action","payload":{"action":"host_game","gameType":"tictactoe"}}`)
	code := hostOut.lastData(t)["matchCode"].(string)

	fx.dispatch(guest, fmt.Sprintf(`{"type":"action","payload":{"action":"join_match","code":"%s"},"requestId":"r2"}`, code))

	// Guest ack carries the session id, slot and opponent name.
	var ack map[string]any
	for _, env := range guestOut.sent {
		if env.Type == protocol.KindAck {
			ack = env.Data.(map[string]any)
		}
	}
	require.NotNil(t, ack)
	assert.Equal(t, "join_match", ack["action"])
	assert.NotEmpty(t, ack["sessionId"])
	assert.Equal(t, 1, ack["yourSlot"])
	assert.Equal(t, "Alice", ack["opponent"])

	// Host got the opponent_found event pointing at the same session.
	var found map[string]any
	for _, env := range hostOut.sent {
		if env.Type != protocol.KindEvent {
			continue
		}
		data := env.Data.(map[string]any)
		if data["event"] == "opponent_found" {
			found = data
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, ack["sessionId"], found["sessionId"])
	assert.Equal(t, 0, found["yourSlot"])
	assert.Equal(t, "Bob", found["opponent"])

	// The session binding was consumed.
	_, err := fx.matches.SetSessionID(code, "other")
	assert.ErrorIs(t, err, matchmaking.ErrSessionNotBound)
}

func TestJoinUnknownCodeMapsToMatchNotFound(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a2", "Bob")

	fx.dispatch(c, `{"type":"action","payload":{"action":"join_match","code":"LIKU-ZZZZ"}}`)

	env := out.last(t)
	require.Equal(t, protocol.KindError, env.Type)
	perr := env.Data.(*protocol.Error)
	assert.Equal(t, protocol.CodeMatchNotFound, perr.Code)
}

func TestFullGameOverWire(t *testing.T) {
	fx := newFixture(t)
	host, hostOut := fx.connect("a1", "Alice")
	guest, guestOut := fx.connect("a2", "Bob")

	fx.dispatch(host, `{"type":"action","payload":{"action":"host_game","gameType":"tictactoe"}}`)
	code := hostOut.lastData(t)["matchCode"].(string)
	fx.dispatch(guest, fmt.Sprintf(`{"type":"action","payload":{"action":"join_match","code":"%s"}}`, code))

	var sessionID string
	for _, env := range guestOut.sent {
		if env.Type == protocol.KindAck {
			sessionID = env.Data.(map[string]any)["sessionId"].(string)
		}
	}
	require.NotEmpty(t, sessionID)

	fx.dispatch(host, fmt.Sprintf(`{"type":"action","payload":{"action":"ready","sessionId":"%s"}}`, sessionID))
	fx.dispatch(guest, fmt.Sprintf(`{"type":"action","payload":{"action":"ready","sessionId":"%s"}}`, sessionID))

	// Both sides received the activation state broadcast.
	var hostStates int
	for _, env := range hostOut.sent {
		if env.Type == protocol.KindState {
			hostStates++
		}
	}
	assert.Equal(t, 1, hostStates)

	// Host (slot 0) wins the top row.
	moves := []struct {
		c    *client
		cell int
	}{{host, 0}, {guest, 3}, {host, 1}, {guest, 4}, {host, 2}}
	for _, mv := range moves {
		fx.dispatch(mv.c, fmt.Sprintf(`{"type":"action","payload":{"action":"move","sessionId":"%s","move":{"cell":%d}}}`, sessionID, mv.cell))
	}

	var ended map[string]any
	for _, env := range guestOut.sent {
		if env.Type != protocol.KindEvent {
			continue
		}
		data := env.Data.(map[string]any)
		if data["event"] == session.EventGameEnded {
			ended = data
		}
	}
	require.NotNil(t, ended, "guest never saw the game end")

	// Moving after the end reports the session as gone.
	fx.dispatch(guest, fmt.Sprintf(`{"type":"action","payload":{"action":"move","sessionId":"%s","move":{"cell":5}}}`, sessionID))
	env := guestOut.last(t)
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, protocol.CodeGameNotRunning, env.Data.(*protocol.Error).Code)
}

func TestSubscribeForwardsFilteredEvents(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"subscribe","payload":{"types":["score:update"]},"requestId":"r5"}`)
	subID := out.lastData(t)["subscriptionId"].(uint64)
	require.NotZero(t, subID)

	fx.bus.Emit("score:update", map[string]any{"score": 7}, "game")
	fx.bus.Emit("game:start", nil, "game")

	var forwarded []map[string]any
	for _, env := range out.sent {
		if env.Type == protocol.KindEvent {
			forwarded = append(forwarded, env.Data.(map[string]any))
		}
	}
	require.Len(t, forwarded, 1)
	assert.Equal(t, "score:update", forwarded[0]["event"])

	fx.dispatch(c, fmt.Sprintf(`{"type":"unsubscribe","payload":{"subscriptionId":%d}}`, subID))
	fx.bus.Emit("score:update", nil, "game")

	var after []protocol.Envelope
	for _, env := range out.sent {
		if env.Type == protocol.KindEvent {
			after = append(after, env)
		}
	}
	assert.Len(t, after, 1, "events kept flowing after unsubscribe")
}

func TestICEServersQuery(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"query","payload":{"query":"ice_servers"},"requestId":"r7"}`)

	env := out.last(t)
	require.Equal(t, protocol.KindResult, env.Type)
	assert.Equal(t, "r7", env.RequestID)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var decoded struct {
		ICEServers []struct {
			URLs     []string `json:"urls"`
			Username string   `json:"username"`
		} `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.ICEServers, 2)
	assert.Empty(t, decoded.ICEServers[0].Username)
	assert.Contains(t, decoded.ICEServers[1].Username, ":a1")
}

func TestConfigSummaryQueryHidesSecrets(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"query","payload":{"query":"ice_config"}}`)

	raw, err := json.Marshal(out.last(t).Data)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")
	assert.Contains(t, string(raw), "stunServers")
}

func TestSignalQueueAndDrain(t *testing.T) {
	fx := newFixture(t)
	a, _ := fx.connect("a1", "Alice")
	b, bOut := fx.connect("a2", "Bob")

	fx.dispatch(a, `{"type":"action","payload":{"action":"signal","signalType":"offer","to":"a2","signal":{"type":"offer","sdp":"v=0"}}}`)

	// The recipient got a nudge event.
	var nudged bool
	for _, env := range bOut.sent {
		if env.Type == protocol.KindEvent {
			if env.Data.(map[string]any)["event"] == signaling.EventSignalingQueued {
				nudged = true
			}
		}
	}
	assert.True(t, nudged)

	fx.dispatch(b, `{"type":"action","payload":{"action":"get_pending_signals","from":"a1"}}`)
	env := bOut.last(t)
	require.Equal(t, protocol.KindResult, env.Type)
	msgs := env.Data.(map[string]any)["messages"].([]signaling.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, "offer", msgs[0].Type)

	// A second drain is empty.
	fx.dispatch(b, `{"type":"action","payload":{"action":"get_pending_signals","from":"a1"}}`)
	assert.Empty(t, bOut.last(t).Data.(map[string]any)["messages"])
}

func TestStatsQuery(t *testing.T) {
	fx := newFixture(t)
	c, out := fx.connect("a1", "Alice")

	fx.dispatch(c, `{"type":"action","payload":{"action":"host_game","gameType":"tictactoe"}}`)
	fx.dispatch(c, `{"type":"query","payload":{"query":"stats"}}`)

	data := out.lastData(t)
	stats, ok := data["matchmaking"].(matchmaking.Stats)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, data["connections"])
}
