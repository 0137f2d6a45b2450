package protocol

import "encoding/json"

// Envelope is the transport-agnostic wire message. Client messages carry
// Payload; server messages carry Data. Exactly one side of the pair is
// populated for any given direction.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      any             `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Client message kinds.
const (
	KindKey         = "key"
	KindAction      = "action"
	KindQuery       = "query"
	KindPing        = "ping"
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
)

// Server message kinds.
const (
	KindState   = "state"
	KindAck     = "ack"
	KindResult  = "result"
	KindError   = "error"
	KindPong    = "pong"
	KindEvent   = "event"
	KindWelcome = "welcome"
)

var clientKinds = map[string]bool{
	KindKey:         true,
	KindAction:      true,
	KindQuery:       true,
	KindPing:        true,
	KindSubscribe:   true,
	KindUnsubscribe: true,
}

var serverKinds = map[string]bool{
	KindState:   true,
	KindAck:     true,
	KindResult:  true,
	KindError:   true,
	KindPong:    true,
	KindEvent:   true,
	KindWelcome: true,
}

// IsClientKind reports whether kind belongs to the client-to-server set.
func IsClientKind(kind string) bool { return clientKinds[kind] }

// IsServerKind reports whether kind belongs to the server-to-client set.
func IsServerKind(kind string) bool { return serverKinds[kind] }

// NewServerEnvelope builds an outbound envelope of the given kind.
func NewServerEnvelope(kind string, data any) Envelope {
	return Envelope{Type: kind, Data: data}
}
