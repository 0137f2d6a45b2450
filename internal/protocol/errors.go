package protocol

import "fmt"

// Error codes are grouped by family: 1xxx connection, 2xxx rate limiting,
// 3xxx validation, 4xxx game/session/matchmaking, 5xxx server.
const (
	CodeConnectionFailed = 1101
	CodeConnectionClosed = 1102
	CodeAuthRequired     = 1103

	CodeRateLimited  = 2101
	CodeBanned       = 2102
	CodeBurstLimited = 2103

	CodeMalformedJSON = 3101
	CodeUnknownType   = 3102
	CodeMissingField  = 3103
	CodeInvalidField  = 3104

	CodeGameNotRunning     = 4101
	CodeActionNotAvailable = 4102
	CodeInvalidGameState   = 4103
	CodeMatchNotFound      = 4201
	CodeMatchExpired       = 4202
	CodeMatchUsed          = 4203
	CodeOwnMatch           = 4204
	CodeTooManyMatches     = 4205

	CodeInternal    = 5101
	CodeTimeout     = 5102
	CodeUnavailable = 5103
)

var messages = map[int]string{
	CodeConnectionFailed: "connection failed",
	CodeConnectionClosed: "connection closed",
	CodeAuthRequired:     "authentication required",

	CodeRateLimited:  "rate limit exceeded",
	CodeBanned:       "client is banned",
	CodeBurstLimited: "burst limit exceeded",

	CodeMalformedJSON: "malformed JSON",
	CodeUnknownType:   "unknown message type",
	CodeMissingField:  "missing required field",
	CodeInvalidField:  "invalid field value",

	CodeGameNotRunning:     "game is not running",
	CodeActionNotAvailable: "action not available",
	CodeInvalidGameState:   "invalid game state",
	CodeMatchNotFound:      "match code not found",
	CodeMatchExpired:       "match code has expired",
	CodeMatchUsed:          "match code already used",
	CodeOwnMatch:           "cannot join your own match",
	CodeTooManyMatches:     "too many pending matches",

	CodeInternal:    "internal server error",
	CodeTimeout:     "operation timed out",
	CodeUnavailable: "service unavailable",
}

// Error is the structured error carried in `error` envelopes. Details is
// optional free-form context safe to show to the originating client.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("protocol error %d: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// NewError builds an Error for a known code. Unknown codes are mapped to
// the generic internal error so a bad call site never leaks a raw code
// with no message.
func NewError(code int, details string) *Error {
	msg, ok := messages[code]
	if !ok {
		code, msg = CodeInternal, messages[CodeInternal]
	}
	return &Error{Code: code, Message: msg, Details: details}
}

// Recoverable reports whether an error of this code should leave the
// connection open. Only connection-family errors are terminal.
func (e *Error) Recoverable() bool {
	return e.Code >= 2000
}
