package protocol

import (
	"encoding/json"
	"fmt"
)

// requiredFields lists the payload fields each client kind must carry.
// The field must be present and a non-empty JSON string.
var requiredFields = map[string][]string{
	KindKey:    {"key"},
	KindAction: {"action"},
	KindQuery:  {"query"},
}

// Validate decodes a raw client message and checks it against the
// protocol schema. It is a pure function: no state is read or written.
// On failure the returned Error is from the 3xxx validation family.
func Validate(raw []byte) (Envelope, *Error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, NewError(CodeMalformedJSON, err.Error())
	}
	if env.Type == "" {
		return Envelope{}, NewError(CodeMissingField, "type")
	}
	if !IsClientKind(env.Type) {
		if IsServerKind(env.Type) {
			return Envelope{}, NewError(CodeUnknownType, env.Type+" is server-to-client only")
		}
		return Envelope{}, NewError(CodeUnknownType, env.Type)
	}

	fields := requiredFields[env.Type]
	if len(fields) == 0 {
		return env, nil
	}

	var payload map[string]json.RawMessage
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return Envelope{}, NewError(CodeInvalidField, "payload: "+err.Error())
		}
	}
	for _, f := range fields {
		raw, ok := payload[f]
		if !ok {
			return Envelope{}, NewError(CodeMissingField, fmt.Sprintf("payload.%s", f))
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return Envelope{}, NewError(CodeInvalidField, fmt.Sprintf("payload.%s must be a non-empty string", f))
		}
	}
	return env, nil
}

// PayloadField extracts a string field from an envelope payload. Missing
// or non-string fields return the empty string.
func PayloadField(env Envelope, field string) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return ""
	}
	var s string
	if raw, ok := payload[field]; ok {
		json.Unmarshal(raw, &s)
	}
	return s
}
