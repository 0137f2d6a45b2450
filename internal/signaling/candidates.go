package signaling

import (
	"strconv"
	"strings"
)

// Candidate transport classification inspects the textual SDP encoding
// for the standard "typ" marker. The strings arrive verbatim from the
// external media stack; nothing here parses full candidate grammar.

// IsRelayCandidate reports whether the candidate traverses a TURN relay.
func IsRelayCandidate(candidate string) bool {
	return strings.Contains(candidate, "typ relay")
}

// IsHostCandidate reports whether the candidate is a direct host address.
func IsHostCandidate(candidate string) bool {
	return strings.Contains(candidate, "typ host")
}

// IsSrflxCandidate reports whether the candidate is server-reflexive
// (a NAT mapping discovered via STUN).
func IsSrflxCandidate(candidate string) bool {
	return strings.Contains(candidate, "typ srflx")
}

// CandidateType names the candidate's transport classification, or ""
// when no known marker is present.
func CandidateType(candidate string) string {
	switch {
	case IsRelayCandidate(candidate):
		return "relay"
	case IsHostCandidate(candidate):
		return "host"
	case IsSrflxCandidate(candidate):
		return "srflx"
	default:
		return ""
	}
}

// CandidatePriority extracts the numeric priority token from the
// standard candidate encoding:
//
//	candidate:<foundation> <component> <protocol> <priority> <ip> <port> typ <type> ...
//
// A missing or unparsable token yields 0.
func CandidatePriority(candidate string) uint64 {
	fields := strings.Fields(candidate)
	if len(fields) < 4 {
		return 0
	}
	priority, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0
	}
	return priority
}
