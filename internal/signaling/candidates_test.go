package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidateClassification(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		relay     bool
		host      bool
		srflx     bool
		kind      string
	}{
		{"relay", relayCandidate, true, false, false, "relay"},
		{"host", hostCandidate, false, true, false, "host"},
		{"srflx", srflxCandidate, false, false, true, "srflx"},
		{"unmarked", "candidate:9 1 udp 1 10.0.0.1 9", false, false, false, ""},
		{"empty", "", false, false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.relay, IsRelayCandidate(tt.candidate))
			assert.Equal(t, tt.host, IsHostCandidate(tt.candidate))
			assert.Equal(t, tt.srflx, IsSrflxCandidate(tt.candidate))
			assert.Equal(t, tt.kind, CandidateType(tt.candidate))
		})
	}
}

func TestCandidatePriority(t *testing.T) {
	assert.Equal(t, uint64(2122260223), CandidatePriority(hostCandidate))
	assert.Equal(t, uint64(41885439), CandidatePriority(relayCandidate))
	assert.Equal(t, uint64(0), CandidatePriority("candidate:1 1 udp notanumber 1.2.3.4 5 typ host"))
	assert.Equal(t, uint64(0), CandidatePriority("too short"))
	assert.Equal(t, uint64(0), CandidatePriority(""))
}
