package signaling

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(m *Manager, at time.Time) {
	m.now = func() time.Time { return at }
}

func TestTimeLimitedCredentials(t *testing.T) {
	m, _ := newTestManager(Config{
		SharedSecret:     "s3cret",
		CredentialTTL:    time.Hour,
		TimeLimitedCreds: true,
	})
	at := time.Unix(1_700_000_000, 0)
	fixedClock(m, at)

	creds := m.TimeLimitedCredentials("client-a")
	assert.Equal(t, "1700003600:client-a", creds.Username)
	assert.Equal(t, int64(3600), creds.TTLSeconds)

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(creds.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), creds.Credential)

	// Deterministic while the clock stands still.
	assert.Equal(t, creds, m.TimeLimitedCredentials("client-a"))

	// Different clients at the same instant get different usernames and
	// credentials.
	other := m.TimeLimitedCredentials("client-b")
	assert.NotEqual(t, creds.Username, other.Username)
	assert.NotEqual(t, creds.Credential, other.Credential)
}

func TestTimeLimitedCredentialsPlaceholderIdentity(t *testing.T) {
	m, _ := newTestManager(Config{SharedSecret: "s3cret", TimeLimitedCreds: true})
	creds := m.TimeLimitedCredentials("")
	assert.True(t, strings.HasSuffix(creds.Username, ":"+defaultClientID))
}

func TestICEServersWithTimeLimitedCredentials(t *testing.T) {
	m, _ := newTestManager(Config{
		Enabled:          true,
		STUNServers:      []string{"stun:stun.example.org:3478"},
		TURNServers:      []TURNServer{{URL: "turn:turn.example.org:3478", Username: "static", Credential: "pw"}},
		SharedSecret:     "s3cret",
		TimeLimitedCreds: true,
	})

	servers := m.ICEServers("client-a")
	require.Len(t, servers, 2)

	// STUN comes first and carries no credentials.
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
	assert.Empty(t, servers[0].Username)
	assert.Nil(t, servers[0].Credential)

	// TURN gets derived credentials, not the static pair.
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, servers[1].URLs)
	assert.NotEqual(t, "static", servers[1].Username)
	assert.Contains(t, servers[1].Username, ":client-a")
	assert.NotEqual(t, "pw", servers[1].Credential)
}

func TestICEServersStaticCredentials(t *testing.T) {
	m, _ := newTestManager(Config{
		TURNServers: []TURNServer{{URL: "turn:turn.example.org:3478", Username: "static", Credential: "pw"}},
	})

	servers := m.ICEServers("client-a")
	require.Len(t, servers, 1)
	assert.Equal(t, "static", servers[0].Username)
	assert.Equal(t, "pw", servers[0].Credential)
}

func TestConfigSummaryOmitsSecrets(t *testing.T) {
	m, _ := newTestManager(Config{
		Enabled:          true,
		STUNServers:      []string{"stun:a", "stun:b"},
		TURNServers:      []TURNServer{{URL: "turn:c", Username: "u", Credential: "p"}},
		SharedSecret:     "s3cret",
		TimeLimitedCreds: true,
		ForceRelay:       true,
	})

	summary := m.ConfigSummary()
	assert.True(t, summary.Enabled)
	assert.Equal(t, 2, summary.STUNServerCount)
	assert.Equal(t, 1, summary.TURNServerCount)
	assert.True(t, summary.TimeLimitedCreds)
	assert.Equal(t, int64(86400), summary.CredentialTTL)
	assert.True(t, summary.ForceRelay)
	assert.Equal(t, "relay", summary.ICETransportPolicy)
}
