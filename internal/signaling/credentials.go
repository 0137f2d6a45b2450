package signaling

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// defaultClientID is the process-level placeholder identity used when a
// caller requests ICE servers without identifying itself.
const defaultClientID = "gamelink-server"

// TURNServer is one configured TURN entry. Username and Credential are
// the static fallback used when time-limited credentials are disabled.
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

// Config holds the NAT-traversal configuration. SharedSecret and the
// static TURN credentials are secrets; Summary exposes everything else.
type Config struct {
	Enabled            bool
	STUNServers        []string
	TURNServers        []TURNServer
	SharedSecret       string
	CredentialTTL      time.Duration
	TimeLimitedCreds   bool
	ForceRelay         bool
	ICETransportPolicy string
}

func (c Config) withDefaults() Config {
	if c.CredentialTTL <= 0 {
		c.CredentialTTL = 24 * time.Hour
	}
	if c.ICETransportPolicy == "" {
		if c.ForceRelay {
			c.ICETransportPolicy = "relay"
		} else {
			c.ICETransportPolicy = "all"
		}
	}
	return c
}

// Credentials is a TURN REST time-limited username/credential pair. It is
// derived, never stored: the credential is a function of the username and
// the shared secret, so any TURN server holding the same secret can
// verify it without coordination.
type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	TTLSeconds int64  `json:"ttl"`
}

// TimeLimitedCredentials derives credentials for clientID valid for the
// configured TTL, per the TURN REST mechanism: username is
// "{expiryUnixSeconds}:{clientId}", credential is the base64-encoded
// HMAC-SHA1 of the username under the shared secret.
func (m *Manager) TimeLimitedCredentials(clientID string) Credentials {
	if clientID == "" {
		clientID = defaultClientID
	}
	expiry := m.now().Add(m.cfg.CredentialTTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, clientID)

	mac := hmac.New(sha1.New, []byte(m.cfg.SharedSecret))
	mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		TTLSeconds: int64(m.cfg.CredentialTTL / time.Second),
	}
}

// ICEServers assembles the ICE server list for a client: STUN entries
// first and unmodified (STUN needs no credentials), then TURN entries.
// TURN credentials are freshly derived per call when time-limited
// credentials are enabled and a shared secret is configured; otherwise
// the static configured pair is used.
func (m *Manager) ICEServers(clientID string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(m.cfg.STUNServers)+len(m.cfg.TURNServers))
	for _, url := range m.cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	timeLimited := m.cfg.TimeLimitedCreds && m.cfg.SharedSecret != ""
	var creds Credentials
	if timeLimited {
		creds = m.TimeLimitedCredentials(clientID)
	}
	for _, turn := range m.cfg.TURNServers {
		server := webrtc.ICEServer{URLs: []string{turn.URL}}
		if timeLimited {
			server.Username = creds.Username
			server.Credential = creds.Credential
		} else {
			server.Username = turn.Username
			server.Credential = turn.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// Summary is the externally observable configuration view. It must never
// carry the shared secret or static credentials.
type Summary struct {
	Enabled            bool   `json:"enabled"`
	STUNServerCount    int    `json:"stunServers"`
	TURNServerCount    int    `json:"turnServers"`
	TimeLimitedCreds   bool   `json:"timeLimitedCredentials"`
	CredentialTTL      int64  `json:"credentialTtlSeconds"`
	ForceRelay         bool   `json:"forceRelay"`
	ICETransportPolicy string `json:"iceTransportPolicy"`
}

// ConfigSummary returns the non-secret configuration summary.
func (m *Manager) ConfigSummary() Summary {
	return Summary{
		Enabled:            m.cfg.Enabled,
		STUNServerCount:    len(m.cfg.STUNServers),
		TURNServerCount:    len(m.cfg.TURNServers),
		TimeLimitedCreds:   m.cfg.TimeLimitedCreds,
		CredentialTTL:      int64(m.cfg.CredentialTTL / time.Second),
		ForceRelay:         m.cfg.ForceRelay,
		ICETransportPolicy: m.cfg.ICETransportPolicy,
	}
}
