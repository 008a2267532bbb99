// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is the hub clock in UTC plus the configured TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Clock          clock.Clock
	// SessionID overrides the random session id source.
	SessionID func() string
}

type Generator struct {
	secret    []byte
	ttl       time.Duration
	prefix    string
	clock     clock.Clock
	sessionID func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be at least one second")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, fmt.Errorf("turnrest: invalid username prefix %q", cfg.UsernamePrefix)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SessionID == nil {
		cfg.SessionID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Generator{
		secret:    []byte(cfg.SharedSecret),
		ttl:       cfg.TTL,
		prefix:    cfg.UsernamePrefix,
		clock:     cfg.Clock,
		sessionID: cfg.SessionID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Generate signs credentials for sessionID, which must not contain ':'.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, fmt.Errorf("turnrest: invalid session id %q", sessionID)
	}
	expires := g.clock.Now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, sessionID)
	return Credentials{Username: username, Credential: sign(g.secret, username), Expires: expires}, nil
}

// ForUser signs credentials tagged with userID, falling back to a random
// session id when the user id cannot be embedded.
func (g *Generator) ForUser(userID string) (Credentials, error) {
	if userID == "" || strings.Contains(userID, ":") {
		return g.Generate(g.sessionID())
	}
	return g.Generate(userID)
}

// Apply returns a copy of servers with creds set on every server that has a
// turn: or turns: URL. STUN-only entries are left untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if config.IsTURNServer(s) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
