package config

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestClientDefaultsDev(t *testing.T) {
	cfg, err := loadClient(lookupMap(map[string]string{
		envVarUserID: "u1",
		envVarToken:  "tok",
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, ModeDev, cfg.Mode)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, DefaultHubURL, cfg.HubURL)
	assert.Equal(t, DefaultRingTimeout, cfg.RingTimeout)
	assert.Equal(t, DefaultNegotiationTimeout, cfg.NegotiationTimeout)
	assert.Equal(t, DefaultReconnectBackoff, cfg.ReconnectBackoff)
	assert.Equal(t, DefaultMaxReconnectAttempts, cfg.MaxReconnectAttempts)
	assert.Equal(t, MediaSourceNull, cfg.MediaSource)
	assert.Nil(t, cfg.WebRTCUDPPortRange)
	assert.Empty(t, cfg.ICEServers)
}

func TestClientProdModeDefaults(t *testing.T) {
	cfg, err := loadClient(lookupMap(map[string]string{
		envVarUserID: "u1",
		envVarToken:  "tok",
	}), []string{"--mode", "prod"})
	require.NoError(t, err)
	assert.Equal(t, ModeProd, cfg.Mode)
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestClientFlagsOverrideEnv(t *testing.T) {
	cfg, err := loadClient(lookupMap(map[string]string{
		envVarUserID:           "u1",
		envVarTokenFile:        "/run/token",
		envVarRingTimeout:      "5s",
		envVarReconnectBackoff: "1s,3s",
		envStunURLs:            "stun:stun.example.com:3478",
	}), []string{
		"-ring-timeout", "45s",
		"-call", "u2", "-conversation", "c1", "-type", "video",
		"-webrtc-udp-port-min", "50000", "-webrtc-udp-port-max", "50100",
	})
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.ReconnectBackoff)
	assert.Equal(t, "/run/token", cfg.TokenFile)
	assert.Equal(t, "u2", cfg.CallUserID)
	assert.Equal(t, "video", cfg.CallType)
	require.NotNil(t, cfg.WebRTCUDPPortRange)
	assert.Equal(t, UDPPortRange{Min: 50000, Max: 50100}, *cfg.WebRTCUDPPortRange)
	require.Len(t, cfg.ICEServers, 1)
}

func TestClientValidation(t *testing.T) {
	base := map[string]string{envVarUserID: "u1", envVarToken: "tok"}
	cases := map[string]struct {
		env  map[string]string
		args []string
	}{
		"missing user":         {env: map[string]string{envVarToken: "tok"}},
		"missing token":        {env: map[string]string{envVarUserID: "u1"}},
		"two token sources":    {env: base, args: []string{"-token-file", "/x"}},
		"http hub url":         {env: base, args: []string{"-hub-url", "http://example.com"}},
		"bad backoff":          {env: base, args: []string{"-reconnect-backoff", "1s,-2s"}},
		"bad media":            {env: base, args: []string{"-media", "webcam"}},
		"call without conv":    {env: base, args: []string{"-call", "u2"}},
		"bad call type":        {env: base, args: []string{"-type", "screen"}},
		"half port range":      {env: base, args: []string{"-webrtc-udp-port-min", "5000"}},
		"invalid ring timeout": {env: map[string]string{envVarUserID: "u1", envVarToken: "tok", envVarRingTimeout: "soon"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadClient(lookupMap(tc.env), tc.args)
			assert.Error(t, err)
		})
	}
}

func TestClientHelp(t *testing.T) {
	_, err := loadClient(lookupMap(nil), []string{"-h"})
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestHubDefaults(t *testing.T) {
	cfg, err := loadHub(lookupMap(map[string]string{envVarJWTSecret: "s"}), nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultShutdown, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultCallGracePeriod, cfg.CallGracePeriod)
	assert.Equal(t, DefaultMaxSignalingMessageBytes, cfg.MaxSignalingMessageBytes)
	assert.Equal(t, DefaultMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond)
	assert.False(t, cfg.TURNREST.Enabled())
}

func TestHubRequiresSecret(t *testing.T) {
	_, err := loadHub(lookupMap(nil), nil)
	assert.ErrorContains(t, err, envVarJWTSecret)
}

func TestHubTURNRESTAllowsCredentiallessTURN(t *testing.T) {
	env := map[string]string{
		envVarJWTSecret: "s",
		envTurnURLs:     "turn:turn.example.com:3478",
	}
	_, err := loadHub(lookupMap(env), nil)
	require.Error(t, err, "TURN without credentials needs TURN REST")

	env[envVarTURNRESTSharedSecret] = "coturn-secret"
	cfg, err := loadHub(lookupMap(env), nil)
	require.NoError(t, err)
	assert.True(t, cfg.TURNREST.Enabled())
	assert.True(t, HasTURN(cfg.ICEServers))
}

func TestHubAllowedOrigins(t *testing.T) {
	cfg, err := loadHub(lookupMap(map[string]string{
		envVarJWTSecret:      "s",
		envVarAllowedOrigins: "https://App.example.com, *",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "*"}, cfg.AllowedOrigins)

	_, err = loadHub(lookupMap(map[string]string{
		envVarJWTSecret:      "s",
		envVarAllowedOrigins: "app.example.com",
	}), nil)
	assert.Error(t, err)
}

func TestWithDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\nAERO_WEBRTC_CALL_LISTEN_ADDR=0.0.0.0:9000\n"), 0o600))

	lookup, err := withDotEnv(lookupMap(map[string]string{envVarListenAddr: "127.0.0.1:7000"}), path)
	require.NoError(t, err)

	cfg, err := loadHub(lookup, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr, "process env wins over .env")
}

func TestWithDotEnv_MissingFileIsIgnored(t *testing.T) {
	lookup, err := withDotEnv(lookupMap(map[string]string{"A": "1"}), filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	v, ok := lookup("A")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(Base{LogFormat: LogFormatJSON})
	require.NoError(t, err)
	_, err = NewLogger(Base{LogFormat: "xml"})
	assert.Error(t, err)
}
