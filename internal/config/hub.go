package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr                    = "AERO_WEBRTC_CALL_LISTEN_ADDR"
	envVarAllowedOrigins                = "ALLOWED_ORIGINS"
	envVarShutdownTimeout               = "AERO_WEBRTC_CALL_SHUTDOWN_TIMEOUT"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarDirectoryFile                 = "AERO_WEBRTC_CALL_DIRECTORY_FILE"
	envVarCallGracePeriod               = "AERO_WEBRTC_CALL_GRACE_PERIOD"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr                    = "127.0.0.1:8080"
	DefaultShutdown                      = 15 * time.Second
	DefaultCallGracePeriod               = 30 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     = 3600
	DefaultTURNRESTUsernamePrefix = "aero"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// HubConfig configures the relay hub server.
type HubConfig struct {
	Base

	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	JWTSecret       string
	DirectoryFile   string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	// CallGracePeriod is how long a call survives after one party's last
	// connection drops before the other party is told it ended.
	CallGracePeriod time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// IssueTokenFor, when set, makes the binary print a token for that user
	// and exit.
	IssueTokenFor string
	IssueTokenTTL time.Duration
}

func LoadHub(args []string) (HubConfig, error) {
	lookup, err := processLookup()
	if err != nil {
		return HubConfig{}, err
	}
	return loadHub(lookup, args)
}

func loadHub(lookup func(string) (string, bool), args []string) (HubConfig, error) {
	fs := flag.NewFlagSet("aero-webrtc-call-hub", flag.ContinueOnError)
	finishBase := baseFlags(fs, lookup)

	shutdown, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return HubConfig{}, err
	}
	grace, err := envDurationOrDefault(lookup, envVarCallGracePeriod, DefaultCallGracePeriod)
	if err != nil {
		return HubConfig{}, err
	}
	idle, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return HubConfig{}, err
	}
	ping, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return HubConfig{}, err
	}
	maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return HubConfig{}, err
	}
	maxPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return HubConfig{}, err
	}
	turnTTL, err := envIntOrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return HubConfig{}, err
	}

	var cfg HubConfig
	var origins string
	var maxBytesFlag int64
	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "HTTP listen address")
	fs.StringVar(&origins, "allowed-origins", envOrDefault(lookup, envVarAllowedOrigins, ""), "comma-separated browser origins allowed to connect")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", shutdown, "graceful shutdown timeout")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", envOrDefault(lookup, envVarJWTSecret, ""), "HS256 secret used to verify bearer tokens")
	fs.StringVar(&cfg.DirectoryFile, "directory-file", envOrDefault(lookup, envVarDirectoryFile, ""), "JSON file listing user profiles")
	fs.DurationVar(&cfg.CallGracePeriod, "call-grace-period", grace, "how long a call survives a party disconnecting")
	fs.DurationVar(&cfg.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", idle, "close hub connections idle for this long")
	fs.DurationVar(&cfg.SignalingWSPingInterval, "signaling-ws-ping-interval", ping, "websocket ping interval")
	fs.Int64Var(&maxBytesFlag, "max-signaling-message-bytes", int64(maxBytes), "largest accepted hub frame")
	fs.IntVar(&cfg.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxPerSecond, "per-connection inbound frame rate")
	fs.StringVar(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", envOrDefault(lookup, envVarTURNRESTSharedSecret, ""), "coturn static-auth-secret for ephemeral TURN credentials")
	fs.Int64Var(&cfg.TURNREST.TTLSeconds, "turn-rest-ttl-seconds", int64(turnTTL), "TURN credential lifetime")
	fs.StringVar(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix), "TURN username prefix")
	fs.StringVar(&cfg.IssueTokenFor, "issue-token", "", "print a bearer token for this user id and exit")
	fs.DurationVar(&cfg.IssueTokenTTL, "issue-token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")

	if err := fs.Parse(args); err != nil {
		return HubConfig{}, err
	}
	cfg.MaxSignalingMessageBytes = maxBytesFlag

	cfg.Base, err = finishBase()
	if err != nil {
		return HubConfig{}, err
	}
	cfg.AllowedOrigins, err = parseAllowedOrigins(origins)
	if err != nil {
		return HubConfig{}, err
	}
	cfg.ICEServers, err = readICESources(lookup).parse(cfg.TURNREST.Enabled())
	if err != nil {
		return HubConfig{}, err
	}

	if err := cfg.validate(); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

func (c HubConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%s is required", envVarJWTSecret)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.CallGracePeriod < 0 {
		return errors.New("call grace period must be >= 0")
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return errors.New("max signaling message bytes must be positive")
	}
	if c.TURNREST.Enabled() {
		if c.TURNREST.TTLSeconds <= 0 {
			return errors.New("turn rest ttl must be positive")
		}
		if strings.Contains(c.TURNREST.UsernamePrefix, ":") || c.TURNREST.UsernamePrefix == "" {
			return fmt.Errorf("invalid turn rest username prefix %q", c.TURNREST.UsernamePrefix)
		}
	}
	return nil
}
