package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarHubURL               = "AERO_WEBRTC_CALL_HUB_URL"
	envVarUserID               = "AERO_WEBRTC_CALL_USER_ID"
	envVarToken                = "AERO_WEBRTC_CALL_TOKEN"
	envVarTokenFile            = "AERO_WEBRTC_CALL_TOKEN_FILE"
	envVarTokenCommand         = "AERO_WEBRTC_CALL_TOKEN_COMMAND"
	envVarRingTimeout          = "AERO_WEBRTC_CALL_RING_TIMEOUT"
	envVarNegotiationTimeout   = "AERO_WEBRTC_CALL_NEGOTIATION_TIMEOUT"
	envVarReconnectBackoff     = "AERO_WEBRTC_CALL_RECONNECT_BACKOFF"
	envVarMaxReconnectAttempts = "AERO_WEBRTC_CALL_MAX_RECONNECT_ATTEMPTS"
	envVarMediaSource          = "AERO_WEBRTC_CALL_MEDIA_SOURCE"
	envVarMetricsAddr          = "AERO_WEBRTC_CALL_METRICS_ADDR"
	envVarWebRTCUDPPortMin     = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax     = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP    = "WEBRTC_UDP_LISTEN_IP"

	DefaultHubURL               = "ws://127.0.0.1:8080/hub"
	DefaultRingTimeout          = 30 * time.Second
	DefaultNegotiationTimeout   = 15 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultMediaSource          = MediaSourceNull
)

// DefaultReconnectBackoff is the hub reconnect schedule. The last entry
// repeats until the attempt limit is reached.
var DefaultReconnectBackoff = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type MediaSource string

const (
	MediaSourceNull   MediaSource = "null"
	MediaSourceDevice MediaSource = "device"
)

// ClientConfig configures the call agent.
type ClientConfig struct {
	Base

	HubURL       string
	UserID       string
	Token        string
	TokenFile    string
	TokenCommand string

	ICEServers         []webrtc.ICEServer
	WebRTCUDPPortRange *UDPPortRange
	WebRTCUDPListenIP  net.IP

	RingTimeout          time.Duration
	NegotiationTimeout   time.Duration
	ReconnectBackoff     []time.Duration
	MaxReconnectAttempts int

	MediaSource MediaSource
	MetricsAddr string

	// One-shot agent actions.
	CallUserID     string
	ConversationID string
	CallType       string
	AutoAnswer     bool
	ExitAfterCall  bool
}

func LoadClient(args []string) (ClientConfig, error) {
	lookup, err := processLookup()
	if err != nil {
		return ClientConfig{}, err
	}
	return loadClient(lookup, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, error) {
	fs := flag.NewFlagSet("aero-webrtc-call-agent", flag.ContinueOnError)
	finishBase := baseFlags(fs, lookup)

	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	negotiationTimeout, err := envDurationOrDefault(lookup, envVarNegotiationTimeout, DefaultNegotiationTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	maxAttempts, err := envIntOrDefault(lookup, envVarMaxReconnectAttempts, DefaultMaxReconnectAttempts)
	if err != nil {
		return ClientConfig{}, err
	}

	var cfg ClientConfig
	var backoff, mediaSource, portMin, portMax, listenIP string
	fs.StringVar(&cfg.HubURL, "hub-url", envOrDefault(lookup, envVarHubURL, DefaultHubURL), "hub websocket URL (ws:// or wss://)")
	fs.StringVar(&cfg.UserID, "user-id", envOrDefault(lookup, envVarUserID, ""), "local user id")
	fs.StringVar(&cfg.Token, "token", envOrDefault(lookup, envVarToken, ""), "static bearer token")
	fs.StringVar(&cfg.TokenFile, "token-file", envOrDefault(lookup, envVarTokenFile, ""), "file holding the bearer token; reloaded on change")
	fs.StringVar(&cfg.TokenCommand, "token-command", envOrDefault(lookup, envVarTokenCommand, ""), "command printing a fresh bearer token; rerun when the token nears expiry")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", ringTimeout, "how long an outgoing call rings before ending with reason timeout")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", negotiationTimeout, "how long a call may stay connecting before failing")
	fs.StringVar(&backoff, "reconnect-backoff", envOrDefault(lookup, envVarReconnectBackoff, formatDurationList(DefaultReconnectBackoff)), "comma-separated hub reconnect delays; the last repeats")
	fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect-attempts", maxAttempts, "hub reconnect attempts before giving up")
	fs.StringVar(&mediaSource, "media", envOrDefault(lookup, envVarMediaSource, string(DefaultMediaSource)), "local media source (null, device)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", envOrDefault(lookup, envVarMetricsAddr, ""), "optional listen address for /metrics")
	fs.StringVar(&portMin, "webrtc-udp-port-min", envOrDefault(lookup, envVarWebRTCUDPPortMin, ""), "lowest UDP port for ICE")
	fs.StringVar(&portMax, "webrtc-udp-port-max", envOrDefault(lookup, envVarWebRTCUDPPortMax, ""), "highest UDP port for ICE")
	fs.StringVar(&listenIP, "webrtc-udp-listen-ip", envOrDefault(lookup, envVarWebRTCUDPListenIP, ""), "restrict ICE candidates to this local IP")

	fs.StringVar(&cfg.CallUserID, "call", "", "user id to call after connecting")
	fs.StringVar(&cfg.ConversationID, "conversation", "", "conversation id for -call")
	fs.StringVar(&cfg.CallType, "type", "audio", "call type for -call (audio, video)")
	fs.BoolVar(&cfg.AutoAnswer, "auto-answer", false, "accept incoming calls automatically")
	fs.BoolVar(&cfg.ExitAfterCall, "exit-after-call", false, "exit once the first call reaches a terminal state")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	cfg.Base, err = finishBase()
	if err != nil {
		return ClientConfig{}, err
	}

	cfg.ICEServers, err = readICESources(lookup).parse(false)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg.ReconnectBackoff, err = parseDurationList(backoff)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid reconnect backoff %q: %w", backoff, err)
	}
	cfg.WebRTCUDPPortRange, err = parsePortRange(portMin, portMax)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg.WebRTCUDPListenIP, err = parseListenIP(listenIP)
	if err != nil {
		return ClientConfig{}, err
	}
	switch MediaSource(strings.ToLower(strings.TrimSpace(mediaSource))) {
	case MediaSourceNull:
		cfg.MediaSource = MediaSourceNull
	case MediaSourceDevice:
		cfg.MediaSource = MediaSourceDevice
	default:
		return ClientConfig{}, fmt.Errorf("invalid media source %q (expected null or device)", mediaSource)
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	u, err := url.Parse(c.HubURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid hub url %q (expected ws:// or wss://)", c.HubURL)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user id is required")
	}

	sources := 0
	for _, s := range []string{c.Token, c.TokenFile, c.TokenCommand} {
		if strings.TrimSpace(s) != "" {
			sources++
		}
	}
	if sources != 1 {
		return errors.New("exactly one of -token, -token-file or -token-command is required")
	}

	if c.RingTimeout <= 0 || c.NegotiationTimeout <= 0 {
		return errors.New("ring and negotiation timeouts must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts must be >= 0")
	}
	if c.CallUserID != "" && strings.TrimSpace(c.ConversationID) == "" {
		return errors.New("-conversation is required with -call")
	}
	if c.CallType != "audio" && c.CallType != "video" {
		return fmt.Errorf("invalid call type %q (expected audio or video)", c.CallType)
	}
	return nil
}
