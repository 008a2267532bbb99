package peer

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

type APIOptions struct {
	UDPPortRange *config.UDPPortRange
	ListenIP     net.IP

	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	// Codecs registers the media codecs. Nil registers the webrtc defaults.
	Codecs media.CodecRegistrar

	// ICE timeouts; zero keeps the pion defaults. Relay paths can stall for a
	// few seconds during failover, so callers usually raise Disconnected.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	Logger *slog.Logger
}

// NewAPI builds the webrtc API shared by every peer connection of a client.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}
	if opts.ICEDisconnectedTimeout > 0 || opts.ICEFailedTimeout > 0 || opts.ICEKeepaliveInterval > 0 {
		disconnected, failed, keepalive := opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepaliveInterval
		if disconnected <= 0 {
			disconnected = 5 * time.Second
		}
		if failed <= 0 {
			failed = 25 * time.Second
		}
		if keepalive <= 0 {
			keepalive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepalive)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts APIOptions) error {
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	if opts.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortRange.Min, opts.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// SettingEngine has no bind address; restrict gathering with an IP filter.
	if !config.IsUnspecifiedIP(opts.ListenIP) {
		listenIP := opts.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}
