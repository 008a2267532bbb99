package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/controls"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hub"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const (
	iceDisconnectedTimeout = 8 * time.Second
	iceFailedTimeout       = 25 * time.Second
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Base)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger = logger.With("user_id", cfg.UserID)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("agent exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, closeTokens, err := tokenProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure credentials: %w", err)
	}
	defer closeTokens()

	var source media.Source
	var codecs media.CodecRegistrar
	switch cfg.MediaSource {
	case config.MediaSourceDevice:
		dev := &media.DeviceSource{Logger: logger}
		source, codecs = dev, dev
	default:
		source = &media.NullSource{}
	}

	api, err := peer.NewAPI(peer.APIOptions{
		UDPPortRange:           cfg.WebRTCUDPPortRange,
		ListenIP:               cfg.WebRTCUDPListenIP,
		Codecs:                 codecs,
		ICEDisconnectedTimeout: iceDisconnectedTimeout,
		ICEFailedTimeout:       iceFailedTimeout,
		Logger:                 logger,
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	m := metrics.New()
	maxRetries := cfg.MaxReconnectAttempts
	if maxRetries == 0 {
		maxRetries = -1
	}
	mgr := hub.NewManager(hub.Options{
		Backoff:    cfg.ReconnectBackoff,
		MaxRetries: maxRetries,
		Logger:     logger,
		Metrics:    m,
	})
	defer func() { _ = mgr.Close() }()

	relay := signaling.NewRelay(mgr, logger, m)
	inbound, unsubscribe := relay.Subscribe()
	defer unsubscribe()

	ctrl, err := session.New(session.Options{
		SelfID: cfg.UserID,
		Relay:  relay,
		NewPeer: func(string) (session.Peer, error) {
			return peer.New(peer.Options{
				API:        api,
				ICEServers: cfg.ICEServers,
				Source:     source,
				Logger:     logger,
			})
		},
		RingTimeout:        cfg.RingTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             logger,
		Metrics:            m,
	})
	if err != nil {
		return err
	}
	mgr.OnResync(func(ctx context.Context) {
		if err := ctrl.Resync(ctx); err != nil {
			logger.Warn("call resync failed", "err", err)
		}
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(runCtx, inbound) }()

	panel := controls.New(logger)
	panelSnaps, stopPanel := ctrl.Watch()
	defer stopPanel()
	go panel.Follow(runCtx, panelSnaps, cfg.ConversationID)

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, m, logger)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
	}

	logger.Info("starting aero-webrtc-call-agent",
		"hub_url", cfg.HubURL,
		"media", cfg.MediaSource,
		"ice_servers", len(cfg.ICEServers),
		"ring_timeout", cfg.RingTimeout,
		"negotiation_timeout", cfg.NegotiationTimeout,
	)
	if err := mgr.Connect(ctx, cfg.HubURL, tokens); err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}

	a := newAgent(ctrl, panel, logger, cfg.AutoAnswer, cfg.ExitAfterCall)
	snaps, stopSnaps := ctrl.Watch()
	defer stopSnaps()

	if cfg.CallUserID != "" {
		if err := ctrl.InitiateCall(ctx, cfg.ConversationID, cfg.CallUserID, signaling.CallType(cfg.CallType)); err != nil {
			return fmt.Errorf("call %s: %w", cfg.CallUserID, err)
		}
	}

	lines := readLines(ctx)
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return waitRun(runErr)
			}
			a.handle(ctx, snap)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := a.command(ctx, line); err != nil {
				logger.Warn("command failed", "command", strings.TrimSpace(line), "err", err)
			}
		case <-a.done:
			logger.Info("call finished; exiting")
			cancelRun()
			return waitRun(runErr)
		case err := <-runErr:
			return err
		}
	}
}

func waitRun(runErr <-chan error) error {
	err := <-runErr
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tokenProvider builds the provider for whichever credential source is
// configured. The returned func releases any watcher it started.
func tokenProvider(cfg config.ClientConfig, logger *slog.Logger) (auth.TokenProvider, func(), error) {
	switch {
	case cfg.TokenFile != "":
		p, err := auth.NewFileProvider(cfg.TokenFile, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case cfg.TokenCommand != "":
		command := cfg.TokenCommand
		return auth.NewRefreshingProvider(func(ctx context.Context) (string, error) {
			out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
			if err != nil {
				return "", fmt.Errorf("token command: %w", err)
			}
			return strings.TrimSpace(string(out)), nil
		}), func() {}, nil
	default:
		return auth.Static(cfg.Token), func() {}, nil
	}
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics addr: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}

// readLines feeds operator commands from stdin. The channel closes on EOF.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
