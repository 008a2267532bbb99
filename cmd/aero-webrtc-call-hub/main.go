package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hubserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.LoadHub(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.IssueTokenFor != "" {
		tok, err := auth.NewIssuer(cfg.JWTSecret, cfg.IssueTokenTTL, nil).Issue(cfg.IssueTokenFor, cfg.IssueTokenFor)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	logger, err := config.NewLogger(cfg.Base)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	verifier, err := auth.NewVerifier(cfg.JWTSecret, nil)
	if err != nil {
		logger.Error("failed to configure token verification", "err", err)
		os.Exit(2)
	}

	var dir directory.Directory
	if cfg.DirectoryFile != "" {
		users, err := directory.LoadFile(cfg.DirectoryFile)
		if err != nil {
			logger.Error("failed to load user directory", "path", cfg.DirectoryFile, "err", err)
			os.Exit(2)
		}
		dir = users
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	logger.Info("starting aero-webrtc-call-hub",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"call_grace_period", cfg.CallGracePeriod,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"directory_file_set", cfg.DirectoryFile != "",
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	hub, err := hubserver.New(hubserver.Options{
		Verifier:          verifier,
		Directory:         dir,
		GracePeriod:       cfg.CallGracePeriod,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PingInterval:      cfg.SignalingWSPingInterval,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		CheckOrigin:       httpserver.NewOriginPolicy(cfg.AllowedOrigins).Allow,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		logger.Error("failed to configure hub", "err", err)
		os.Exit(2)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.Options{
		Build:    httpserver.BuildInfo{Commit: commit, BuildTime: built},
		Verifier: verifier,
		TURN:     turn,
		Metrics:  m,
		Gauges: []metrics.Gauge{{
			Name:  "aero_webrtc_call_hub_active_calls",
			Help:  "Calls currently routed by the hub.",
			Value: func() float64 { return float64(len(hub.Calls())) },
		}},
	})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}
	srv.Mux().Handle("GET /hub", hub)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		_ = hub.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked hub connections are not tracked by http.Server.Shutdown.
	_ = hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
