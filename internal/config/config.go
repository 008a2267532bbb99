package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envVarEnvFile   = "AERO_WEBRTC_CALL_ENV_FILE"
	envVarMode      = "AERO_WEBRTC_CALL_MODE"
	envVarLogFormat = "AERO_WEBRTC_CALL_LOG_FORMAT"
	envVarLogLevel  = "AERO_WEBRTC_CALL_LOG_LEVEL"

	DefaultEnvFile      = ".env"
	DefaultMode    Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Base holds the settings shared by every binary.
type Base struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

type UDPPortRange struct {
	Min uint16
	Max uint16
}

func NewLogger(cfg Base) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// processLookup returns os.LookupEnv layered over the dotenv file named by
// AERO_WEBRTC_CALL_ENV_FILE (default .env). Real environment variables win.
func processLookup() (func(string) (string, bool), error) {
	path := envOrDefault(os.LookupEnv, envVarEnvFile, DefaultEnvFile)
	return withDotEnv(os.LookupEnv, path)
}

func withDotEnv(lookup func(string) (string, bool), path string) (func(string) (string, bool), error) {
	if strings.TrimSpace(path) == "" {
		return lookup, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := vals[key]
		return v, ok
	}, nil
}

// baseFlags registers the shared flags on fs. The returned function must be
// called after fs.Parse.
func baseFlags(fs *flag.FlagSet, lookup func(string) (string, bool)) func() (Base, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, "")
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "")

	var mode, logFormat, logLevel string
	fs.StringVar(&mode, "mode", modeDefault, "runtime mode (dev, prod)")
	fs.StringVar(&logFormat, "log-format", logFormatDefault, "log format (text, json); defaults by mode")
	fs.StringVar(&logLevel, "log-level", logLevelDefault, "log level (debug, info, warn, error); defaults by mode")

	return func() (Base, error) {
		m, err := parseMode(mode)
		if err != nil {
			return Base{}, err
		}
		if logFormat == "" {
			logFormat = defaultLogFormatForMode(m)
		}
		if logLevel == "" {
			logLevel = defaultLogLevelForMode(m)
		}
		f, err := parseLogFormat(logFormat)
		if err != nil {
			return Base{}, err
		}
		l, err := parseLogLevel(logLevel)
		if err != nil {
			return Base{}, err
		}
		return Base{Mode: m, LogFormat: f, LogLevel: l}, nil
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseDurationList parses a comma-separated list such as "0s,2s,10s,30s".
func parseDurationList(raw string) ([]time.Duration, error) {
	parts := compact(strings.Split(raw, ","))
	if len(parts) == 0 {
		return nil, errors.New("empty duration list")
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}

func formatDurationList(ds []time.Duration) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

func parsePortRange(minRaw, maxRaw string) (*UDPPortRange, error) {
	minRaw, maxRaw = strings.TrimSpace(minRaw), strings.TrimSpace(maxRaw)
	if minRaw == "" && maxRaw == "" {
		return nil, nil
	}
	if minRaw == "" || maxRaw == "" {
		return nil, errors.New("udp port range requires both min and max")
	}
	lo, err := strconv.ParseUint(minRaw, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid udp port min %q: %w", minRaw, err)
	}
	hi, err := strconv.ParseUint(maxRaw, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid udp port max %q: %w", maxRaw, err)
	}
	if lo == 0 || hi < lo {
		return nil, fmt.Errorf("invalid udp port range %d-%d", lo, hi)
	}
	return &UDPPortRange{Min: uint16(lo), Max: uint16(hi)}, nil
}

func parseListenIP(raw string) (net.IP, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip %q", raw)
	}
	return ip, nil
}

// IsUnspecifiedIP reports whether ip is nil or the wildcard address.
func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, o := range compact(strings.Split(raw, ",")) {
		if o == "*" {
			out = append(out, o)
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return nil, fmt.Errorf("invalid origin %q", o)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}
	return out, nil
}
