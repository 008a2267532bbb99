package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

const minProdSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.HubConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.JWTSecret) < minProdSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes while --mode=prod",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND disables hub rate limiting",
			"warning_code", "signaling_rate_limit_disabled",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.CallGracePeriod > 5*time.Minute {
		logger.Warn("startup security warning: AERO_WEBRTC_CALL_GRACE_PERIOD is very large (abandoned calls keep both parties busy)",
			"warning_code", "call_grace_period_large",
			"call_grace_period", cfg.CallGracePeriod,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTLSeconds > 24*60*60 {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS exceeds one day (leaked TURN credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}
}
