package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRooms <= 0 {
		logger.Warn("startup security warning: MAX_ROOMS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_rooms_unlimited_in_prod",
			"max_rooms", cfg.MaxRooms,
			"mode", cfg.Mode,
		)
	}
	if cfg.Mode == config.ModeProd && cfg.MaxMembersPerRoom <= 0 {
		logger.Warn("startup security warning: MAX_MEMBERS_PER_ROOM is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_members_unlimited_in_prod",
			"max_members_per_room", cfg.MaxMembersPerRoom,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingBytesPerSecond == 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_BYTES_PER_SECOND=0 disables the per-connection byte budget",
			"warning_code", "signaling_byte_budget_disabled",
			"mode", cfg.Mode,
		)
	}

	// Every relayed frame is fanned out to the whole room, so a large cap
	// multiplies per-room buffering.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation and fan-out buffering)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.ICEConfigError() == nil && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured (peers outside one network will not connect)",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
