package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// Config is the live-relay gateway's full runtime configuration: transport
// and auth defaults inherited from the chat proxy, plus the segmenter,
// upstream session, and player option table spec'd for the dialog domain.
type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live WebSocket transport limits.
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveHandshakeTimeout    time.Duration
	LiveWSReadTimeout       time.Duration

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxConcurrentStreams  int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Upstream model connection.
	UpstreamDialURL      string
	UpstreamConnectTimeout time.Duration
	Model                  string
	VoiceName              string
	SystemInstruction      string

	// Segmentation engine (C6).
	SampleRate         int
	SilenceThreshold   int
	SilenceDurationMs  int
	MaxPendingSegments int

	// Upstream session (C8).
	PlannedReconnectMinMs int
	PlannedReconnectMaxMs int
	HeartbeatIntervalMs   int

	// Inbound audio shaping (ambient rate limiting ahead of C3).
	InboundAudioFPS         int
	InboundAudioBytesPerSec int64
	InboundBurstSeconds     int

	// Player core (C9/C10).
	PlayerInitialQueueMs        int
	PlayerStartLeadMs           int
	PlayerTrimGraceMs           int
	PlayerSentencePauseMs       int
	PlayerArmSupersedeQuietMs   int
	PlayerCommitGuardMs         int
	PlayerSupersedePrefixEnabled bool

	// Turn finalization.
	FinalizeInitialMs   int
	FinalizeExtensionMs int
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("LIVE_RELAY_ADDR", ":8080"),
		AuthMode:                  AuthMode(envOr("LIVE_RELAY_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                   make(map[string]struct{}),
		TrustProxyHeaders:         envBoolOr("LIVE_RELAY_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:        make(map[string]struct{}),
		LiveMaxAudioFrameBytes:    envIntOr("LIVE_RELAY_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:   envInt64Or("LIVE_RELAY_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveHandshakeTimeout:      envDurationOr("LIVE_RELAY_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:         envDurationOr("LIVE_RELAY_WS_READ_TIMEOUT", 0),
		LimitRPS:                   envFloat64Or("LIVE_RELAY_RATE_LIMIT_RPS", 0),
		LimitBurst:                 envIntOr("LIVE_RELAY_RATE_LIMIT_BURST", 0),
		LimitMaxConcurrentRequests: envIntOr("LIVE_RELAY_MAX_CONCURRENT_REQUESTS", 0),
		LimitMaxConcurrentStreams:  envIntOr("LIVE_RELAY_MAX_STREAMS_PER_PRINCIPAL", 4),
		ReadHeaderTimeout:         envDurationOr("LIVE_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:       envDurationOr("LIVE_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),

		UpstreamDialURL:        envOr("LIVE_RELAY_UPSTREAM_URL", ""),
		UpstreamConnectTimeout: envDurationOr("LIVE_RELAY_UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		Model:                  envOr("LIVE_RELAY_MODEL", ""),
		VoiceName:              envOr("LIVE_RELAY_VOICE_NAME", "Puck"),
		SystemInstruction:      envOr("LIVE_RELAY_SYSTEM_INSTRUCTION", ""),

		SampleRate:         envIntOr("LIVE_RELAY_SAMPLE_RATE", 24000),
		SilenceThreshold:   envIntOr("LIVE_RELAY_SILENCE_THRESHOLD", 750),
		SilenceDurationMs:  envIntOr("LIVE_RELAY_SILENCE_DURATION_MS", 320),
		MaxPendingSegments: envIntOr("LIVE_RELAY_MAX_PENDING_SEGMENTS", 8),

		PlannedReconnectMinMs: envIntOr("LIVE_RELAY_PLANNED_RECONNECT_MIN_MS", 8*60*1000),
		PlannedReconnectMaxMs: envIntOr("LIVE_RELAY_PLANNED_RECONNECT_MAX_MS", 9*60*1000),
		HeartbeatIntervalMs:   envIntOr("LIVE_RELAY_HEARTBEAT_INTERVAL_MS", 30000),

		InboundAudioFPS:         envIntOr("LIVE_RELAY_INBOUND_AUDIO_FPS", 120),
		InboundAudioBytesPerSec: envInt64Or("LIVE_RELAY_INBOUND_AUDIO_BPS", 128*1024),
		InboundBurstSeconds:     envIntOr("LIVE_RELAY_INBOUND_BURST_SECONDS", 2),

		PlayerInitialQueueMs:         envIntOr("LIVE_RELAY_PLAYER_INITIAL_QUEUE_MS", 1300),
		PlayerStartLeadMs:            envIntOr("LIVE_RELAY_PLAYER_START_LEAD_MS", 40),
		PlayerTrimGraceMs:            envIntOr("LIVE_RELAY_PLAYER_TRIM_GRACE_MS", 300),
		PlayerSentencePauseMs:        envIntOr("LIVE_RELAY_PLAYER_SENTENCE_PAUSE_MS", 80),
		PlayerArmSupersedeQuietMs:    envIntOr("LIVE_RELAY_PLAYER_ARM_SUPERSEDE_QUIET_MS", 200),
		PlayerCommitGuardMs:          envIntOr("LIVE_RELAY_PLAYER_COMMIT_GUARD_MS", 250),
		PlayerSupersedePrefixEnabled: envBoolOr("LIVE_RELAY_PLAYER_SUPERSEDE_PREFIX_ENABLED", true),

		FinalizeInitialMs:   envIntOr("LIVE_RELAY_FINALIZE_INITIAL_MS", 1800),
		FinalizeExtensionMs: envIntOr("LIVE_RELAY_FINALIZE_EXTENSION_MS", 300),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("LIVE_RELAY_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("LIVE_RELAY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("LIVE_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_API_KEYS must be set when LIVE_RELAY_AUTH_MODE=required")
	}
	if strings.TrimSpace(cfg.UpstreamDialURL) == "" {
		return Config{}, fmt.Errorf("LIVE_RELAY_UPSTREAM_URL must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("LIVE_RELAY_MODEL must not be empty")
	}

	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LimitMaxConcurrentStreams < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_MAX_STREAMS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_SAMPLE_RATE must be > 0")
	}
	if cfg.SilenceThreshold < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_SILENCE_THRESHOLD must be >= 0")
	}
	if cfg.SilenceDurationMs <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_SILENCE_DURATION_MS must be > 0")
	}
	if cfg.MaxPendingSegments <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_MAX_PENDING_SEGMENTS must be > 0")
	}

	if cfg.PlannedReconnectMinMs <= 0 || cfg.PlannedReconnectMaxMs <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLANNED_RECONNECT_MIN_MS and _MAX_MS must be > 0")
	}
	if cfg.PlannedReconnectMinMs > cfg.PlannedReconnectMaxMs {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLANNED_RECONNECT_MIN_MS must be <= _MAX_MS")
	}
	if cfg.HeartbeatIntervalMs < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_HEARTBEAT_INTERVAL_MS must be >= 0 (0 disables)")
	}

	if cfg.InboundAudioFPS < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_INBOUND_AUDIO_FPS must be >= 0")
	}
	if cfg.InboundAudioBytesPerSec < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_INBOUND_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.InboundAudioFPS > 0 || cfg.InboundAudioBytesPerSec > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("LIVE_RELAY_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}

	if cfg.PlayerInitialQueueMs < 50 || cfg.PlayerInitialQueueMs > 1500 {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLAYER_INITIAL_QUEUE_MS must be in [50, 1500]")
	}
	if cfg.PlayerStartLeadMs < 0 || cfg.PlayerStartLeadMs > 600 {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLAYER_START_LEAD_MS must be in [0, 600]")
	}
	if cfg.PlayerTrimGraceMs < 0 || cfg.PlayerTrimGraceMs > 1000 {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLAYER_TRIM_GRACE_MS must be in [0, 1000]")
	}
	if cfg.PlayerSentencePauseMs < 0 || cfg.PlayerSentencePauseMs > 200 {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLAYER_SENTENCE_PAUSE_MS must be in [0, 200]")
	}
	if cfg.PlayerArmSupersedeQuietMs < 0 || cfg.PlayerArmSupersedeQuietMs > 1200 {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLAYER_ARM_SUPERSEDE_QUIET_MS must be in [0, 1200]")
	}
	if cfg.PlayerCommitGuardMs < 0 || cfg.PlayerCommitGuardMs > 1000 {
		return Config{}, fmt.Errorf("LIVE_RELAY_PLAYER_COMMIT_GUARD_MS must be in [0, 1000]")
	}

	if cfg.FinalizeInitialMs <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_FINALIZE_INITIAL_MS must be > 0")
	}
	if cfg.FinalizeExtensionMs < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_FINALIZE_EXTENSION_MS must be >= 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
