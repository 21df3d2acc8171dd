package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/live-relay/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		AuthMode        string   `json:"auth_mode"`
		CORSEnabled     bool     `json:"cors_enabled"`
		InboundLimitsOn bool     `json:"inbound_audio_limits_enabled"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}

	if h.Config.LiveMaxAudioFrameBytes <= 0 {
		issues = append(issues, "live_max_audio_frame_bytes must be > 0")
	}
	if h.Config.LiveMaxJSONMessageBytes <= 0 {
		issues = append(issues, "live_max_json_message_bytes must be > 0")
	}
	if h.Config.LiveHandshakeTimeout <= 0 {
		issues = append(issues, "live_handshake_timeout must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 {
		issues = append(issues, "read_header_timeout must be > 0")
	}
	if h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "shutdown_grace_period must be > 0")
	}

	if h.Config.UpstreamDialURL == "" {
		issues = append(issues, "upstream_dial_url must not be empty")
	}
	if h.Config.Model == "" {
		issues = append(issues, "model must not be empty")
	}
	if h.Config.UpstreamConnectTimeout <= 0 {
		issues = append(issues, "upstream_connect_timeout must be > 0")
	}

	if h.Config.SampleRate <= 0 {
		issues = append(issues, "sample_rate must be > 0")
	}
	if h.Config.SilenceDurationMs <= 0 {
		issues = append(issues, "silence_duration_ms must be > 0")
	}
	if h.Config.MaxPendingSegments <= 0 {
		issues = append(issues, "max_pending_segments must be > 0")
	}

	if h.Config.PlannedReconnectMinMs <= 0 || h.Config.PlannedReconnectMaxMs <= 0 ||
		h.Config.PlannedReconnectMinMs > h.Config.PlannedReconnectMaxMs {
		issues = append(issues, "planned reconnect window must be a valid [min, max] range")
	}

	if h.Config.FinalizeInitialMs <= 0 {
		issues = append(issues, "finalize_initial_ms must be > 0")
	}

	corsEnabled := len(h.Config.CORSAllowedOrigins) > 0
	inboundLimitsOn := h.Config.InboundAudioFPS > 0 || h.Config.InboundAudioBytesPerSec > 0

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:              ok,
		AuthMode:        string(h.Config.AuthMode),
		CORSEnabled:     corsEnabled,
		InboundLimitsOn: inboundLimitsOn,
		Issues:          issues,
	})
}
