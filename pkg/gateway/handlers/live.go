package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/live-relay/pkg/core"
	"github.com/vango-go/live-relay/pkg/core/live/segment"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/dialog"
	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/live-relay/pkg/gateway/live/upstream"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/mw"
	"github.com/vango-go/live-relay/pkg/gateway/principal"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
)

// LiveHandler upgrades /v1/live requests to a websocket and drives a
// dialog.Session for the lifetime of the connection. The client's first
// text frame must be a "start" message (protocol.ClientStart); audio and
// control frames are handled by the session itself from then on.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics

	Now func() time.Time
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining", RequestID: reqID}, 529)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID}, http.StatusForbidden)
		return
	}

	var wsPermit *ratelimit.Permit
	if h.Limiter != nil {
		p := principal.Resolve(r, h.Config)
		dec := h.Limiter.AcquireWSSession(p.Key, h.now())
		if !dec.Allowed {
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", dec.RetryAfter))
			}
			writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrRateLimit, Message: "too many concurrent live sessions", RequestID: reqID}, http.StatusTooManyRequests)
			return
		}
		wsPermit = dec.Permit
	}
	if wsPermit != nil {
		defer wsPermit.Release()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	readLimit := int64(h.Config.LiveMaxJSONMessageBytes)
	if int64(h.Config.LiveMaxAudioFrameBytes) > readLimit {
		readLimit = int64(h.Config.LiveMaxAudioFrameBytes)
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(h.now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.closeWithError(conn, "bad_request", "failed to read start frame")
		return
	}
	if messageType != websocket.TextMessage {
		h.closeWithError(conn, "bad_request", "first frame must be a start message")
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.closeWithError(conn, "bad_request", "invalid start frame")
		return
	}
	start, ok := decoded.(protocol.ClientStart)
	if !ok {
		h.closeWithError(conn, "bad_request", "first frame must be a start message")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	model := strings.TrimSpace(start.Model)
	if model == "" {
		model = h.Config.Model
	}
	voiceName := strings.TrimSpace(start.VoiceName)
	if voiceName == "" {
		voiceName = h.Config.VoiceName
	}
	systemInstruction := start.SystemInstruction
	if strings.TrimSpace(systemInstruction) == "" {
		systemInstruction = h.Config.SystemInstruction
	}

	sessionID := "sess_" + randHex(8)

	cfg := dialog.Config{
		SessionID: sessionID,
		Upstream: upstream.Config{
			DialURL:             h.Config.UpstreamDialURL,
			Model:               model,
			VoiceName:           voiceName,
			SystemInstruction:   systemInstruction,
			InputSampleRate:     16000,
			HeartbeatInterval:   time.Duration(h.Config.HeartbeatIntervalMs) * time.Millisecond,
			PlannedReconnectMin: time.Duration(h.Config.PlannedReconnectMinMs) * time.Millisecond,
			PlannedReconnectMax: time.Duration(h.Config.PlannedReconnectMaxMs) * time.Millisecond,
			DialTimeout:         h.Config.UpstreamConnectTimeout,
			Now:                 h.now,
		},
		Segment: segment.Config{
			SampleRate:         h.Config.SampleRate,
			SilenceThreshold:   h.Config.SilenceThreshold,
			SilenceDurationMs:  h.Config.SilenceDurationMs,
			MaxPendingSegments: h.Config.MaxPendingSegments,
			PartialIdleCommitEnabled: true,
			Now:                h.now,
		},
		FinalizeInitial:     time.Duration(h.Config.FinalizeInitialMs) * time.Millisecond,
		FinalizeExtension:   time.Duration(h.Config.FinalizeExtensionMs) * time.Millisecond,
		InboundAudioFPS:     h.Config.InboundAudioFPS,
		InboundAudioBPS:     h.Config.InboundAudioBytesPerSec,
		InboundBurstSeconds: h.Config.InboundBurstSeconds,
		PingInterval:        30 * time.Second,
		WriteTimeout:        10 * time.Second,
		Now:                 h.now,
		Metrics:             h.Metrics,
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := dialog.New(cfg, logger.With("session_id", sessionID, "request_id", reqID))

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessionID, sessions.Handle{
			Cancel: s.Cancel,
			Warn:   s.SendWarning,
		})
	}
	defer unregister()

	s.Run(r.Context(), conn)
}

func (h LiveHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) closeWithError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(protocol.NewWarning(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func writeCoreErrorJSON(w http.ResponseWriter, requestID string, e *core.Error, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error *core.Error `json:"error"`
	}{Error: e})
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
