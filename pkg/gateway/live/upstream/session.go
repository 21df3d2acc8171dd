// Package upstream implements the upstream session (C8): the connect,
// setup, heartbeat, and reconnect state machine that mediates between a
// client-facing session task and the upstream Live model's WebSocket, plus
// its supporting adaptive rate limiter (C3) and jittered backoff (C4).
//
// A Session owns exactly one upstream socket at a time. Its background
// goroutine (grounded on the teacher's elevenLabsLiveConn.readLoop) only
// decodes raw frames off the wire; all state mutation — segmenter
// ingestion, rate-limit bookkeeping, state transitions — happens on the
// caller's goroutine via Process/Tick, preserving the single-owner
// concurrency model the rest of this module uses.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/live-relay/pkg/core/live/segment"
	"github.com/vango-go/live-relay/pkg/core/live/transcript"
)

// State is one of the C8 state machine's five states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates the output events Process/Tick/SendAudio produce.
type EventKind string

const (
	EventAudioToClient  EventKind = "audio_to_client"
	EventJSONToClient   EventKind = "json_to_client"
	EventSegmentCommit  EventKind = "segment_commit"
	EventTurnCommit     EventKind = "turn_commit"
	EventGoAway         EventKind = "go_away"
	EventDraining       EventKind = "draining"
	EventClosed         EventKind = "upstream_closed"
	EventNotConfigured  EventKind = "upstream_not_configured"
	EventRateLimited    EventKind = "rate_limited"
	EventGenerationComplete EventKind = "generation_complete"
)

// Event is a single output of the session's decode/drive methods.
type Event struct {
	Kind       EventKind
	AudioData  []byte
	JSONPayload any
	Segment    *segment.SegmentCommit
	Turn       *segment.TurnCommit
	CloseCode  int
	CloseReason string
	Retryable  bool
}

// Config configures one upstream connection.
type Config struct {
	DialURL           string // full wss:// URL to the Live endpoint, including model/key query
	Header            http.Header
	Model             string
	VoiceName         string
	SystemInstruction string
	InputSampleRate   int // client mic PCM rate advertised upstream, default 16000
	HeartbeatInterval time.Duration
	PlannedReconnectMin time.Duration
	PlannedReconnectMax time.Duration
	DialTimeout       time.Duration
	PendingQueueCap   int

	Now  func() time.Time
	Rand func() float64

	OnMetric func(kind string)
}

func (c *Config) applyDefaults() {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = 16000
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PlannedReconnectMin <= 0 {
		c.PlannedReconnectMin = 8 * time.Minute
	}
	if c.PlannedReconnectMax <= 0 {
		c.PlannedReconnectMax = 9 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PendingQueueCap <= 0 {
		c.PendingQueueCap = 256
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// rawFrame is what the read goroutine hands to the caller: either an
// undecoded wire frame or a terminal read error (connection closed).
type rawFrame struct {
	isText bool
	data   []byte

	err         error
	closeCode   int
	closeReason string
}

// Session drives one upstream connection's lifecycle. Not safe for
// concurrent use from more than one goroutine except via RawInbound(),
// which is safe to range over concurrently with Process/Tick calls made on
// a different goroutine, matching the teacher's channel-handoff pattern.
type Session struct {
	cfg     Config
	seg     *segment.Engine
	limiter *AdaptiveLimiter
	backoff *Backoff

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	resumptionHandle string
	pendingQueue     [][]byte

	rawIn chan rawFrame

	connectedAt         time.Time
	lastHeartbeatAt     time.Time
	plannedReconnectAt  time.Time
}

// NewSession constructs a Session bound to seg, the segmentation engine the
// caller already owns for this dialog.
func NewSession(cfg Config, seg *segment.Engine) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:     cfg,
		seg:     seg,
		limiter: NewAdaptiveLimiter(),
		backoff: NewBackoff(),
		state:   StateIdle,
		rawIn:   make(chan rawFrame, 256),
	}
}

func (s *Session) metric(kind string) {
	if s.cfg.OnMetric != nil {
		s.cfg.OnMetric(kind)
	}
}

// State reports the current state machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RawInbound returns the channel of undecoded upstream frames. The caller
// drains this in its own select loop and passes each frame to Process.
func (s *Session) RawInbound() <-chan rawFrame { return s.rawIn }

// Connect dials the upstream socket, sends the setup payload, and starts
// the read goroutine. On failure (dial error or invalid configuration) the
// session moves to Closed and EventNotConfigured/an error is returned.
func (s *Session) Connect(ctx context.Context) ([]Event, error) {
	if strings.TrimSpace(s.cfg.DialURL) == "" || strings.TrimSpace(s.cfg.Model) == "" {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return []Event{{Kind: EventNotConfigured}}, fmt.Errorf("upstream: not configured")
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.DialURL, s.cfg.Header)
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.connectedAt = s.cfg.Now()
	s.lastHeartbeatAt = s.connectedAt
	s.plannedReconnectAt = s.connectedAt.Add(jitteredDuration(s.cfg.PlannedReconnectMin, s.cfg.PlannedReconnectMax, s.cfg.Rand))
	handle := s.resumptionHandle
	queue := s.pendingQueue
	s.pendingQueue = nil
	s.mu.Unlock()

	if err := s.sendSetup(handle); err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return nil, err
	}
	for _, raw := range queue {
		_ = s.writeRaw(raw)
	}

	s.backoff.Reset()
	go s.readLoop(conn)
	return nil, nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			s.rawIn <- rawFrame{err: err, closeCode: code, closeReason: reason}
			return
		}
		s.rawIn <- rawFrame{isText: mt == websocket.TextMessage, data: data}
	}
}

// Process decodes one raw frame and drives every side effect it produces:
// segmenter ingestion, audio/JSON forwarding, goAway/close detection.
func (s *Session) Process(frame rawFrame) []Event {
	if frame.err != nil {
		return s.handleClose(frame.closeCode, frame.closeReason)
	}

	isText := frame.isText
	data := frame.data
	if !isText && utf8.Valid(data) {
		isText = true
	}

	if !isText {
		var events []Event
		events = append(events, Event{Kind: EventAudioToClient, AudioData: data})
		s.seg.Ingest(nil, [][]byte{data})
		return events
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		s.metric("decode_failure")
		return nil
	}

	s.mergeSessionSnapshot(payload)

	chunks, sanitized := transcript.HarvestAudio(payload)
	rawChunks := make([][]byte, 0, len(chunks))
	var events []Event
	for _, c := range chunks {
		rawChunks = append(rawChunks, c.Data)
		events = append(events, Event{Kind: EventAudioToClient, AudioData: c.Data})
	}

	segEvents, genComplete := s.seg.Ingest(payload, rawChunks)
	for _, se := range segEvents {
		switch se.Kind {
		case segment.EventSegmentCommit:
			events = append(events, Event{Kind: EventSegmentCommit, Segment: se.Segment})
		case segment.EventTurnCommit:
			events = append(events, Event{Kind: EventTurnCommit, Turn: se.Turn})
		}
	}
	if genComplete {
		events = append(events, Event{Kind: EventGenerationComplete})
	}

	events = append(events, Event{Kind: EventJSONToClient, JSONPayload: sanitized})

	if transcript.DetectGoAway(payload) {
		s.mu.Lock()
		s.state = StateDraining
		s.mu.Unlock()
		_ = s.writeClose(1012, "planned_reconnect")
		events = append(events, Event{Kind: EventGoAway})
	}

	return events
}

// mergeSessionSnapshot captures an opaque resumption handle if the payload
// carries a session snapshot, per spec §4.2's "merge any session snapshot".
func (s *Session) mergeSessionSnapshot(payload any) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return
	}
	snap, ok := obj["session"].(map[string]any)
	if !ok {
		if res, ok := obj["sessionResumptionUpdate"].(map[string]any); ok {
			snap = res
		} else {
			return
		}
	}
	if handle, ok := snap["handle"].(string); ok && handle != "" {
		s.mu.Lock()
		s.resumptionHandle = handle
		s.mu.Unlock()
	}
}

// Tick drives the heartbeat and planned-reconnect timers. Call it
// periodically (e.g. once per select-loop iteration against a short
// interval timer) from the caller's session task.
func (s *Session) Tick(now time.Time) []Event {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateOpen {
		return nil
	}

	var events []Event
	if s.cfg.HeartbeatInterval > 0 && now.Sub(s.lastHeartbeatAt) >= s.cfg.HeartbeatInterval {
		_ = s.writePing()
		s.lastHeartbeatAt = now
	}
	if now.After(s.plannedReconnectAt) {
		s.mu.Lock()
		s.state = StateDraining
		s.mu.Unlock()
		_ = s.writeClose(1012, "planned_reconnect")
		events = append(events, Event{Kind: EventDraining})
	}
	return events
}

func (s *Session) handleClose(code int, reason string) []Event {
	retryable := isRetryableClose(code, reason)
	if isRateLimitedClose(code, reason) {
		s.MarkUpstreamRateLimited(s.cfg.Now())
	}
	s.mu.Lock()
	if retryable {
		s.state = StateConnecting
	} else {
		s.state = StateClosed
	}
	s.mu.Unlock()
	return []Event{{Kind: EventClosed, CloseCode: code, CloseReason: truncate(reason, 120), Retryable: retryable}}
}

// NextRetryDelay returns the jittered backoff delay for the next reconnect
// attempt after a retryable close.
func (s *Session) NextRetryDelay() time.Duration { return s.backoff.Next() }

// SendAudio throttles and forwards one chunk of client mic PCM upstream,
// wrapped in the realtime_input.media_chunks envelope.
func (s *Session) SendAudio(pcm []byte, now time.Time) []Event {
	if !s.limiter.AllowSend(now) {
		return []Event{{Kind: EventRateLimited}}
	}
	envelope := map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []any{
				map[string]any{
					"mime_type": fmt.Sprintf("audio/pcm;rate=%d", s.cfg.InputSampleRate),
					"data":      base64.StdEncoding.EncodeToString(pcm),
				},
			},
		},
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	if err := s.writeRaw(raw); err != nil {
		return nil
	}
	s.limiter.MarkSuccess()
	return nil
}

// MarkUpstreamRateLimited records a 429-like signal observed from upstream.
func (s *Session) MarkUpstreamRateLimited(now time.Time) { s.limiter.MarkRateLimited(now) }

// SendClientText normalizes and forwards a client text frame, applying the
// audio-envelope / camelCase-vs-snake_case / plain-text-wrap rules.
func (s *Session) SendClientText(raw []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return s.writeRaw(mustJSON(map[string]any{
			"realtime_input": map[string]any{"text": string(raw)},
		}))
	}

	if data, ok := obj["data"].(string); ok {
		mime, hasMime := obj["mime_type"].(string)
		if !hasMime {
			mime, hasMime = obj["mimeType"].(string)
		}
		if hasMime {
			return s.writeRaw(mustJSON(map[string]any{
				"realtime_input": map[string]any{
					"media_chunks": []any{map[string]any{"mime_type": mime, "data": data}},
				},
			}))
		}
	}

	if ri, ok := obj["realtimeInput"]; ok {
		obj["realtime_input"] = ri
		delete(obj, "realtimeInput")
	}
	if _, ok := obj["realtime_input"]; ok {
		return s.writeRaw(mustJSON(obj))
	}

	return s.writeRaw(mustJSON(map[string]any{"realtime_input": map[string]any{"text": string(raw)}}))
}

// ForceFinalize delegates to the segmentation engine's forced-completion
// path, used both on turn-finalization timer fire and on session close.
func (s *Session) ForceFinalize() []segment.Event { return s.seg.ForceFinalize() }

// Close sends a close frame with the given code/reason and marks the
// session Closed.
func (s *Session) Close(code int, reason string) error {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return s.writeClose(code, reason)
}

func (s *Session) sendSetup(resumptionHandle string) error {
	genCfg := genai.GenerationConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.cfg.VoiceName},
			},
		},
	}

	setupBody := map[string]any{
		"model":                    s.cfg.Model,
		"generationConfig":         genCfg,
		"outputAudioTranscription": &genai.AudioTranscriptionConfig{},
		"inputAudioTranscription":  &genai.AudioTranscriptionConfig{},
	}
	if s.cfg.SystemInstruction != "" {
		setupBody["systemInstruction"] = &genai.Content{
			Parts: []*genai.Part{{Text: s.cfg.SystemInstruction}},
		}
	}
	if resumptionHandle != "" {
		setupBody["sessionResumption"] = &genai.SessionResumptionConfig{Handle: resumptionHandle}
	}

	raw, err := json.Marshal(map[string]any{"setup": setupBody})
	if err != nil {
		return err
	}
	return s.writeRaw(raw)
}

func (s *Session) writeRaw(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateOpen || conn == nil {
		s.mu.Lock()
		if len(s.pendingQueue) >= s.cfg.PendingQueueCap {
			s.pendingQueue = s.pendingQueue[1:]
		}
		s.pendingQueue = append(s.pendingQueue, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(s.cfg.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writePing() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteControl(websocket.PingMessage, nil, s.cfg.Now().Add(2*time.Second))
}

func (s *Session) writeClose(code int, reason string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, truncate(reason, 120))
	return conn.WriteControl(websocket.CloseMessage, msg, s.cfg.Now().Add(2*time.Second))
}

func isRetryableClose(code int, reason string) bool {
	switch code {
	case 1006, 1011, 1012, 1013:
		return true
	}
	if strings.Contains(reason, "429") {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(reason), "5")
}

// isRateLimitedClose reports whether an upstream close looks like a 429-like
// throttling signal rather than a generic transport failure.
func isRateLimitedClose(code int, reason string) bool {
	if code == 1013 {
		return true
	}
	return strings.Contains(reason, "429") || strings.Contains(strings.ToUpper(reason), "RESOURCE_EXHAUSTED")
}

func closeInfo(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return 1006, err.Error()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func jitteredDuration(min, max time.Duration, randFn func() float64) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(randFn()*float64(span))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
