// Package dialog wires the segmentation engine (C6), upstream session
// (C8), and caption processor (C11) into one session task: a single select
// loop drains client frames, upstream frames, and timers, and all session
// state mutation happens on the goroutine running that loop. Client reads,
// upstream reads, and downstream writes run on helper goroutines that hand
// frames to and from the loop over channels. The player core (C9/C10) is
// not used by this package.
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/live-relay/pkg/core/live/caption"
	"github.com/vango-go/live-relay/pkg/core/live/segment"
	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/live-relay/pkg/gateway/live/upstream"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
)

// Config bundles every sub-component's configuration plus this session's
// own finalization timing.
type Config struct {
	SessionID string

	Upstream upstream.Config
	Segment  segment.Config
	Caption  caption.Config

	FinalizeInitial   time.Duration
	FinalizeExtension time.Duration

	InboundAudioFPS    int
	InboundAudioBPS    int64
	InboundBurstSeconds int

	PingInterval time.Duration
	WriteTimeout time.Duration

	Now func() time.Time

	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.FinalizeInitial <= 0 {
		c.FinalizeInitial = 1800 * time.Millisecond
	}
	if c.FinalizeExtension <= 0 {
		c.FinalizeExtension = 300 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is one dialog's session task: it owns the downstream socket, the
// upstream session, and the segmentation engine. The upstream session and
// the engine are touched only from the goroutine running Run; the
// downstream socket is read by clientReadLoop and written by the outbound
// writer.
type Session struct {
	cfg    Config
	log    *slog.Logger
	seg    *segment.Engine
	up     *upstream.Session
	cap    *caption.Processor

	captionKey string

	limiter *InboundAudioLimiter

	priority chan outboundFrame
	normal   chan outboundFrame

	finalizeTimer    *time.Timer
	finalizeStart    time.Time
	finalizeExtended bool

	lastDiagnosticsSig string

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// New constructs a dialog session bound to a not-yet-connected upstream.
func New(cfg Config, log *slog.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if cfg.Metrics != nil {
		m := cfg.Metrics
		cfg.Segment.OnMetric = m.RecordSegmentMetric
		cfg.Upstream.OnMetric = m.RecordUpstreamMetric
	}
	seg := segment.New(cfg.Segment)
	return &Session{
		cfg:        cfg,
		log:        log,
		seg:        seg,
		up:         upstream.NewSession(cfg.Upstream, seg),
		cap:        caption.New(cfg.Caption),
		captionKey: captionKeyForTurn(seg.TurnID()),
		limiter:    NewInboundAudioLimiter(cfg.Now, cfg.InboundAudioFPS, cfg.InboundAudioBPS, cfg.InboundBurstSeconds),
		priority:   make(chan outboundFrame, 64),
		normal:     make(chan outboundFrame, 64),
		cancelCh:   make(chan struct{}),
	}
}

func captionKeyForTurn(turnID int) string { return fmt.Sprintf("turn-%d", turnID) }

// Cancel asks a running session to finalize its current turn and close. It
// is safe to call more than once and from any goroutine; it is how
// sessions.Tracker forces a session closed during a server drain.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// SendWarning best-effort delivers a non-fatal WARNING frame to the client,
// matching the sessions.Tracker.Handle.Warn signature.
func (s *Session) SendWarning(code, message string) error {
	s.sendNormalJSON(protocol.NewWarning(code, message))
	return nil
}

// Run drives the session until ctx is canceled or the client disconnects.
// It owns the client read loop, the outbound writer, and the select loop
// that ties upstream frames, client frames, and timers together.
func (s *Session) Run(ctx context.Context, client *websocket.Conn) {
	startedAt := s.cfg.Now()
	status := "ok"
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSessionStart()
		defer func() { s.cfg.Metrics.RecordSessionEnd(status, s.cfg.Now().Sub(startedAt)) }()
	}

	clientIn := make(chan clientFrame, 64)
	go s.clientReadLoop(client, clientIn)

	if _, err := s.up.Connect(ctx); err != nil {
		status = "upstream_not_configured"
		// The outbound writer is not running yet, so the NotConfigured frame
		// is written directly and reaches the client before the 1011 close.
		_ = client.WriteJSON(protocol.NewNotConfigured())
		s.closeClient(client, 1011, "upstream_not_configured")
		return
	}

	writer := &outboundWriter{
		ws:           client,
		ctx:          ctx,
		priority:     s.priority,
		normal:       s.normal,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
	}
	writerDone := make(chan struct{})
	go func() { defer close(writerDone); _ = writer.run() }()

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.forceFinalizeAndClose(client, 1000, "client_disconnect")
			<-writerDone
			return

		case <-s.cancelCh:
			s.forceFinalizeAndClose(client, 1001, "server_draining")
			<-writerDone
			return

		case frame, ok := <-clientIn:
			if !ok || frame.err != nil {
				s.forceFinalizeAndClose(client, 1000, "client_disconnect")
				<-writerDone
				return
			}
			s.handleClientFrame(frame)

		case raw, ok := <-s.up.RawInbound():
			if !ok {
				continue
			}
			s.dispatchUpstreamEvents(s.up.Process(raw))

		case <-s.finalizeC():
			s.fireFinalization()

		case now := <-tick.C:
			s.handleTick(client, now)
		}
	}
}

// clientFrame is what the client read goroutine hands the session loop.
type clientFrame struct {
	isBinary bool
	data     []byte
	err      error
}

func (s *Session) clientReadLoop(conn *websocket.Conn, out chan<- clientFrame) {
	defer close(out)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			out <- clientFrame{err: err}
			return
		}
		out <- clientFrame{isBinary: mt == websocket.BinaryMessage, data: data}
	}
}

func (s *Session) handleClientFrame(frame clientFrame) {
	if frame.isBinary {
		if s.limiter != nil && !s.limiter.Allow(len(frame.data)) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordRateLimited()
			}
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordAudio("inbound", len(frame.data))
		}
		s.up.SendAudio(frame.data, s.cfg.Now())
		return
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		return
	}
	switch m := msg.(type) {
	case protocol.ClientControl:
		switch m.Op {
		case "barge_in", "cancel_turn":
			s.emitSegmentEvents(s.seg.ForceFinalize())
		case "end_session":
			_ = s.up.Close(1000, "client_end_session")
		}
	default:
		_ = s.up.SendClientText(frame.data)
	}
}

func (s *Session) dispatchUpstreamEvents(events []upstream.Event) {
	newSegmentEmitted := false
	transcriptLenBefore := s.seg.TranscriptLen()

	for _, ev := range events {
		switch ev.Kind {
		case upstream.EventAudioToClient:
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordAudio("outbound", len(ev.AudioData))
			}
			s.cap.NoteAudioBurst(s.captionKey, s.cfg.Now())
			s.sendBinary(ev.AudioData)
		case upstream.EventJSONToClient:
			s.sendNormalJSON(ev.JSONPayload)
		case upstream.EventSegmentCommit:
			newSegmentEmitted = true
			seg := ev.Segment
			s.sendPriorityJSON(protocol.NewSegmentCommit(seg.SegmentID, seg.TurnID, seg.Index, seg.Text, seg.AudioPCM, seg.DurationMs, seg.NominalDurationMs))
		case upstream.EventTurnCommit:
			s.sendPriorityJSON(protocol.TurnCommit{
				Event:        "TURN_COMMIT",
				TurnID:       ev.Turn.TurnID,
				FinalText:    ev.Turn.FinalText,
				SegmentCount: ev.Turn.SegmentCount,
			})
			s.finalizeTimer = nil
			s.captionKey = captionKeyForTurn(s.seg.TurnID())
		case upstream.EventGenerationComplete:
			s.armFinalizeTimer()
			s.cap.NoteGenerationComplete(s.captionKey)
		case upstream.EventGoAway:
			s.log.Info("upstream go-away, planned reconnect", "session", s.cfg.SessionID)
		case upstream.EventClosed:
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordReconnect(ev.Retryable)
			}
			if ev.Retryable {
				s.log.Warn("upstream closed retryable", "session", s.cfg.SessionID, "code", ev.CloseCode, "reason", ev.CloseReason)
			} else {
				finalEvents := s.up.ForceFinalize()
				s.emitSegmentEvents(finalEvents)
				s.sendPriorityJSON(protocol.NewUpstreamClosed(ev.CloseCode, ev.CloseReason))
			}
		case upstream.EventRateLimited:
			s.log.Debug("outbound audio rate limited", "session", s.cfg.SessionID)
		}
	}

	if s.seg.TranscriptLen() > transcriptLenBefore {
		if sanitized, ok, _ := s.cap.Guard(s.seg.CurrentPartial()); ok {
			s.cap.Update(s.captionKey, sanitized, s.cfg.Now())
		}
	}

	s.maybeExtendFinalizeTimer(newSegmentEmitted, s.seg.TranscriptLen() > transcriptLenBefore)
	s.maybeEmitDiagnostics()
}

func (s *Session) emitCaptionEvents(events []caption.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case caption.EventVoiceScheduled:
			s.sendNormalJSON(protocol.CaptionVoiceScheduled{
				Event:      "CAPTION_VOICE_SCHEDULED",
				Key:        ev.Key,
				VoiceID:    ev.VoiceID,
				Text:       ev.Text,
				DurationMs: ev.DurationMs,
			})
		case caption.EventCaptionCommit:
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordCaptionCommit(string(ev.Reason))
			}
			s.sendPriorityJSON(protocol.CaptionCommit{
				Event:  "CAPTION_COMMIT",
				Key:    ev.Key,
				Text:   ev.Text,
				Reason: string(ev.Reason),
			})
			s.cap.Forget(ev.Key)
		}
	}
}

func (s *Session) finalizeC() <-chan time.Time {
	if s.finalizeTimer == nil {
		return nil
	}
	return s.finalizeTimer.C
}

func (s *Session) armFinalizeTimer() {
	if s.finalizeTimer != nil {
		return
	}
	s.finalizeStart = s.cfg.Now()
	s.finalizeExtended = false
	s.finalizeTimer = time.NewTimer(s.cfg.FinalizeInitial)
}

func (s *Session) maybeExtendFinalizeTimer(newSegmentEmitted bool, transcriptGrew bool) {
	if s.finalizeTimer == nil || s.finalizeExtended {
		return
	}
	if !newSegmentEmitted && !transcriptGrew {
		return
	}
	remaining := s.cfg.FinalizeInitial + s.cfg.FinalizeExtension - s.cfg.Now().Sub(s.finalizeStart)
	if remaining < 0 {
		remaining = 0
	}
	s.finalizeTimer.Stop()
	s.finalizeTimer.Reset(remaining)
	s.finalizeExtended = true
}

func (s *Session) fireFinalization() {
	s.finalizeTimer = nil
	events := s.up.ForceFinalize()
	s.emitSegmentEvents(events)
}

func (s *Session) forceFinalizeAndClose(client *websocket.Conn, code int, reason string) {
	events := s.up.ForceFinalize()
	s.emitSegmentEvents(events)
	s.sendPriorityJSON(protocol.NewUpstreamClosed(code, reason))
	_ = s.up.Close(code, reason)
	s.closeClient(client, code, reason)
}

func (s *Session) emitSegmentEvents(events []segment.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case segment.EventSegmentCommit:
			seg := ev.Segment
			s.sendPriorityJSON(protocol.NewSegmentCommit(seg.SegmentID, seg.TurnID, seg.Index, seg.Text, seg.AudioPCM, seg.DurationMs, seg.NominalDurationMs))
		case segment.EventTurnCommit:
			s.sendPriorityJSON(protocol.TurnCommit{
				Event:        "TURN_COMMIT",
				TurnID:       ev.Turn.TurnID,
				FinalText:    ev.Turn.FinalText,
				SegmentCount: ev.Turn.SegmentCount,
			})
		}
	}
	s.maybeEmitDiagnostics()
}

func (s *Session) maybeEmitDiagnostics() {
	count, totalBytes, minBytes, maxBytes := s.seg.QueuedAudioStats()
	zeroAudio := s.seg.ZeroAudioSegmentsThisTurn()
	partialLen := s.seg.PartialLen()
	transcriptLen := s.seg.TranscriptLen()

	suspicious := zeroAudio > 0 || (partialLen > 0 && partialLen <= 4) || (transcriptLen > 0 && totalBytes == 0 && s.seg.PendingAudioBytes() == 0)
	if !suspicious {
		return
	}

	diag := protocol.SegmentDiagnostics{
		Event:             "SEGMENT_DIAGNOSTICS",
		SessionID:         s.cfg.SessionID,
		TurnID:            s.seg.TurnID(),
		TranscriptLength:  transcriptLen,
		PartialLength:     partialLen,
		PendingTextCount:  s.seg.PendingTextCount(),
		PendingTextLength: s.seg.PendingTextLength(),
		PendingAudioBytes: s.seg.PendingAudioBytes(),
		AudioChunkCount:   count,
		AudioChunkBytes:   totalBytes,
		ZeroAudioSegments: zeroAudio,
	}
	if minBytes >= 0 {
		diag.AudioChunkMin = &minBytes
		diag.AudioChunkMax = &maxBytes
	}

	sig := diag.Signature()
	if sig == s.lastDiagnosticsSig {
		return
	}
	s.lastDiagnosticsSig = sig
	s.sendNormalJSON(diag)
}

func (s *Session) handleTick(client *websocket.Conn, now time.Time) {
	events := s.up.Tick(now)
	for _, ev := range events {
		if ev.Kind == upstream.EventDraining {
			s.log.Info("upstream draining", "session", s.cfg.SessionID)
		}
	}
	s.emitCaptionEvents(s.cap.Tick(now))
}

func (s *Session) sendPriorityJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.priority <- outboundFrame{textPayload: b}:
	default:
	}
}

func (s *Session) sendNormalJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.normal <- outboundFrame{textPayload: b}:
	default:
	}
}

func (s *Session) sendBinary(data []byte) {
	select {
	case s.priority <- outboundFrame{binaryPayload: data}:
	default:
	}
}

func (s *Session) closeClient(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	_ = conn.Close()
}
