// Package segment implements the segmentation engine (C6): it pairs
// transcript sentences parsed from upstream payloads to silence-delimited
// PCM audio segments and emits SegmentCommit/TurnCommit events.
//
// The engine is synchronous and single-owner, matching the cooperative,
// single-task concurrency model the rest of this module uses: callers drive
// it by calling Ingest once per received upstream frame and ForceFinalize
// once the turn-finalization timer they own fires or the connection closes.
package segment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vango-go/live-relay/pkg/core/live/transcript"
)

// EventKind discriminates the two commit event shapes this engine emits.
type EventKind string

const (
	EventSegmentCommit EventKind = "SEGMENT_COMMIT"
	EventTurnCommit    EventKind = "TURN_COMMIT"
)

// SegmentCommit is one paired (sentence, audio) unit within a turn.
type SegmentCommit struct {
	SegmentID         string
	TurnID            int
	Index             int
	Text              string
	AudioPCM          []byte
	DurationMs        int
	NominalDurationMs int
	AudioBytes        int
	AudioSamples      int
}

// TurnCommit summarizes a completed turn.
type TurnCommit struct {
	TurnID       int
	FinalText    string
	SegmentCount int
}

// Event is a tagged union over the two commit kinds, in emission order.
type Event struct {
	Kind    EventKind
	Segment *SegmentCommit
	Turn    *TurnCommit
}

// Config tunes the segmentation engine. Defaults match spec §6.
type Config struct {
	SampleRate               int
	SilenceThreshold         int // raw int16-domain amplitude bound, default 750
	SilenceDurationMs        int
	MaxPendingSegments       int
	DurationFloorMs          int
	PartialIdleCommitEnabled bool
	PartialIdleThreshold     time.Duration
	PartialIdleMinChars      int
	Now                      func() time.Time

	// OnMetric receives a metric-kind name for every counted event this
	// engine flags (oldest-audio-dropped, length-mismatch, ...). Optional.
	OnMetric func(kind string)
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 750
	}
	if c.SilenceDurationMs <= 0 {
		c.SilenceDurationMs = 320
	}
	if c.MaxPendingSegments <= 0 {
		c.MaxPendingSegments = 8
	}
	if c.DurationFloorMs <= 0 {
		c.DurationFloorMs = 300
	}
	if c.PartialIdleThreshold <= 0 {
		c.PartialIdleThreshold = 1200 * time.Millisecond
	}
	if c.PartialIdleMinChars <= 0 {
		c.PartialIdleMinChars = 8
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine is the segmentation engine's mutable state. Not safe for
// concurrent use; callers own serialization (see package doc).
type Engine struct {
	cfg Config

	turnID        int
	committedCount int

	pendingAudio        [][]byte
	segmentedAudioQueue [][]byte
	pendingTexts        []string

	currentTranscript      string
	currentPartial         string
	enqueuedCompleteCount  int
	partialCommittedLen    int
	partialLastUpdatedAt   time.Time
	silenceRunSamples      int
	emittedThisTurn        bool
	turnTextLenSum         int
	zeroAudioSegmentsThisTurn int
}

// New constructs a segmentation engine at turn 1.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, turnID: 1}
}

func (e *Engine) metric(kind string) {
	if e.cfg.OnMetric != nil {
		e.cfg.OnMetric(kind)
	}
}

// Ingest processes one upstream payload (transcript/termination signals) and
// zero or more raw PCM chunks (16-bit LE mono at cfg.SampleRate), returning
// any resulting commit events in emission order and whether this payload
// signaled generation-complete.
func (e *Engine) Ingest(payload any, audioChunks [][]byte) (events []Event, generationComplete bool) {
	if payload != nil {
		generationComplete = e.ingestPayload(payload)
	}
	for _, chunk := range audioChunks {
		e.ingestAudioChunk(chunk)
	}
	e.maybeIdleCommitPartial()
	e.drain(false, &events)
	return events, generationComplete
}

// ForceFinalize runs forced turn completion: identical to normal
// finalization but with the trailing partial enqueued unconditionally and
// silent (zero-byte) audio permitted when the audio queue is exhausted.
// Used both by the turn-finalization timer and by connection-close handling.
func (e *Engine) ForceFinalize() []Event {
	var events []Event

	if trimmed := strings.TrimSpace(e.currentPartial); trimmed != "" && utf8.RuneCountInString(e.currentPartial) > e.partialCommittedLen {
		e.commitAudioSegment()
		e.pendingTexts = append(e.pendingTexts, trimmed)
		e.partialCommittedLen = utf8.RuneCountInString(e.currentPartial)
	}
	e.commitAudioSegment()
	e.drain(true, &events)

	finalText := strings.TrimSpace(e.currentTranscript)
	if finalText != "" || e.committedCount > 0 || e.emittedThisTurn {
		events = append(events, Event{Kind: EventTurnCommit, Turn: &TurnCommit{
			TurnID:       e.turnID,
			FinalText:    finalText,
			SegmentCount: e.committedCount,
		}})
	}
	if e.turnTextLenSum > utf8.RuneCountInString(finalText) {
		e.metric("length_mismatch")
	}

	e.resetTurn()
	return events
}

func (e *Engine) resetTurn() {
	e.turnID++
	e.committedCount = 0
	e.pendingAudio = nil
	e.segmentedAudioQueue = nil
	e.pendingTexts = nil
	e.currentTranscript = ""
	e.currentPartial = ""
	e.enqueuedCompleteCount = 0
	e.partialCommittedLen = 0
	e.silenceRunSamples = 0
	e.emittedThisTurn = false
	e.turnTextLenSum = 0
	e.zeroAudioSegmentsThisTurn = 0
}

// TurnID reports the engine's current (not-yet-finalized) turn id.
func (e *Engine) TurnID() int { return e.turnID }

// TranscriptLen reports the rune length of the current transcript, useful
// for a caller deciding whether to extend the finalization timer.
func (e *Engine) TranscriptLen() int { return utf8.RuneCountInString(e.currentTranscript) }

// PartialLen reports the rune length of the not-yet-committed partial.
func (e *Engine) PartialLen() int { return utf8.RuneCountInString(e.currentPartial) }

// CurrentPartial returns the not-yet-committed tail of the live transcript,
// the text a caption consumer should treat as the growing caption buffer.
func (e *Engine) CurrentPartial() string { return e.currentPartial }

// PendingTextCount reports how many parsed sentences are awaiting audio.
func (e *Engine) PendingTextCount() int { return len(e.pendingTexts) }

// PendingTextLength reports the summed rune length of texts awaiting audio.
func (e *Engine) PendingTextLength() int {
	n := 0
	for _, t := range e.pendingTexts {
		n += utf8.RuneCountInString(t)
	}
	return n
}

// PendingAudioBytes reports the byte length of the not-yet-silence-cut
// audio tail.
func (e *Engine) PendingAudioBytes() int {
	n := 0
	for _, b := range e.pendingAudio {
		n += len(b)
	}
	return n
}

// QueuedAudioStats reports count/total/min/max byte sizes of the
// silence-split buffers awaiting pairing. min/max are -1 when count is 0.
func (e *Engine) QueuedAudioStats() (count, totalBytes, minBytes, maxBytes int) {
	minBytes, maxBytes = -1, -1
	for _, b := range e.segmentedAudioQueue {
		count++
		totalBytes += len(b)
		if minBytes == -1 || len(b) < minBytes {
			minBytes = len(b)
		}
		if len(b) > maxBytes {
			maxBytes = len(b)
		}
	}
	return
}

// ZeroAudioSegmentsThisTurn reports how many SegmentCommits emitted so far
// this turn carried zero audio bytes (only possible under forced
// finalization).
func (e *Engine) ZeroAudioSegmentsThisTurn() int { return e.zeroAudioSegmentsThisTurn }

func (e *Engine) ingestPayload(payload any) bool {
	generationComplete := transcript.DetectGenerationComplete(payload)

	text, ok := transcript.Extract(payload)
	if !ok || text == "" {
		return generationComplete
	}
	e.currentTranscript = text

	newComplete, newPartial := transcript.SplitSentences(text)
	if len(newComplete) < e.enqueuedCompleteCount {
		// Revision shrink: drop unemitted pending texts, reset counters.
		e.pendingTexts = nil
		e.enqueuedCompleteCount = 0
		e.partialCommittedLen = 0
	}
	if len(newComplete) > e.enqueuedCompleteCount {
		e.pendingTexts = append(e.pendingTexts, newComplete[e.enqueuedCompleteCount:]...)
		e.enqueuedCompleteCount = len(newComplete)
		e.partialCommittedLen = 0
	}

	if newPartial != e.currentPartial {
		grew := utf8.RuneCountInString(newPartial) > utf8.RuneCountInString(e.currentPartial)
		e.currentPartial = newPartial
		if grew {
			e.partialLastUpdatedAt = e.cfg.Now()
		}
	}
	return generationComplete
}

func (e *Engine) maybeIdleCommitPartial() {
	if !e.cfg.PartialIdleCommitEnabled {
		return
	}
	trimmed := strings.TrimSpace(e.currentPartial)
	if trimmed == "" {
		return
	}
	n := utf8.RuneCountInString(e.currentPartial)
	if n < e.cfg.PartialIdleMinChars || n <= e.partialCommittedLen {
		return
	}
	if e.partialLastUpdatedAt.IsZero() || e.cfg.Now().Sub(e.partialLastUpdatedAt) < e.cfg.PartialIdleThreshold {
		return
	}
	e.commitAudioSegment()
	e.pendingTexts = append(e.pendingTexts, trimmed)
	e.partialCommittedLen = n
}

func (e *Engine) ingestAudioChunk(chunk []byte) {
	minSilenceSamples := e.cfg.SilenceDurationMs * e.cfg.SampleRate / 1000
	n := len(chunk) / 2
	headStartSample := 0

	for i := 0; i < n; i++ {
		s := int16(uint16(chunk[2*i]) | uint16(chunk[2*i+1])<<8)
		abs := int(s)
		if abs < 0 {
			abs = -abs
		}
		if abs <= e.cfg.SilenceThreshold {
			e.silenceRunSamples++
		} else {
			e.silenceRunSamples = 0
		}
		if e.silenceRunSamples >= minSilenceSamples {
			cutEndByte := (i + 1) * 2
			head := append([]byte(nil), chunk[headStartSample*2:cutEndByte]...)
			e.pendingAudio = append(e.pendingAudio, head)
			e.commitAudioSegment()
			e.silenceRunSamples = 0
			headStartSample = i + 1
		}
	}
	if headStartSample*2 < len(chunk) {
		e.pendingAudio = append(e.pendingAudio, append([]byte(nil), chunk[headStartSample*2:]...))
	}
}

func (e *Engine) commitAudioSegment() {
	if len(e.pendingAudio) == 0 {
		return
	}
	total := 0
	for _, b := range e.pendingAudio {
		total += len(b)
	}
	buf := make([]byte, 0, total)
	for _, b := range e.pendingAudio {
		buf = append(buf, b...)
	}
	e.pendingAudio = e.pendingAudio[:0]

	e.segmentedAudioQueue = append(e.segmentedAudioQueue, buf)
	if len(e.segmentedAudioQueue) > e.cfg.MaxPendingSegments {
		e.segmentedAudioQueue = e.segmentedAudioQueue[1:]
		e.metric("segment_audio_dropped")
	}
}

func (e *Engine) drain(allowSilentAudio bool, out *[]Event) {
	for len(e.pendingTexts) > 0 {
		text := e.pendingTexts[0]

		var audio []byte
		if len(e.segmentedAudioQueue) > 0 {
			audio = e.segmentedAudioQueue[0]
			e.segmentedAudioQueue = e.segmentedAudioQueue[1:]
		} else if allowSilentAudio {
			audio = []byte{}
		} else {
			return
		}

		for durationMsFor(len(audio), e.cfg.SampleRate) < e.cfg.DurationFloorMs && len(e.segmentedAudioQueue) > 0 {
			audio = append(audio, e.segmentedAudioQueue[0]...)
			e.segmentedAudioQueue = e.segmentedAudioQueue[1:]
		}

		e.pendingTexts = e.pendingTexts[1:]
		durationMs := durationMsFor(len(audio), e.cfg.SampleRate)

		seg := SegmentCommit{
			SegmentID:         segmentID(e.turnID, e.committedCount),
			TurnID:            e.turnID,
			Index:             e.committedCount,
			Text:              text,
			AudioPCM:          audio,
			DurationMs:        durationMs,
			NominalDurationMs: durationMs,
			AudioBytes:        len(audio),
			AudioSamples:      len(audio) / 2,
		}
		*out = append(*out, Event{Kind: EventSegmentCommit, Segment: &seg})
		if len(audio) == 0 {
			e.zeroAudioSegmentsThisTurn++
		}

		e.committedCount++
		e.emittedThisTurn = true
		e.turnTextLenSum += utf8.RuneCountInString(text)
	}
}

func durationMsFor(bytes, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	samples := float64(bytes) / 2
	return int(math.Round(samples / float64(sampleRate) * 1000))
}

func segmentID(turnID, seq int) string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%d-%s", turnID, seq, hex.EncodeToString(b[:]))
}
