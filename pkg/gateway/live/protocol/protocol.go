// Package protocol defines the wire shapes exchanged with the downstream
// client: a small set of inbound control/audio frames, and the outbound
// event frames the segmentation engine, upstream session, and caption
// processor produce (SEGMENT_COMMIT, TURN_COMMIT, SEGMENT_DIAGNOSTICS,
// sanitized upstream passthrough, upstream_closed).
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// DecodeError is a typed decode failure carrying a machine-readable Code
// ("bad_request" or "unsupported") and the offending Param, if any.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientStart opens a dialog session: upstream model, voice, and system
// instruction to use for the setup payload, plus optional resumption.
type ClientStart struct {
	Type              string `json:"type"`
	Model             string `json:"model"`
	VoiceName         string `json:"voice_name,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
	ResumeHandle      string `json:"resume_handle,omitempty"`
}

// ClientControl carries a barge_in, cancel_turn, or end_session directive
// from the client; any other op is rejected by DecodeClientMessage.
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// DecodeClientMessage decodes one JSON text frame from the client.
// Raw binary frames (mic PCM) never reach this path — the caller forwards
// them directly to the upstream session.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start":
		var msg ClientStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if strings.TrimSpace(msg.Model) == "" {
			return nil, badRequest("start.model is required", "model")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control frame", "")
		}
		op := strings.TrimSpace(msg.Op)
		switch op {
		case "barge_in", "cancel_turn", "end_session":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// SegmentCommit is the downstream event for one paired (sentence, audio)
// unit, per spec §6. Audio is inlined base64 here because this frame rides
// the text side of the duplex channel, distinct from the raw binary PCM
// frames forwarded independently.
type SegmentCommit struct {
	Event             string `json:"event"`
	SegmentID         string `json:"segmentId"`
	TurnID            int    `json:"turnId"`
	Index             int    `json:"index"`
	Text              string `json:"text"`
	Audio             string `json:"audio"`
	DurationMs        int    `json:"durationMs"`
	NominalDurationMs int    `json:"nominalDurationMs"`
	AudioBytes        int    `json:"audioBytes"`
	AudioSamples      int    `json:"audioSamples"`
}

// NewSegmentCommit builds the wire frame from raw audio bytes.
func NewSegmentCommit(segmentID string, turnID, index int, text string, audio []byte, durationMs, nominalDurationMs int) SegmentCommit {
	return SegmentCommit{
		Event:             "SEGMENT_COMMIT",
		SegmentID:         segmentID,
		TurnID:            turnID,
		Index:             index,
		Text:              text,
		Audio:             base64.StdEncoding.EncodeToString(audio),
		DurationMs:        durationMs,
		NominalDurationMs: nominalDurationMs,
		AudioBytes:        len(audio),
		AudioSamples:      len(audio) / 2,
	}
}

// TurnCommit summarizes a completed turn.
type TurnCommit struct {
	Event        string `json:"event"`
	TurnID       int    `json:"turnId"`
	FinalText    string `json:"finalText"`
	SegmentCount int    `json:"segmentCount"`
}

// SegmentDiagnostics is emitted only under suspicion (zero-audio segment,
// a too-short best candidate, or a nonzero transcript with no audio) and
// is expected to be deduplicated by the caller via Signature.
type SegmentDiagnostics struct {
	Event             string `json:"event"`
	SessionID         string `json:"sessionId"`
	TurnID            int    `json:"turnId"`
	TranscriptLength  int    `json:"transcriptLength"`
	PartialLength     int    `json:"partialLength"`
	PendingTextCount  int    `json:"pendingTextCount"`
	PendingTextLength int    `json:"pendingTextLength"`
	PendingAudioBytes int    `json:"pendingAudioBytes"`
	AudioChunkCount   int    `json:"audioChunkCount"`
	AudioChunkBytes   int    `json:"audioChunkBytes"`
	AudioChunkMin     *int   `json:"audioChunkMin,omitempty"`
	AudioChunkMax     *int   `json:"audioChunkMax,omitempty"`
	ZeroAudioSegments int    `json:"zeroAudioSegments"`
}

// Signature returns a dedup key for this diagnostics snapshot: identical
// sessions/turns/counters in a row should not be re-emitted.
func (d SegmentDiagnostics) Signature() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d:%d", d.SessionID, d.TurnID, d.TranscriptLength, d.PendingTextCount, d.AudioChunkCount, d.ZeroAudioSegments)
}

// UpstreamClosed is the terminal-close frame, sent once before the
// downstream socket itself closes.
type UpstreamClosed struct {
	Event  string `json:"event"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// NewUpstreamClosed truncates reason to the 120-byte wire limit.
func NewUpstreamClosed(code int, reason string) UpstreamClosed {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return UpstreamClosed{Event: "upstream_closed", Code: code, Reason: reason}
}

// CaptionVoiceScheduled reports that a caption's uncommitted suffix has been
// handed off for voice scheduling after the debounce window elapsed.
type CaptionVoiceScheduled struct {
	Event      string `json:"event"`
	Key        string `json:"key"`
	VoiceID    string `json:"voiceId"`
	Text       string `json:"text"`
	DurationMs int    `json:"durationMs"`
}

// CaptionCommit is the final text for one caption key, sent once a commit
// rule (generation-complete, timeout, or audio-fallback) fires.
type CaptionCommit struct {
	Event  string `json:"event"`
	Key    string `json:"key"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// NotConfigured is sent once, before a 1011 close, when the upstream model
// configuration is missing or invalid.
type NotConfigured struct {
	Error string `json:"error"`
}

func NewNotConfigured() NotConfigured {
	return NotConfigured{Error: "upstream_not_configured"}
}

// Warning is a non-fatal, mid-session notice — e.g. a server drain warning
// sent ahead of a forced close — distinct from UpstreamClosed, which is
// always terminal.
type Warning struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewWarning(code, message string) Warning {
	return Warning{Event: "WARNING", Code: code, Message: message}
}
