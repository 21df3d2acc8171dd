package segment

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

// pcm16 builds n samples of the given int16 amplitude as little-endian bytes.
func pcm16(amplitude int16, n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[2*i] = byte(uint16(amplitude))
		out[2*i+1] = byte(uint16(amplitude) >> 8)
	}
	return out
}

func newTestEngine() *Engine {
	return New(Config{
		SampleRate:        24000,
		SilenceThreshold:  600,
		SilenceDurationMs: 300,
		Now:               func() time.Time { return time.Unix(0, 0) },
	})
}

func outputTranscription(text string) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": text},
		},
	}
}

// S1 — single aligned sentence, then generation complete.
func TestEngine_S1_SingleAlignedSentenceThenGenerationComplete(t *testing.T) {
	e := newTestEngine()

	audio := append(pcm16(1000, 2400), pcm16(0, 7200)...)
	events, complete := e.Ingest(outputTranscription("こんにちは。"), [][]byte{audio})
	if complete {
		t.Fatalf("unexpected generationComplete on first ingest")
	}
	if len(events) != 1 || events[0].Kind != EventSegmentCommit {
		t.Fatalf("events = %+v, want exactly one SegmentCommit", events)
	}
	seg := events[0].Segment
	if seg.TurnID != 1 || seg.Index != 0 || seg.Text != "こんにちは。" {
		t.Fatalf("segment = %+v", seg)
	}
	if seg.AudioBytes != 19200 || seg.DurationMs != 400 || seg.AudioSamples != 9600 {
		t.Fatalf("segment audio fields = %+v, want bytes=19200 durationMs=400 samples=9600", seg)
	}

	payload := outputTranscription("こんにちは。")
	payload["generationComplete"] = true
	_, complete = e.Ingest(payload, nil)
	if !complete {
		t.Fatalf("expected generationComplete on second ingest")
	}
	finalEvents := e.ForceFinalize()
	if len(finalEvents) != 1 || finalEvents[0].Kind != EventTurnCommit {
		t.Fatalf("final events = %+v, want exactly one TurnCommit", finalEvents)
	}
	turn := finalEvents[0].Turn
	if turn.TurnID != 1 || turn.FinalText != "こんにちは。" || turn.SegmentCount != 1 {
		t.Fatalf("turn = %+v", turn)
	}
}

// S2 — empty turn suppression: generationComplete with no transcript
// produces no events at all on forced finalization.
func TestEngine_S2_EmptyTurnSuppression(t *testing.T) {
	e := newTestEngine()
	_, complete := e.Ingest(map[string]any{"generationComplete": true}, nil)
	if !complete {
		t.Fatalf("expected generationComplete true")
	}
	events := e.ForceFinalize()
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
}

// S3 — a short partial, never reaching a sentence terminator, is forced to
// commit (with its in-flight audio) on close.
func TestEngine_S3_PartialForcedToCommitOnClose(t *testing.T) {
	e := newTestEngine()
	e.Ingest(outputTranscription("テ"), [][]byte{pcm16(1000, 2400)})

	events := e.ForceFinalize()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want [SegmentCommit, TurnCommit]", events)
	}
	if events[0].Kind != EventSegmentCommit {
		t.Fatalf("events[0] = %+v, want SegmentCommit", events[0])
	}
	seg := events[0].Segment
	if seg.TurnID != 1 || seg.Index != 0 || seg.Text != "テ" || seg.AudioBytes != 4800 {
		t.Fatalf("segment = %+v", seg)
	}
	if events[1].Kind != EventTurnCommit {
		t.Fatalf("events[1] = %+v, want TurnCommit", events[1])
	}
	turn := events[1].Turn
	if turn.TurnID != 1 || turn.FinalText != "テ" || turn.SegmentCount != 1 {
		t.Fatalf("turn = %+v", turn)
	}
}

// S4 — a transcript revision that shrinks the complete-sentence count drops
// the unpaired tail sentence from pendingTexts.
func TestEngine_S4_TranscriptRevisionShrink(t *testing.T) {
	e := newTestEngine()
	e.Ingest(outputTranscription("ABC。DEF。"), nil)
	if got := e.PendingTextCount(); got != 2 {
		t.Fatalf("after growth, PendingTextCount = %d, want 2", got)
	}

	e.Ingest(outputTranscription("ABC。"), nil)
	if got := e.PendingTextCount(); got != 1 {
		t.Fatalf("after shrink, PendingTextCount = %d, want 1 (DEF。 dropped)", got)
	}

	events := e.ForceFinalize()
	var commits []string
	for _, ev := range events {
		if ev.Kind == EventSegmentCommit {
			commits = append(commits, ev.Segment.Text)
		}
	}
	if len(commits) != 1 || commits[0] != "ABC。" {
		t.Fatalf("commits = %v, want exactly [ABC。]", commits)
	}
}

// Ordering invariant: events for a turn always match SegmentCommit*
// TurnCommit? with Index strictly 0,1,2,....
func TestEngine_EventOrderingAndContiguousIndex(t *testing.T) {
	e := newTestEngine()
	var events []Event
	first, _ := e.Ingest(outputTranscription("一。二。三。"), nil)
	events = append(events, first...)

	for i := 0; i < 3; i++ {
		ev, _ := e.Ingest(nil, [][]byte{append(pcm16(1000, 2400), pcm16(0, 7200)...)})
		events = append(events, ev...)
	}
	last, _ := e.Ingest(map[string]any{"generationComplete": true}, nil)
	events = append(events, last...)
	events = append(events, e.ForceFinalize()...)

	re := regexp.MustCompile(`^S*T?$`)
	var sig strings.Builder
	idx := 0
	for _, ev := range events {
		switch ev.Kind {
		case EventSegmentCommit:
			sig.WriteByte('S')
			if ev.Segment.Index != idx {
				t.Fatalf("segment index = %d, want %d", ev.Segment.Index, idx)
			}
			idx++
		case EventTurnCommit:
			sig.WriteByte('T')
		}
	}
	if !re.MatchString(sig.String()) {
		t.Fatalf("event signature %q does not match SegmentCommit*TurnCommit?", sig.String())
	}
}

// Duration formula invariant: durationMs = round((audioBytes/2)/sampleRate*1000).
func TestEngine_DurationFormula(t *testing.T) {
	e := newTestEngine()
	audio := append(pcm16(1000, 2400), pcm16(0, 7200)...)
	events, _ := e.Ingest(outputTranscription("テスト。"), [][]byte{audio})
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one SegmentCommit", events)
	}
	seg := events[0].Segment
	wantMs := int(float64(seg.AudioBytes/2) / 24000 * 1000)
	if seg.DurationMs != wantMs {
		t.Fatalf("durationMs = %d, want %d", seg.DurationMs, wantMs)
	}
}

// Idempotence: re-ingesting the same transcript with no new characters
// produces zero additional SegmentCommits.
func TestEngine_IdempotentOnUnchangedTranscript(t *testing.T) {
	e := newTestEngine()
	payload := outputTranscription("テスト。")
	events1, _ := e.Ingest(payload, nil)
	events2, _ := e.Ingest(outputTranscription("テスト。"), nil)
	_ = events1
	if len(events2) != 0 {
		t.Fatalf("re-ingesting unchanged transcript produced %d events, want 0", len(events2))
	}
}

// Monotone: turnId strictly increases across successive TurnCommits.
func TestEngine_TurnIDMonotonicallyIncreases(t *testing.T) {
	e := newTestEngine()
	var turnIDs []int
	for i := 0; i < 3; i++ {
		e.Ingest(outputTranscription("続く。"), nil)
		for _, ev := range e.ForceFinalize() {
			if ev.Kind == EventTurnCommit {
				turnIDs = append(turnIDs, ev.Turn.TurnID)
			}
		}
	}
	if len(turnIDs) != 3 {
		t.Fatalf("turnIDs = %v, want 3 entries", turnIDs)
	}
	for i := 1; i < len(turnIDs); i++ {
		if turnIDs[i] <= turnIDs[i-1] {
			t.Fatalf("turnIDs = %v, not strictly increasing", turnIDs)
		}
	}
}

// Text-sum invariant: for a turn with segmentCount > 0, the summed segment
// text length never exceeds the final transcript's length.
func TestEngine_SegmentTextSumNeverExceedsFinalText(t *testing.T) {
	e := newTestEngine()
	e.Ingest(outputTranscription("一。二。三。"), nil)
	events := e.ForceFinalize()

	var textSum int
	var finalText string
	for _, ev := range events {
		switch ev.Kind {
		case EventSegmentCommit:
			textSum += len([]rune(ev.Segment.Text))
		case EventTurnCommit:
			finalText = ev.Turn.FinalText
		}
	}
	if textSum > len([]rune(finalText)) {
		t.Fatalf("segment text sum %d exceeds final text length %d", textSum, len([]rune(finalText)))
	}
}

func TestEngine_ZeroAudioOnlyUnderForcedFinalization(t *testing.T) {
	e := newTestEngine()
	e.Ingest(outputTranscription("静か。"), nil)
	events := e.ForceFinalize()
	found := false
	for _, ev := range events {
		if ev.Kind == EventSegmentCommit {
			found = true
			if ev.Segment.AudioBytes != 0 {
				t.Fatalf("expected zero-audio segment under forced finalization, got %d bytes", ev.Segment.AudioBytes)
			}
		}
	}
	if !found {
		t.Fatalf("expected a SegmentCommit event")
	}
}
