package transcript

import (
	"strings"
	"testing"
)

// S5 — candidate scoring: among several loose candidates, the one with the
// highest score (length + terminal + whitespace + CJK bonuses) wins.
func TestExtract_S5_CandidateScoringPicksHighestScore(t *testing.T) {
	payload := map[string]any{
		"outputs": []any{
			map[string]any{"text": "？"},
			map[string]any{"text": "おはようございます。"},
			map[string]any{"text": "お"},
		},
	}
	got, ok := Extract(payload)
	if !ok {
		t.Fatalf("Extract() found = false, want true")
	}
	if got != "おはようございます。" {
		t.Fatalf("Extract() = %q, want %q", got, "おはようございます。")
	}
}

// Direct serverContent.outputTranscription.text always wins over the scored
// walk, even when the walk would find a higher-scoring candidate elsewhere
// in the same payload.
func TestExtract_DirectOutputTranscriptionTakesPrecedence(t *testing.T) {
	payload := map[string]any{
		"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "direct"},
		},
		"outputs": []any{
			map[string]any{"text": "a much longer candidate that scores higher。"},
		},
	}
	got, ok := Extract(payload)
	if !ok || got != "direct" {
		t.Fatalf("Extract() = (%q, %v), want (\"direct\", true)", got, ok)
	}
}

func TestExtract_NoCandidatesFound(t *testing.T) {
	if _, ok := Extract(map[string]any{"unrelated": 1}); ok {
		t.Fatalf("Extract() found = true, want false")
	}
	if _, ok := Extract(nil); ok {
		t.Fatalf("Extract(nil) found = true, want false")
	}
}

func TestSplitSentences_Basic(t *testing.T) {
	complete, partial := SplitSentences("ABC。DEF。GHI")
	if len(complete) != 2 || complete[0] != "ABC。" || complete[1] != "DEF。" {
		t.Fatalf("complete = %v, want [ABC。 DEF。]", complete)
	}
	if partial != "GHI" {
		t.Fatalf("partial = %q, want %q", partial, "GHI")
	}
}

func TestSplitSentences_NoTerminalIsAllPartial(t *testing.T) {
	complete, partial := SplitSentences("テ")
	if len(complete) != 0 {
		t.Fatalf("complete = %v, want none", complete)
	}
	if partial != "テ" {
		t.Fatalf("partial = %q, want %q", partial, "テ")
	}
}

// Round-trip property: joining the split sentences (plus any trailing
// partial) reproduces the input up to whitespace trimming between pieces.
func TestSplitSentences_RoundTripUpToWhitespaceTrimming(t *testing.T) {
	inputs := []string{
		"ABC。DEF。",
		"一。二。三。残り",
		"no terminal at all",
		"Mixed. Sentences? Yes!",
	}
	for _, in := range inputs {
		complete, partial := SplitSentences(in)
		var rebuilt strings.Builder
		for _, s := range complete {
			rebuilt.WriteString(s)
		}
		rebuilt.WriteString(partial)

		strippedIn := strings.Join(strings.Fields(in), "")
		strippedOut := strings.Join(strings.Fields(rebuilt.String()), "")
		if strippedIn != strippedOut {
			t.Fatalf("round-trip mismatch for %q: got %q", in, strippedOut)
		}
	}
}

func TestDetectGenerationComplete(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    bool
	}{
		{"root flag", map[string]any{"generationComplete": true}, true},
		{"snake_case root flag", map[string]any{"generation_complete": true}, true},
		{"turnComplete flag", map[string]any{"turnComplete": true}, true},
		{"nested under serverContent", map[string]any{"serverContent": map[string]any{"generationComplete": true}}, true},
		{"event name finish", map[string]any{"event": "Finish"}, true},
		{"event name turncomplete", map[string]any{"event": "TurnComplete"}, true},
		{"false flag", map[string]any{"generationComplete": false}, false},
		{"unrelated payload", map[string]any{"foo": "bar"}, false},
		{"non-object payload", "not an object", false},
	}
	for _, c := range cases {
		if got := DetectGenerationComplete(c.payload); got != c.want {
			t.Errorf("%s: DetectGenerationComplete() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestDetectGoAway(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    bool
	}{
		{"truthy goAway key", map[string]any{"goAway": map[string]any{"reason": "x"}}, true},
		{"case-insensitive key", map[string]any{"GOAWAY": map[string]any{"reason": "x"}}, true},
		{"string value goaway", map[string]any{"status": "GoAway"}, true},
		{"nested goaway", map[string]any{"outer": map[string]any{"inner": "goaway"}}, true},
		{"no goaway anywhere", map[string]any{"status": "ok"}, false},
		{"empty goAway map is not truthy", map[string]any{"goAway": map[string]any{}}, false},
	}
	for _, c := range cases {
		if got := DetectGoAway(c.payload); got != c.want {
			t.Errorf("%s: DetectGoAway() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestScore_TerminalWhitespaceAndCJKBonuses(t *testing.T) {
	if score("hi.") <= score("hi") {
		t.Fatalf("terminal-ended string should score higher than non-terminal")
	}
	if score("a b") <= score("ab") {
		t.Fatalf("string with whitespace should score higher than one without")
	}
	if score("お") <= score("a") {
		t.Fatalf("CJK string should score higher than equal-length non-CJK string")
	}
}
