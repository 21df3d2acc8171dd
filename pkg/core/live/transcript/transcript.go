// Package transcript implements the transcript extractor / sentence parser
// (C5) and the audio extractor (C7): walking arbitrary upstream JSON
// payloads to find the best transcript candidate, splitting it into
// sentences, detecting generation-complete/goAway signals, and harvesting
// base64 audio chunks for re-serialization.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxWalkDepth bounds the cycle-safe payload walk. JSON-decoded trees from
// encoding/json cannot actually cycle, but the walker still enforces a depth
// cap so a pathologically deep payload cannot exhaust the stack. There is no
// visited-node set; candidate strings are deduplicated by trimmed value.
const maxWalkDepth = 12

// textValueKeys are keys whose string value is a transcript candidate.
var textValueKeys = map[string]struct{}{
	"text":       {},
	"transcript": {},
	"outputText": {},
	"output_text": {},
	"content":    {},
}

// textContainerKeys are keys the walker recurses into looking for more
// candidates.
var textContainerKeys = map[string]struct{}{
	"serverContent":       {},
	"server_content":      {},
	"outputTranscription": {},
	"output_transcription": {},
	"outputs":             {},
	"parts":                {},
	"candidates":           {},
	"content":              {},
	"delta":                {},
}

// isSentenceTerminal reports membership in the CJK-inclusive terminal set
// 。．.？?！!…
func isSentenceTerminal(r rune) bool {
	switch r {
	case '。', '．', '.', '？', '?', '！', '!', '…':
		return true
	}
	return false
}

func containsCJK(s string) bool {
	for _, r := range s {
		if (r >= 0x3040 && r <= 0x30FF) || // hiragana/katakana
			(r >= 0x4E00 && r <= 0x9FFF) || // CJK unified ideographs
			(r >= 0xAC00 && r <= 0xD7A3) { // hangul syllables
			return true
		}
	}
	return false
}

// score implements the candidate-scoring rule from spec §4.1:
// length + 10 if ends in a terminal, + 2 if contains whitespace,
// + 1 if contains CJK.
func score(s string) int {
	sc := utf8.RuneCountInString(s)
	trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
	if trimmed != "" {
		r, _ := utf8.DecodeLastRuneInString(trimmed)
		if isSentenceTerminal(r) {
			sc += 10
		}
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		sc += 2
	}
	if containsCJK(s) {
		sc += 1
	}
	return sc
}

// Extract picks the best transcript candidate out of payload following the
// precedence in spec §4.1: (1) serverContent.outputTranscription.text if
// present, else (2) a cycle-safe scored walk of the whole payload.
func Extract(payload any) (text string, found bool) {
	if direct, ok := directOutputTranscription(payload); ok {
		return direct, true
	}
	candidates := collectCandidates(payload)
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		s := score(c)
		if s > bestScore || (s == bestScore && utf8.RuneCountInString(c) > utf8.RuneCountInString(best)) {
			best, bestScore = c, s
		}
	}
	return best, true
}

func directOutputTranscription(payload any) (string, bool) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	sc, ok := lookupAny(obj, "serverContent", "server_content")
	if !ok {
		return "", false
	}
	scObj, ok := sc.(map[string]any)
	if !ok {
		return "", false
	}
	ot, ok := lookupAny(scObj, "outputTranscription", "output_transcription")
	if !ok {
		return "", false
	}
	otObj, ok := ot.(map[string]any)
	if !ok {
		return "", false
	}
	txt, ok := otObj["text"].(string)
	if !ok {
		return "", false
	}
	return txt, true
}

func lookupAny(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// collectCandidates performs the cycle-safe scored walk, deduping by
// trimmed string.
func collectCandidates(payload any) []string {
	seen := make(map[string]struct{})
	var out []string
	walk(payload, 0, func(s string) {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return
		}
		if _, dup := seen[trimmed]; dup {
			return
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	})
	return out
}

func walk(node any, depth int, emit func(string)) {
	if depth > maxWalkDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if s, ok := val.(string); ok {
				if _, isText := textValueKeys[key]; isText {
					emit(s)
					continue
				}
			}
			if _, isContainer := textContainerKeys[key]; isContainer || isCollection(val) {
				walk(val, depth+1, emit)
			}
		}
	case []any:
		for _, item := range v {
			walk(item, depth+1, emit)
		}
	}
}

func isCollection(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// SplitSentences iterates characters; a terminal character closes the
// current buffer. Complete sentences are returned trimmed, in order; the
// remaining trailing buffer (not yet terminated) is the partial.
func SplitSentences(text string) (complete []string, partial string) {
	var buf strings.Builder
	for _, r := range text {
		buf.WriteRune(r)
		if isSentenceTerminal(r) {
			s := strings.TrimSpace(buf.String())
			if s != "" {
				complete = append(complete, s)
			}
			buf.Reset()
		}
	}
	partial = strings.TrimSpace(buf.String())
	return complete, partial
}

// DetectGenerationComplete returns true if payload signals the model has
// finished the current turn: generationComplete|turnComplete at root or
// under serverContent, or an event name in {finish, completed, turncomplete}.
func DetectGenerationComplete(payload any) bool {
	obj, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	if truthy(obj["generationComplete"]) || truthy(obj["generation_complete"]) {
		return true
	}
	if truthy(obj["turnComplete"]) || truthy(obj["turn_complete"]) {
		return true
	}
	if ev, ok := obj["event"].(string); ok {
		switch strings.ToLower(strings.TrimSpace(ev)) {
		case "finish", "completed", "turncomplete":
			return true
		}
	}
	if sc, ok := lookupAny(obj, "serverContent", "server_content"); ok {
		if scObj, ok := sc.(map[string]any); ok {
			if truthy(scObj["generationComplete"]) || truthy(scObj["generation_complete"]) {
				return true
			}
			if truthy(scObj["turnComplete"]) || truthy(scObj["turn_complete"]) {
				return true
			}
		}
	}
	return false
}

// DetectGoAway reports whether payload carries an upstream goAway signal:
// any string equal to "goaway" case-insensitively, or any goAway key with a
// truthy value.
func DetectGoAway(payload any) bool {
	found := false
	var scan func(node any, depth int)
	scan = func(node any, depth int) {
		if found || depth > maxWalkDepth {
			return
		}
		switch v := node.(type) {
		case map[string]any:
			for k, val := range v {
				if strings.EqualFold(k, "goAway") && truthy(val) {
					found = true
					return
				}
				if s, ok := val.(string); ok && strings.EqualFold(strings.TrimSpace(s), "goaway") {
					found = true
					return
				}
				scan(val, depth+1)
			}
		case []any:
			for _, item := range v {
				scan(item, depth+1)
			}
		case string:
			if strings.EqualFold(strings.TrimSpace(v), "goaway") {
				found = true
			}
		}
	}
	scan(payload, 0)
	return found
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case map[string]any:
		return len(t) > 0
	}
	return false
}
