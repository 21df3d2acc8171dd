package transcript

import "encoding/base64"

// AudioChunk is one harvested base64-encoded audio blob, decoded to raw
// bytes, together with whatever MIME descriptor accompanied it upstream.
type AudioChunk struct {
	MimeType string
	Data     []byte
}

// audioishContainerKeys mark a container whose "data" child should be
// treated as an audio blob: audio, realtimeOutput/realtime_output and
// inline_data/inlineData. A "data" field outside such a container is left
// untouched.
var audioishContainerKeys = map[string]struct{}{
	"audio":            {},
	"realtimeOutput":   {},
	"realtime_output":  {},
	"inline_data":      {},
	"inlineData":       {},
}

// HarvestAudio walks payload cycle-safely, decoding every base64 "data"
// field found under an audio-ish container into an AudioChunk, and returns
// a sanitized deep copy of payload with each harvested data field replaced
// by a {"sizeBytes": N} marker so the JSON can be safely forwarded to the
// client without re-transmitting the raw audio inline.
func HarvestAudio(payload any) (chunks []AudioChunk, sanitized any) {
	sanitized = harvestWalk(payload, 0, false, &chunks)
	return chunks, sanitized
}

func harvestWalk(node any, depth int, inAudioish bool, out *[]AudioChunk) any {
	if depth > maxWalkDepth {
		return node
	}
	switch v := node.(type) {
	case map[string]any:
		mime := mimeTypeOf(v)
		result := make(map[string]any, len(v))
		for k, val := range v {
			_, containerIsAudioish := audioishContainerKeys[k]
			if k == "data" && inAudioish {
				if s, ok := val.(string); ok {
					if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) > 0 {
						*out = append(*out, AudioChunk{MimeType: mime, Data: raw})
						result[k] = map[string]any{"sizeBytes": len(raw)}
						continue
					}
				}
			}
			result[k] = harvestWalk(val, depth+1, containerIsAudioish, out)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = harvestWalk(item, depth+1, inAudioish, out)
		}
		return result
	default:
		return node
	}
}

func mimeTypeOf(obj map[string]any) string {
	if m, ok := obj["mimeType"].(string); ok {
		return m
	}
	if m, ok := obj["mime_type"].(string); ok {
		return m
	}
	return ""
}
