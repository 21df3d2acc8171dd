package transcript

import (
	"encoding/base64"
	"testing"
)

func TestHarvestAudio_DecodesDataUnderAudioContainer(t *testing.T) {
	payload := map[string]any{
		"audio": map[string]any{
			"mimeType": "audio/pcm",
			"data":     base64.StdEncoding.EncodeToString([]byte("hello")),
		},
	}
	chunks, sanitized := HarvestAudio(payload)
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].MimeType != "audio/pcm" || string(chunks[0].Data) != "hello" {
		t.Fatalf("chunks[0] = %+v, want MimeType=audio/pcm Data=hello", chunks[0])
	}

	san, ok := sanitized.(map[string]any)
	if !ok {
		t.Fatalf("sanitized is not a map: %T", sanitized)
	}
	audioObj, ok := san["audio"].(map[string]any)
	if !ok {
		t.Fatalf("sanitized.audio is not a map: %T", san["audio"])
	}
	marker, ok := audioObj["data"].(map[string]any)
	if !ok {
		t.Fatalf("sanitized.audio.data is not a map: %T", audioObj["data"])
	}
	if marker["sizeBytes"] != 5 {
		t.Fatalf("marker sizeBytes = %v, want 5", marker["sizeBytes"])
	}
}

func TestHarvestAudio_DecodesNestedInlineData(t *testing.T) {
	payload := map[string]any{
		"parts": []any{
			map[string]any{
				"inlineData": map[string]any{
					"mimeType": "audio/wav",
					"data":     base64.StdEncoding.EncodeToString([]byte("world!")),
				},
			},
		},
	}
	chunks, _ := HarvestAudio(payload)
	if len(chunks) != 1 || chunks[0].MimeType != "audio/wav" || string(chunks[0].Data) != "world!" {
		t.Fatalf("chunks = %+v, want one audio/wav chunk with Data=world!", chunks)
	}
}

func TestHarvestAudio_LeavesDataOutsideAudioContainerAlone(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("not audio"))
	payload := map[string]any{
		"metadata": map[string]any{
			"data": encoded,
		},
	}
	chunks, sanitized := HarvestAudio(payload)
	if len(chunks) != 0 {
		t.Fatalf("chunks = %+v, want none", chunks)
	}
	san := sanitized.(map[string]any)
	meta := san["metadata"].(map[string]any)
	if meta["data"] != encoded {
		t.Fatalf("metadata.data = %v, want unchanged %q", meta["data"], encoded)
	}
}

func TestHarvestAudio_NoAudioFieldsIsANoop(t *testing.T) {
	payload := map[string]any{"foo": "bar", "nested": map[string]any{"baz": 1}}
	chunks, sanitized := HarvestAudio(payload)
	if len(chunks) != 0 {
		t.Fatalf("chunks = %+v, want none", chunks)
	}
	san := sanitized.(map[string]any)
	if san["foo"] != "bar" {
		t.Fatalf("sanitized.foo = %v, want bar", san["foo"])
	}
}
