// Package live groups the domain logic behind a single bidirectional voice
// dialog turn, independent of the WebSocket transport and the upstream model
// session that drive it.
//
// # Subpackages
//
//   - segment: silence-based segmentation of the upstream model's PCM
//     output, pairing each audio segment with a transcript sentence and
//     emitting SEGMENT_COMMIT/TURN_COMMIT events.
//   - transcript: extraction of the best transcript candidate from upstream
//     payloads, sentence splitting, generation-complete/goAway detection,
//     and base64 audio harvesting.
//   - player: client-side playback scheduling — queue depth tracking,
//     epoch-based supersede of a turn's audio when a new turn preempts it.
//   - caption: debounced caption text assembly with a commit guard so
//     captions don't flicker on every delta.
//   - audio: mono float32 PCM primitives (a growable ring buffer and
//     fade/crossfade/RMS kernels) used by player.
//
// None of these packages know about gorilla/websocket, the Gemini Live
// upstream client, or HTTP — they operate on plain PCM bytes, text deltas,
// and timestamps. pkg/gateway/live wires them to the transport.
package live
