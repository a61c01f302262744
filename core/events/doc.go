// Package events defines the typed event contract of the dual-path pipeline.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - pipeline.*
//   - diagnostic.*
//
// pipeline events are produced by the transport and the realtime speech
// engine and consumed by a single per-session dispatch loop, which keeps the
// ordering of turn boundaries and text auditable.
//
//   - AudioFrame (pipeline.audio_frame): one audio frame. The payload is
//     shared by reference between the fast and the slow path and must not be
//     mutated after submission.
//   - TurnBoundary (pipeline.turn_boundary): an utterance started or ended for
//     a role. Detectors fire at most once per edge and utterance.
//   - PartialText (pipeline.partial_text): append-only text delta produced by
//     the fast path, relayed for live display only.
//   - FinalText (pipeline.final_text): terminal fast-path text for an
//     utterance, relayed for live display only.
//   - ConnectionStatus (pipeline.connection_status): realtime engine
//     connectivity changed.
//   - TextInput (pipeline.text_input): text submitted in place of speech,
//     handled as a synthetic user turn.
//
// diagnostic events never alter the conversation; they report degraded
// behavior of the slow path or of the engine connection to operators.
//
//   - Diagnostic (diagnostic.<code>): see [DiagnosticCode].
package events
