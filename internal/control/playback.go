// Package control implements the Control Plane (spec §4.9): the
// per-session observer that taps provider_inbound (and the batcher's
// silence metadata) to maintain the Playback and Input state machines,
// enforce idle timeouts, apply barge-in, and invoke pipeline actuator
// operations.
//
// Grounded on the teacher's clearOutputBuffer ordering discipline
// (base_streamer.go: "signal flush before drain, to prevent the writer
// from dequeuing a message between drain and signal") — generalized
// into the barge-in actuator sequence below (cancel, then drop, then
// transition) so no stale audio can slip out between steps.
package control

// PlaybackStatus is one of the four playback states (spec §3).
type PlaybackStatus string

const (
	PlaybackIdle        PlaybackStatus = "IDLE"
	PlaybackSpeaking    PlaybackStatus = "SPEAKING"
	PlaybackFinished    PlaybackStatus = "FINISHED"
	PlaybackGateClosed  PlaybackStatus = "GATE_CLOSED"
)

// PlaybackIdleTimeoutMs is the idle transition threshold (spec §3: 500ms).
const PlaybackIdleTimeoutMs = 500

// PlaybackState tracks one session's current playback lifecycle. Owned
// exclusively by the Control Plane's handler worker (concurrency=1 per
// spec §5), so no internal locking is needed; callers must not share a
// PlaybackState across goroutines.
type PlaybackState struct {
	Status            PlaybackStatus
	CurrentResponseID string
	LastAudioSentMs   int64
	ProviderDone      bool
	GateClosed        bool
}

// NewPlaybackState returns a fresh IDLE playback state.
func NewPlaybackState() *PlaybackState {
	return &PlaybackState{Status: PlaybackIdle}
}

// transitionLogger is the narrow logging contract control needs; kept
// separate from corelog.Logger so this package has no import-time
// dependency on the logging stack's construction details.
type transitionLogger interface {
	Infow(msg string, kv ...interface{})
}

func logTransition(log transitionLogger, sessionID string, machine string, from, to, reason string) {
	if log == nil {
		return
	}
	log.Infow("state transition",
		"session_id", sessionID, "machine", machine, "from", from, "to", to, "reason", reason)
}
