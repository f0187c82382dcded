package control

import (
	"sync"

	"github.com/rapidaai/voicecore/internal/clockutil"
)

// InputStatus is one of the two input (voice-activity) states (spec §3).
type InputStatus string

const (
	InputSilent   InputStatus = "SILENT"
	InputSpeaking InputStatus = "SPEAKING"
)

// Hysteresis/threshold constants (spec §3).
const (
	VoiceHysteresisMs  = 100
	SilenceThresholdMs = 350
)

// InputState tracks one session's voice-activity lifecycle. Same
// single-owner concurrency discipline as PlaybackState.
type InputState struct {
	Status      InputStatus
	VoiceOnsetMs int64
	VoiceLastMs  int64
}

// NewInputState returns a fresh SILENT input state.
func NewInputState() *InputState {
	return &InputState{Status: InputSilent}
}

// Actuator is the pipeline interface the Control Plane calls to affect
// runtime behavior (spec §4.5 "pipeline actuator" / §4.9 barge-in).
type Actuator interface {
	SetOutboundGate(open bool, reason string)
	DropOutboundAudio(reason string)
	CancelProviderResponse(responseID, reason string)
	FlushInboundBuffers(participantID string)
}

// AudioDeltaEvent / AudioDoneEvent mirror the neutral provider_inbound
// events the Control Plane taps (spec §4.9).
type AudioDeltaEvent struct {
	ResponseID string
}

type AudioDoneEvent struct {
	ResponseID string
}

// CommitEvent mirrors the Audio Batcher's commit metadata the Control
// Plane taps for voice-activity tracking (spec §4.9 Input state machine).
type CommitEvent struct {
	IsSilence bool
}

// Plane is the per-session Control Plane: one PlaybackState, one
// InputState, and the actuator it drives. All Handle* methods are meant
// to run on a single concurrency=1 worker (spec §5); Plane itself does
// not spawn goroutines.
type Plane struct {
	mu sync.Mutex

	sessionID string
	log       transitionLogger
	actuator  Actuator

	playback *PlaybackState
	input    *InputState

	cancelCallCount int
}

// New constructs a Plane for one session.
func New(sessionID string, log transitionLogger, actuator Actuator) *Plane {
	return &Plane{
		sessionID: sessionID,
		log:       log,
		actuator:  actuator,
		playback:  NewPlaybackState(),
		input:     NewInputState(),
	}
}

// Playback returns a copy of the current playback state for inspection
// (tests, observability); callers must not mutate the fields to affect
// Plane's internal state — use the Handle*/actuator path instead.
func (p *Plane) Playback() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.playback
}

// Input returns a copy of the current input state.
func (p *Plane) Input() InputState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.input
}

// CancelCount reports how many CancelProviderResponse actuator calls
// this Plane has issued (testable property #6: bounded by the number of
// distinct current_response_id values observed).
func (p *Plane) CancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelCallCount
}

// HandleAudioDelta implements the playback transitions for
// provider.audio.delta (spec §4.9).
func (p *Plane) HandleAudioDelta(ev AudioDeltaEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := clockutil.NowMs()
	pb := p.playback

	switch pb.Status {
	case PlaybackIdle, PlaybackFinished:
		p.transitionPlaybackLocked(PlaybackSpeaking, "audio_delta")
		pb.CurrentResponseID = ev.ResponseID
		pb.LastAudioSentMs = now
	case PlaybackSpeaking:
		if ev.ResponseID == pb.CurrentResponseID {
			pb.LastAudioSentMs = now
			return
		}
		// Implicit barge-in: a new response id arrives while still
		// speaking the previous one.
		p.bargeInLocked("implicit_new_response")
		p.transitionPlaybackLocked(PlaybackSpeaking, "audio_delta")
		pb.CurrentResponseID = ev.ResponseID
		pb.LastAudioSentMs = now
		pb.ProviderDone = false
	case PlaybackGateClosed:
		// Gate closed: audio is being dropped at the wire-sender; do not
		// re-enter SPEAKING until the gate reopens.
		return
	}
}

// HandleAudioDone implements provider.audio.done (spec §4.9).
func (p *Plane) HandleAudioDone(ev AudioDoneEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playback.Status == PlaybackSpeaking && ev.ResponseID == p.playback.CurrentResponseID {
		p.playback.ProviderDone = true
	}
}

// CheckPlaybackIdleTimeout is the periodic-timer path (spec §4.9: "at
// >=10Hz"). Idempotent: calling it repeatedly once already IDLE is a
// no-op, satisfying testable property #7 ("both may fire but the
// transition is idempotent").
func (p *Plane) CheckPlaybackIdleTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	pb := p.playback
	if pb.Status != PlaybackSpeaking {
		return
	}
	if clockutil.NowMs()-pb.LastAudioSentMs > PlaybackIdleTimeoutMs {
		// spec.md §3 states the lifecycle is monotone: SPEAKING ->
		// (FINISHED | GATE_CLOSED) -> IDLE. A graceful end (provider
		// already signalled audio.done) passes through FINISHED before
		// IDLE; an idle timeout with no done signal (the peer vanished
		// mid-response) goes straight to IDLE.
		if pb.ProviderDone {
			p.transitionPlaybackLocked(PlaybackFinished, "provider_done_idle")
		}
		p.transitionPlaybackLocked(PlaybackIdle, "idle_timeout")
		pb.CurrentResponseID = ""
		pb.ProviderDone = false
	}
}

// SetGate reflects an actuator-driven gate change into playback state
// (spec §4.9 "Gate set to closed").
func (p *Plane) SetGate(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pb := p.playback
	if !open {
		if pb.Status != PlaybackGateClosed {
			p.transitionPlaybackLocked(PlaybackGateClosed, "gate_closed")
		}
		pb.GateClosed = true
		return
	}
	pb.GateClosed = false
	if pb.Status == PlaybackGateClosed {
		p.transitionPlaybackLocked(PlaybackIdle, "gate_reopened")
		pb.CurrentResponseID = ""
		pb.ProviderDone = false
	}
}

// HandleCommit implements the Input state machine's transitions driven
// by the Audio Batcher's per-commit silence metadata (spec §4.9). When
// the resulting Input transition is SILENT->SPEAKING while Playback is
// SPEAKING, barge-in fires.
func (p *Plane) HandleCommit(ev CommitEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := clockutil.NowMs()
	in := p.input

	if !ev.IsSilence {
		if in.Status == InputSilent {
			if in.VoiceOnsetMs == 0 {
				in.VoiceOnsetMs = now
			}
			in.VoiceLastMs = now
			if now-in.VoiceOnsetMs >= VoiceHysteresisMs {
				in.Status = InputSpeaking
				if p.playback.Status == PlaybackSpeaking {
					p.bargeInLocked("barge_in")
				}
			}
			return
		}
		in.VoiceLastMs = now
		return
	}

	// Silent commit.
	if in.Status == InputSpeaking && now-in.VoiceLastMs > SilenceThresholdMs {
		in.Status = InputSilent
		in.VoiceOnsetMs = 0
	}
}

// bargeInLocked runs the barge-in actuator sequence (spec §4.9):
// 1. cancel the in-flight response, 2. drop already-queued outbound
// audio, 3. transition playback to IDLE eagerly. Input state is left
// alone (the caller already updated or will update it). Caller holds
// p.mu.
func (p *Plane) bargeInLocked(reason string) {
	responseID := p.playback.CurrentResponseID
	if responseID != "" {
		p.actuator.CancelProviderResponse(responseID, reason)
		p.cancelCallCount++
	}
	p.actuator.DropOutboundAudio(reason)
	p.transitionPlaybackLocked(PlaybackIdle, reason)
	p.playback.CurrentResponseID = ""
	p.playback.ProviderDone = false
}

func (p *Plane) transitionPlaybackLocked(to PlaybackStatus, reason string) {
	from := p.playback.Status
	if from == to {
		return
	}
	p.playback.Status = to
	logTransition(p.log, p.sessionID, "playback", string(from), string(to), reason)
}
