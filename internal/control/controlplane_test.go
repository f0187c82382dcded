package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActuator struct {
	cancelled      []string
	droppedAudio   int
	gateCalls      []bool
	flushedParts   []string
}

func (f *fakeActuator) SetOutboundGate(open bool, reason string)          { f.gateCalls = append(f.gateCalls, open) }
func (f *fakeActuator) DropOutboundAudio(reason string)                   { f.droppedAudio++ }
func (f *fakeActuator) CancelProviderResponse(responseID, reason string) { f.cancelled = append(f.cancelled, responseID) }
func (f *fakeActuator) FlushInboundBuffers(participantID string)          { f.flushedParts = append(f.flushedParts, participantID) }

func TestPlane_AudioDeltaEntersSpeaking(t *testing.T) {
	act := &fakeActuator{}
	p := New("sess-1", nil, act)

	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})

	pb := p.Playback()
	assert.Equal(t, PlaybackSpeaking, pb.Status)
	assert.Equal(t, "r1", pb.CurrentResponseID)
}

// TestPlane_ImplicitBargeInOnNewResponse is scenario S4: a second
// response_id arrives while still speaking the first.
func TestPlane_ImplicitBargeInOnNewResponse(t *testing.T) {
	act := &fakeActuator{}
	p := New("sess-1", nil, act)

	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})
	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r2"})

	require.Len(t, act.cancelled, 1)
	assert.Equal(t, "r1", act.cancelled[0])
	assert.Equal(t, 1, act.droppedAudio)

	pb := p.Playback()
	assert.Equal(t, PlaybackSpeaking, pb.Status)
	assert.Equal(t, "r2", pb.CurrentResponseID)
}

// TestPlane_BargeInFromVoiceActivity covers the Input->barge-in path:
// a non-silent commit while Playback is SPEAKING triggers cancel/drop
// once voice hysteresis has elapsed, and leaves Input alone (it is
// independently updated).
func TestPlane_BargeInFromVoiceActivity(t *testing.T) {
	act := &fakeActuator{}
	p := New("sess-1", nil, act)
	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})

	// Directly force input into SPEAKING past hysteresis by issuing two
	// non-silent commits; the first establishes onset, the second (after
	// enough wall time) crosses VoiceHysteresisMs. Since HandleCommit uses
	// clockutil.NowMs() (real time), sleep briefly between calls.
	p.HandleCommit(CommitEvent{IsSilence: false})
	require.Eventually(t, func() bool {
		p.HandleCommit(CommitEvent{IsSilence: false})
		return p.Input().Status == InputSpeaking
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, len(act.cancelled))
	assert.Equal(t, PlaybackIdle, p.Playback().Status)
}

// TestPlane_CancelCountBoundedByDistinctResponses is testable property
// #6: repeated deltas for the same response_id never issue extra
// cancels.
func TestPlane_CancelCountBoundedByDistinctResponses(t *testing.T) {
	act := &fakeActuator{}
	p := New("sess-1", nil, act)

	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})
	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})
	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})

	assert.Equal(t, 0, p.CancelCount())
}

// TestPlane_IdleTimeoutIsIdempotent is testable property #7: calling
// CheckPlaybackIdleTimeout repeatedly once already IDLE never panics or
// double-logs a transition.
func TestPlane_IdleTimeoutIsIdempotent(t *testing.T) {
	act := &fakeActuator{}
	p := New("sess-1", nil, act)

	p.CheckPlaybackIdleTimeout()
	p.CheckPlaybackIdleTimeout()
	p.CheckPlaybackIdleTimeout()

	assert.Equal(t, PlaybackIdle, p.Playback().Status)
}

func TestPlane_GateCloseAndReopen(t *testing.T) {
	act := &fakeActuator{}
	p := New("sess-1", nil, act)
	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})

	p.SetGate(false)
	assert.Equal(t, PlaybackGateClosed, p.Playback().Status)

	// Audio deltas arriving while gated must not re-enter SPEAKING.
	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r2"})
	assert.Equal(t, PlaybackGateClosed, p.Playback().Status)

	p.SetGate(true)
	assert.Equal(t, PlaybackIdle, p.Playback().Status)
}

func TestPlane_AudioDoneMarksProviderDone(t *testing.T) {
	act := &fakeActuator{}
	p := New("sess-1", nil, act)
	p.HandleAudioDelta(AudioDeltaEvent{ResponseID: "r1"})
	p.HandleAudioDone(AudioDoneEvent{ResponseID: "r1"})

	assert.True(t, p.Playback().ProviderDone)
}
