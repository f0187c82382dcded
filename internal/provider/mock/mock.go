// Package mock implements the "mock" provider type (spec §6.2): a
// deterministic text-and-audio responder used by the core's own tests
// and by any deployment's integration smoke tests. It never dials a
// real network endpoint.
//
// Grounded on the teacher's in-memory fixture transports (used to drive
// base_streamer_test.go without a live WebRTC/gRPC backend) —
// generalized here into a full provider.Transport so it can exercise
// the real Base egress/ingress worker loop, not just a bypassed stub.
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/provider"
)

// Options configures one mock-provider binding, decoded out of the
// opaque `config.providers.<name>.settings` map (spec §4.11).
type Options struct {
	ResponseDelayMs int    `mapstructure:"response_delay_ms"`
	ResponseText    string `mapstructure:"response_text"`
	SampleRateHz    int    `mapstructure:"sample_rate_hz"`
	FailDial        bool   `mapstructure:"fail_dial"`
}

// DefaultOptions mirrors a reasonable settings block when the session's
// provider config carries no `settings` map at all.
func DefaultOptions() Options {
	return Options{
		ResponseDelayMs: 50,
		ResponseText:    "mock translation response",
		SampleRateHz:    16000,
	}
}

// DecodeOptions builds Options from the opaque settings map (spec §4.11
// "settings: opaque map"), using mapstructure so a session's declared
// provider settings decode directly into typed fields.
func DecodeOptions(raw map[string]interface{}) (Options, error) {
	opts := DefaultOptions()
	if raw == nil {
		return opts, nil
	}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return Options{}, fmt.Errorf("mock provider: decode settings: %w", err)
	}
	return opts, nil
}

// commitRecord captures one provider_outbound commit the mock has seen,
// for tests asserting on egress traffic.
type commitRecord struct {
	participantID string
	commitID      string
}

// Transport implements provider.Transport deterministically: every
// commit received on SendCommit schedules one text-delta + audio-delta
// + done response after opts.ResponseDelayMs (spec §6.2).
type Transport struct {
	opts Options

	events chan provider.Event
	dialed bool
}

// NewTransport constructs a mock Transport. It answers every commit it
// is sent, whichever participant the commit belongs to.
func NewTransport(opts Options) *Transport {
	return &Transport{
		opts:   opts,
		events: make(chan provider.Event, 64),
	}
}

// Dial implements provider.Transport. Fails deterministically when
// opts.FailDial is set (used by reconnect/fatal-path tests).
func (t *Transport) Dial(ctx context.Context) error {
	if t.opts.FailDial {
		return fmt.Errorf("mock provider: dial failed (fail_dial=true)")
	}
	t.dialed = true
	return nil
}

// SendCommit implements provider.Transport: schedules the deterministic
// response sequence for this commit's participant.
func (t *Transport) SendCommit(ctx context.Context, commit audio.Commit) error {
	if !t.dialed {
		return fmt.Errorf("mock provider: send before dial")
	}
	responseID := commit.CommitID
	delay := time.Duration(t.opts.ResponseDelayMs) * time.Millisecond

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		t.emit(provider.Event{
			Kind:          provider.EventKindTextDelta,
			ParticipantID: commit.ParticipantID,
			Delta:         t.opts.ResponseText,
		})
		t.emit(provider.Event{
			Kind:          provider.EventKindTextDone,
			ParticipantID: commit.ParticipantID,
		})
		t.emit(provider.Event{
			Kind:          provider.EventKindAudioDelta,
			ParticipantID: commit.ParticipantID,
			ResponseID:    responseID,
			AudioBase64:   commit.AudioBase64,
			SampleRateHz:  t.opts.SampleRateHz,
		})
		t.emit(provider.Event{
			Kind:       provider.EventKindAudioDone,
			ResponseID: responseID,
		})
	}()
	return nil
}

// SendCancel implements provider.Transport: immediately emits
// provider.response.cancelled for the given response id.
func (t *Transport) SendCancel(ctx context.Context, responseID, reason string) error {
	t.emit(provider.Event{Kind: provider.EventKindResponseCancelled, ResponseID: responseID})
	return nil
}

// ReadEvent implements provider.Transport.
func (t *Transport) ReadEvent(ctx context.Context) (provider.Event, bool, error) {
	select {
	case ev := <-t.events:
		return ev, true, nil
	case <-ctx.Done():
		return provider.Event{}, false, ctx.Err()
	}
}

// CloseTransport implements provider.Transport. Idempotent: it only
// marks the transport as no longer dialed and leaves the events channel
// open, so a second call changes nothing.
func (t *Transport) CloseTransport() {
	t.dialed = false
}

func (t *Transport) emit(ev provider.Event) {
	select {
	case t.events <- ev:
	default:
		// Mock events channel is only ever backed up if a test forgets to
		// drain it; dropping here mirrors a real provider socket applying
		// backpressure rather than blocking the mock's response goroutine
		// forever.
	}
}
