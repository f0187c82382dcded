// Package reformatter implements the Output Reformatter (spec §4.8): a
// provider_inbound subscriber that converts neutral provider.* events
// into outbound wire frames published to acs_outbound.
//
// Grounded on the teacher's internal_type.BuildNormalizerPipeline /
// internal_normalizers pipeline shape: a small ordered set of
// single-purpose text transforms applied before a frame leaves the
// system, generalized here into the reformatter's number-to-words pass
// (see numwords.go for why that pass is hand-rolled rather than backed
// by the teacher's moul.io/number-to-words dependency).
package reformatter

import (
	"encoding/base64"
	"sync"

	"github.com/rapidaai/voicecore/internal/audioutil"
	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/wire"
)

// Config controls the reformatter's behavior.
type Config struct {
	TextNormalizationEnabled bool
	OutputSampleRateHz       int // session output rate; provider audio is resampled to this
}

// DefaultConfig matches spec.md §4.11's documented default (16kHz) and
// enables the text-normalization pass.
func DefaultConfig() Config {
	return Config{TextNormalizationEnabled: true, OutputSampleRateHz: 16000}
}

// Reformatter owns the per-participant sequence counters required for
// text-delta/text-final frame ordering (spec §6.1: "sequence": n).
type Reformatter struct {
	cfg     Config
	log     corelog.Logger
	publish func(frame wire.OutboundFrame)

	mu      sync.Mutex
	seqs    map[string]uint64 // participant id -> next sequence number
	pending map[string]string // participant id -> accumulated text since the last text.done
}

// New constructs a Reformatter. publish is expected to be wired to
// acs_outbound's Bus.Publish.
func New(cfg Config, log corelog.Logger, publish func(frame wire.OutboundFrame)) *Reformatter {
	return &Reformatter{
		cfg:     cfg,
		log:     log,
		publish: publish,
		seqs:    make(map[string]uint64),
		pending: make(map[string]string),
	}
}

// HandleEvent is the provider_inbound HandlerFunc.
func (r *Reformatter) HandleEvent(item interface{}) {
	ev, ok := item.(provider.Event)
	if !ok {
		return
	}

	switch ev.Kind {
	case provider.EventKindTextDelta:
		r.appendPending(ev.ParticipantID, ev.Delta)
		r.publish(wire.NewTextDeltaFrame(ev.ParticipantID, ev.Delta, r.nextSeq(ev.ParticipantID)))

	case provider.EventKindTextDone:
		text := r.takePending(ev.ParticipantID)
		if r.cfg.TextNormalizationEnabled {
			text = SpellOutNumbers(text)
		}
		r.publish(wire.NewTextFinalFrame(ev.ParticipantID, text, r.nextSeq(ev.ParticipantID)))

	case provider.EventKindAudioDelta:
		audioBase64 := ev.AudioBase64
		if ev.SampleRateHz > 0 && ev.SampleRateHz != r.cfg.OutputSampleRateHz {
			audioBase64 = r.resample(audioBase64, ev.SampleRateHz)
		}
		r.publish(wire.NewAudioFrame(ev.ParticipantID, ev.ResponseID, audioBase64))

	case provider.EventKindAudioDone, provider.EventKindResponseCancelled:
		r.publish(wire.NewResponseDoneFrame(ev.ResponseID))

	case provider.EventKindError:
		r.publish(wire.NewErrorFrame(ev.ErrorCode, ev.ErrorMessage))

	default:
		r.log.Warnw("reformatter: unrecognized provider event kind", "kind", ev.Kind)
	}
}

// resample re-encodes base64 PCM16 from srcRateHz to the configured
// output rate (spec §4.8, §4.10).
func (r *Reformatter) resample(base64PCM string, srcRateHz int) string {
	raw, err := base64.StdEncoding.DecodeString(base64PCM)
	if err != nil {
		r.log.Warnw("reformatter: audio decode failure, dropping resample", "error", err.Error())
		return base64PCM
	}
	resampled := audioutil.ResampleMono(raw, srcRateHz, r.cfg.OutputSampleRateHz)
	return base64.StdEncoding.EncodeToString(resampled)
}

func (r *Reformatter) nextSeq(participantID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seqs[participantID]
	r.seqs[participantID]++
	return seq
}

func (r *Reformatter) appendPending(participantID, delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[participantID] += delta
}

func (r *Reformatter) takePending(participantID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := r.pending[participantID]
	delete(r.pending, participantID)
	return text
}
