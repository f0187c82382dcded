// Package audio implements the Audio Batcher (spec §4.6): the largest
// subscriber on acs_inbound, which accumulates per-participant PCM16
// frames and emits exactly one commit onto provider_outbound when a
// size, duration, or idle trigger fires.
//
// Grounded on the teacher's bufferAndSendInput/bufferAndSendOutput
// (base_streamer.go): accumulate into a bytes.Buffer, flush when a
// threshold is crossed. Generalized here from one fixed byte threshold
// to the three-trigger model, and from one buffer to a
// per-(session,participant) map, since spec.md requires independent
// buffers per participant within a session.
package audio

import (
	"bytes"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rapidaai/voicecore/internal/audioutil"
	"github.com/rapidaai/voicecore/internal/clockutil"
	"github.com/rapidaai/voicecore/internal/corelog"
)

// Trigger identifies which condition caused a commit.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerDuration Trigger = "duration"
	TriggerIdle     Trigger = "idle"
)

// Config holds the batching thresholds (spec §4.6, §4.11 batching block).
type Config struct {
	Enabled       bool
	MaxBatchBytes int
	MaxBatchMs    int64
	IdleTimeoutMs int64
	SampleRateHz  int
	Channels      int
	SilenceThreshold float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxBatchBytes:    65536,
		MaxBatchMs:       200,
		IdleTimeoutMs:    500,
		SampleRateHz:     16000,
		Channels:         1,
		SilenceThreshold: 50.0,
	}
}

// CommitMetadata accompanies every emitted commit (spec §4.6).
type CommitMetadata struct {
	FirstFrameTsMs int64
	LastFrameTsMs  int64
	DurationMs     int64
	ByteCount      int
	Trigger        Trigger
	RMSEnergy      float64
	IsSilence      bool
	PeerTimestamp  string // spec §9: recorded only, never used for scheduling
}

// Commit is the payload published to provider_outbound on every batcher
// flush.
type Commit struct {
	CommitID      string
	SessionID     string
	ParticipantID string
	AudioBase64   string
	Metadata      CommitMetadata
}

// participantBuffer is the per-(session,participant) accumulation state
// (spec §3 "Participant Buffer").
type participantBuffer struct {
	mu                   sync.Mutex
	pcm                  bytes.Buffer
	firstAppendTsMs      int64
	lastAppendTsMs       int64
	peerTimestamp        string
	idleTimer            *time.Timer
}

// Batcher owns one participantBuffer per participant id for a single
// session. Concurrency for the batcher's acs_inbound subscription
// defaults to 1 (spec §5: "removing the need for a lock" when
// concurrency=1), but Batcher itself is safe for concurrent calls
// regardless, since the idle timer fires on its own goroutine.
type Batcher struct {
	cfg       Config
	sessionID string
	log       corelog.Logger
	publish   func(commit Commit)

	mu      sync.Mutex
	buffers map[string]*participantBuffer

	decodeErrors uint64
}

// New constructs a Batcher for one session. publish is called
// synchronously from whichever goroutine triggers the commit (the
// acs_inbound worker, or the idle timer's own goroutine); the caller is
// expected to wire publish to provider_outbound's Bus.Publish.
func New(sessionID string, cfg Config, log corelog.Logger, publish func(commit Commit)) *Batcher {
	return &Batcher{
		cfg:       cfg,
		sessionID: sessionID,
		log:       log,
		publish:   publish,
		buffers:   make(map[string]*participantBuffer),
	}
}

// HandleEnvelope is the acs_inbound HandlerFunc. Only "audio" kind
// envelopes are processed; everything else is ignored (spec §4.6 input
// contract). item is expected to be an *InboundAudio as constructed by
// the session's receive loop.
func (b *Batcher) HandleEnvelope(item interface{}) {
	in, ok := item.(*InboundAudio)
	if !ok {
		return
	}
	b.Append(in.ParticipantID, in.Base64PCM, in.PeerTimestamp)
}

// InboundAudio is the minimal shape the batcher needs out of a decoded
// acs_inbound envelope.
type InboundAudio struct {
	ParticipantID string
	Base64PCM     string
	PeerTimestamp string
}

// Append decodes base64 PCM16, appends it to the named participant's
// buffer, and commits if any trigger condition is met (spec §4.6
// algorithm). A decode failure drops only this frame.
func (b *Batcher) Append(participantID, base64PCM, peerTimestamp string) {
	if !b.cfg.Enabled {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(base64PCM)
	if err != nil {
		b.mu.Lock()
		b.decodeErrors++
		b.mu.Unlock()
		b.log.Warnw("audio batcher: decode failure, dropping frame",
			"session_id", b.sessionID, "participant_id", participantID, "error", err.Error())
		return
	}

	pb := b.bufferFor(participantID)
	pb.mu.Lock()

	now := clockutil.NowMs()
	if pb.pcm.Len() == 0 {
		pb.firstAppendTsMs = now
	}
	pb.pcm.Write(raw)
	pb.lastAppendTsMs = now
	if peerTimestamp != "" {
		pb.peerTimestamp = peerTimestamp
	}

	trigger, fire := b.evaluateTriggers(pb)
	if !fire {
		b.armIdleTimer(participantID, pb)
		pb.mu.Unlock()
		return
	}

	commit := b.buildCommitLocked(participantID, pb, trigger)
	b.clearLocked(pb)
	pb.mu.Unlock()

	b.emit(commit)
}

// evaluateTriggers checks size > duration > idle in that tie-break
// order (spec §4.6) and returns the first one satisfied. Caller holds
// pb.mu.
func (b *Batcher) evaluateTriggers(pb *participantBuffer) (Trigger, bool) {
	byteCount := pb.pcm.Len()
	if byteCount == 0 {
		return "", false
	}
	if byteCount >= b.cfg.MaxBatchBytes {
		return TriggerSize, true
	}
	durationMs := audioutil.DurationMs(byteCount, b.cfg.SampleRateHz, b.cfg.Channels)
	if durationMs >= b.cfg.MaxBatchMs {
		return TriggerDuration, true
	}
	if clockutil.NowMs()-pb.lastAppendTsMs >= b.cfg.IdleTimeoutMs {
		return TriggerIdle, true
	}
	return "", false
}

// armIdleTimer (re)arms the per-participant idle timer so that a commit
// still fires even if no further audio ever arrives for this
// participant (spec §4.6: "the idle trigger is evaluated both on the
// next append and by a per-participant idle timer").
func (b *Batcher) armIdleTimer(participantID string, pb *participantBuffer) {
	if pb.idleTimer != nil {
		pb.idleTimer.Stop()
	}
	pb.idleTimer = time.AfterFunc(time.Duration(b.cfg.IdleTimeoutMs)*time.Millisecond, func() {
		b.onIdleFire(participantID)
	})
}

func (b *Batcher) onIdleFire(participantID string) {
	b.mu.Lock()
	pb, ok := b.buffers[participantID]
	b.mu.Unlock()
	if !ok {
		return
	}

	pb.mu.Lock()
	if pb.pcm.Len() == 0 || clockutil.NowMs()-pb.lastAppendTsMs < b.cfg.IdleTimeoutMs {
		pb.mu.Unlock()
		return
	}
	commit := b.buildCommitLocked(participantID, pb, TriggerIdle)
	b.clearLocked(pb)
	pb.mu.Unlock()

	b.emit(commit)
}

// buildCommitLocked assembles the Commit payload. Caller holds pb.mu.
func (b *Batcher) buildCommitLocked(participantID string, pb *participantBuffer, trigger Trigger) Commit {
	raw := append([]byte(nil), pb.pcm.Bytes()...)
	rms := audioutil.RMSInt16(raw)
	durationMs := audioutil.DurationMs(len(raw), b.cfg.SampleRateHz, b.cfg.Channels)

	return Commit{
		CommitID:      uuid.NewString(),
		SessionID:     b.sessionID,
		ParticipantID: participantID,
		AudioBase64:   base64.StdEncoding.EncodeToString(raw),
		Metadata: CommitMetadata{
			FirstFrameTsMs: pb.firstAppendTsMs,
			LastFrameTsMs:  pb.lastAppendTsMs,
			DurationMs:     durationMs,
			ByteCount:      len(raw),
			Trigger:        trigger,
			RMSEnergy:      rms,
			IsSilence:      audioutil.IsSilence(rms, b.cfg.SilenceThreshold),
			PeerTimestamp:  pb.peerTimestamp,
		},
	}
}

// clearLocked resets buffer fields and cancels the idle timer. Caller
// holds pb.mu.
func (b *Batcher) clearLocked(pb *participantBuffer) {
	pb.pcm.Reset()
	pb.firstAppendTsMs = 0
	pb.lastAppendTsMs = 0
	pb.peerTimestamp = ""
	if pb.idleTimer != nil {
		pb.idleTimer.Stop()
		pb.idleTimer = nil
	}
}

func (b *Batcher) emit(commit Commit) {
	b.log.Debugw("audio batcher commit",
		"session_id", b.sessionID, "participant_id", commit.ParticipantID,
		"commit_id", commit.CommitID, "trigger", string(commit.Metadata.Trigger),
		"byte_count", commit.Metadata.ByteCount, "duration_ms", commit.Metadata.DurationMs)
	b.publish(commit)
}

func (b *Batcher) bufferFor(participantID string) *participantBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	pb, ok := b.buffers[participantID]
	if !ok {
		pb = &participantBuffer{}
		b.buffers[participantID] = pb
	}
	return pb
}

// Flush discards the named participant's buffer (or all participants'
// buffers if participantID is empty) with no commit emitted (spec §4.5
// flush_inbound_buffers actuator operation).
func (b *Batcher) Flush(participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if participantID == "" {
		for _, pb := range b.buffers {
			pb.mu.Lock()
			b.clearLocked(pb)
			pb.mu.Unlock()
		}
		return
	}
	if pb, ok := b.buffers[participantID]; ok {
		pb.mu.Lock()
		b.clearLocked(pb)
		pb.mu.Unlock()
	}
}

// DecodeErrors returns the count of frames dropped due to base64 decode
// failure, for observability.
func (b *Batcher) DecodeErrors() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decodeErrors
}

// Close stops every participant's idle timer. Called during pipeline
// cleanup.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pb := range b.buffers {
		pb.mu.Lock()
		if pb.idleTimer != nil {
			pb.idleTimer.Stop()
		}
		pb.mu.Unlock()
	}
}
