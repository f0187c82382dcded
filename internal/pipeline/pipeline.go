// Package pipeline implements the Session Pipeline (spec §4.5): the
// four named buses (acs_inbound, provider_outbound, provider_inbound,
// acs_outbound), the staged Phase 1 / Phase 2 subscriber registration,
// and the pipeline actuator interface the Control Plane drives.
//
// Grounded on the teacher's baseStreamer (base_streamer.go), which
// similarly owns several independently-buffered channels (inputCh,
// outputCh, flushAudioCh) and exposes idempotent drain/flush/push
// operations over them — generalized here from ad hoc channels to the
// Event Bus/Bounded Queue primitives, and from two channels to four
// named buses.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/bus"
	"github.com/rapidaai/voicecore/internal/control"
	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/wire"
)

// Bus names (spec §3/§4.5).
const (
	BusACSInbound       = "acs_inbound"
	BusProviderOutbound = "provider_outbound"
	BusProviderInbound  = "provider_inbound"
	BusACSOutbound      = "acs_outbound"
)

// Handler names registered on those buses. There is no separate
// "first_message" acs_inbound handler: selecting the provider and
// bringing Phase 2 online must block the receive loop before any other
// frame is routed, which is inherently sequential, so Session's Run loop
// does that inline rather than through a fanned-out bus subscription.
const (
	HandlerAudioBatcher         = "audio_batcher"
	HandlerTestSettings         = "test_settings"
	HandlerControlPlaneACS      = "control_plane_acs_tap"
	HandlerControlPlaneProvider = "control_plane_provider_tap"
	HandlerReformatter          = "output_reformatter"
	HandlerWireSender           = "wire_sender"
	HandlerProviderEgress       = "provider_egress"
)

// ShutdownDeadline bounds cleanup (spec §4.5/§5: "5-second deadline").
const ShutdownDeadline = 5 * time.Second

// idleTimeoutTickInterval drives the playback idle-timeout check at
// >=10Hz (spec §4.9/§5: "Periodic timer at >=10 Hz ... now -
// last_audio_sent_ms > 500 ms"; §5 sizes the period as
// idle_timeout_ms/5, i.e. 100ms for the 500ms default).
const idleTimeoutTickInterval = control.PlaybackIdleTimeoutMs / 5 * time.Millisecond

// QueueConfig describes one handler's queue sizing (spec §4.11
// buffering block).
type QueueConfig struct {
	Capacity int
	Policy   bus.OverflowPolicy
	Workers  int
}

// Config bundles the per-bus queue sizing the pipeline needs to wire up
// its default handlers.
type Config struct {
	IngressQueue  QueueConfig // acs_inbound subscriber sizing
	ProviderQueue QueueConfig // provider_outbound / provider_inbound subscriber sizing
	EgressQueue   QueueConfig // acs_outbound subscriber sizing
}

// DefaultConfig mirrors spec.md §4.11's buffering defaults.
func DefaultConfig() Config {
	return Config{
		IngressQueue:  QueueConfig{Capacity: 1024, Policy: bus.DropOldest, Workers: 1},
		ProviderQueue: QueueConfig{Capacity: 512, Policy: bus.DropOldest, Workers: 1},
		EgressQueue:   QueueConfig{Capacity: 1024, Policy: bus.DropOldest, Workers: 1},
	}
}

// sendFunc abstracts "write this outbound frame to the peer"; Session
// supplies the real websocket writer, tests supply a recorder.
type sendFunc func(frame wire.OutboundFrame)

// Pipeline owns the four buses for one session and implements
// control.Actuator.
type Pipeline struct {
	sessionID string
	cfg       Config
	log       corelog.Logger

	acsInbound       *bus.Bus
	providerOutbound *bus.Bus
	providerInbound  *bus.Bus
	acsOutbound      *bus.Bus

	batcher               *audio.Batcher
	plane                 *control.Plane
	adapter               provider.Adapter
	providerOutboundQueue *bus.BoundedQueue

	mu        sync.Mutex
	gateOpen  bool
	ready     bool
	cleanedUp bool
	send      sendFunc

	idleTimeoutStop chan struct{}

	settingsMu     sync.Mutex
	latestSettings *wire.ControlSettingsUpdate
}

// New constructs a Pipeline with Phase 1 already wired: the audio
// batcher, control-plane taps, and wire-sender are all subscribed.
// Phase 2 (the provider adapter) is brought up separately by
// StartPhaseTwo once the first message's metadata has been inspected.
func New(sessionID string, cfg Config, log corelog.Logger, send sendFunc) *Pipeline {
	p := &Pipeline{
		sessionID: sessionID,
		cfg:       cfg,
		log:       log,
		send:      send,
		gateOpen:  true,

		acsInbound:       bus.NewBus(BusACSInbound, log),
		providerOutbound: bus.NewBus(BusProviderOutbound, log),
		providerInbound:  bus.NewBus(BusProviderInbound, log),
		acsOutbound:      bus.NewBus(BusACSOutbound, log),
	}

	// provider_outbound's egress queue is registered now, in Phase 1,
	// rather than when Phase 2 starts: spec §4.5 requires that commits
	// produced while the session is still negotiating its provider
	// binding accumulate here rather than being dropped for lack of any
	// registered subscriber. The provider adapter's egress worker only
	// starts draining it once StartPhaseTwo runs.
	p.providerOutboundQueue = p.providerOutbound.RegisterQueueOnly(
		HandlerProviderEgress, cfg.ProviderQueue.Capacity, cfg.ProviderQueue.Policy)

	p.batcher = audio.New(sessionID, audio.DefaultConfig(), log, func(c audio.Commit) {
		p.providerOutbound.Publish(c)
	})
	p.plane = control.New(sessionID, log, p)

	p.acsInbound.Subscribe(HandlerAudioBatcher, cfg.IngressQueue.Capacity, cfg.IngressQueue.Policy,
		cfg.IngressQueue.Workers, p.batcher.HandleEnvelope)
	// The commit tap listens where the batcher publishes its commits, so
	// the control plane sees each commit's silence metadata.
	p.providerOutbound.Subscribe(HandlerControlPlaneACS, cfg.ProviderQueue.Capacity, cfg.ProviderQueue.Policy,
		1, p.handleBatcherCommitTap)
	p.acsInbound.Subscribe(HandlerTestSettings, cfg.IngressQueue.Capacity, cfg.IngressQueue.Policy,
		1, p.handleTestSettingsTap)
	p.acsOutbound.Subscribe(HandlerWireSender, cfg.EgressQueue.Capacity, cfg.EgressQueue.Policy,
		cfg.EgressQueue.Workers, p.handleOutboundFrame)
	p.providerInbound.Subscribe(HandlerControlPlaneProvider, cfg.ProviderQueue.Capacity,
		cfg.ProviderQueue.Policy, 1, p.handleProviderEventTap)

	p.idleTimeoutStop = make(chan struct{})
	go p.runIdleTimeoutTicker()

	return p
}

// runIdleTimeoutTicker drives Plane.CheckPlaybackIdleTimeout at >=10Hz
// until Cleanup stops it (spec §4.9/§5). The check is idempotent, so a
// tick landing exactly at Cleanup time is harmless.
func (p *Pipeline) runIdleTimeoutTicker() {
	ticker := time.NewTicker(idleTimeoutTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.plane.CheckPlaybackIdleTimeout()
		case <-p.idleTimeoutStop:
			return
		}
	}
}

// handleTestSettingsTap records the latest control.test.settings update
// for observability (spec §9 Open Question: a hot-change is a recorded
// preference that does not rebind the current adapter).
func (p *Pipeline) handleTestSettingsTap(item interface{}) {
	update, ok := item.(*wire.ControlSettingsUpdate)
	if !ok {
		return
	}
	p.settingsMu.Lock()
	p.latestSettings = update
	p.settingsMu.Unlock()
	p.log.Infow("pipeline: test settings update recorded",
		"session_id", p.sessionID, "provider", update.Provider)
}

// LatestTestSettings returns the most recently recorded
// control.test.settings update, if any has arrived yet.
func (p *Pipeline) LatestTestSettings() (wire.ControlSettingsUpdate, bool) {
	p.settingsMu.Lock()
	defer p.settingsMu.Unlock()
	if p.latestSettings == nil {
		return wire.ControlSettingsUpdate{}, false
	}
	return *p.latestSettings, true
}

// Buses exposes the four buses for Session/reformatter wiring.
func (p *Pipeline) Buses() (acsInbound, providerOutbound, providerInbound, acsOutbound *bus.Bus) {
	return p.acsInbound, p.providerOutbound, p.providerInbound, p.acsOutbound
}

// Batcher exposes the audio batcher (Session's first-message handler
// needs no access to it, but tests do).
func (p *Pipeline) Batcher() *audio.Batcher { return p.batcher }

// Plane exposes the control plane.
func (p *Pipeline) Plane() *control.Plane { return p.plane }

// RegisterReformatter subscribes the Output Reformatter's HandleEvent
// onto provider_inbound (spec §4.5 Phase 1: "Register on
// provider_inbound the control-plane tap and the output reformatter").
func (p *Pipeline) RegisterReformatter(handle bus.HandlerFunc) {
	p.providerInbound.Subscribe(HandlerReformatter, p.cfg.ProviderQueue.Capacity,
		p.cfg.ProviderQueue.Policy, p.cfg.ProviderQueue.Workers, handle)
}

// StartPhaseTwo instantiates the provider adapter and starts its
// ingress/egress workers (spec §4.5 Phase 2). Called once, after the
// first message's metadata has been inspected. ctx bounds only the
// adapter's initial connect (Session passes a connect-timeout context);
// later provider reconnects run against the adapter's own context, not
// this one.
func (p *Pipeline) StartPhaseTwo(ctx context.Context, adapter provider.Adapter) error {
	p.mu.Lock()
	if p.ready {
		p.mu.Unlock()
		return nil
	}
	p.adapter = adapter
	p.mu.Unlock()

	return adapter.Start(ctx)
}

// MarkReady flips the pipeline to READY once phase-2 start succeeds.
func (p *Pipeline) MarkReady() {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
}

// ProviderOutboundTake returns a closure bound to provider_outbound's
// (already-registered, Phase-1) egress queue, for wiring a provider
// adapter's egress worker (spec §4.7: "egress worker: loops take() on
// provider_outbound"). The adapter itself is the only consumer; the
// pipeline runs no handler worker against this queue.
func (p *Pipeline) ProviderOutboundTake() func() (audio.Commit, bool) {
	q := p.providerOutboundQueue
	return func() (audio.Commit, bool) {
		item, ok := q.Take()
		if !ok {
			return audio.Commit{}, false
		}
		c, _ := item.(audio.Commit)
		return c, true
	}
}

// --- control.Actuator implementation ---

// SetOutboundGate implements control.Actuator (spec §4.5).
func (p *Pipeline) SetOutboundGate(open bool, reason string) {
	p.mu.Lock()
	p.gateOpen = open
	p.mu.Unlock()
	p.log.Infow("actuator: set_outbound_gate", "session_id", p.sessionID, "open", open, "reason", reason)
}

// DropOutboundAudio implements control.Actuator: discards every
// currently-queued audio frame in the acs_outbound wire-sender's queue
// (spec §4.5). Non-audio frames (text/control) are left in place.
func (p *Pipeline) DropOutboundAudio(reason string) {
	q, ok := p.acsOutbound.Handler(HandlerWireSender)
	if !ok {
		return
	}
	dropped := q.DrainFilter(func(item interface{}) bool {
		af, isAudio := item.(wire.AudioFrame)
		return !(isAudio && af.IsAudio())
	})
	p.log.Infow("actuator: drop_outbound_audio", "session_id", p.sessionID, "reason", reason, "dropped", dropped)
}

// CancelProviderResponse implements control.Actuator (spec §4.5/§4.7).
func (p *Pipeline) CancelProviderResponse(responseID, reason string) {
	p.mu.Lock()
	adapter := p.adapter
	p.mu.Unlock()
	if adapter == nil {
		return
	}
	adapter.Cancel(responseID, reason)
}

// FlushInboundBuffers implements control.Actuator (spec §4.5).
func (p *Pipeline) FlushInboundBuffers(participantID string) {
	p.batcher.Flush(participantID)
}

// --- internal handlers ---

func (p *Pipeline) handleOutboundFrame(item interface{}) {
	frame, ok := item.(wire.OutboundFrame)
	if !ok {
		return
	}
	p.mu.Lock()
	open := p.gateOpen
	p.mu.Unlock()
	if !open {
		if af, isAudio := frame.(wire.AudioFrame); isAudio && af.IsAudio() {
			return // gate closed: discard audio, forward everything else
		}
	}
	p.send(frame)
}

func (p *Pipeline) handleBatcherCommitTap(item interface{}) {
	commit, ok := item.(audio.Commit)
	if !ok {
		return
	}
	p.plane.HandleCommit(control.CommitEvent{IsSilence: commit.Metadata.IsSilence})
}

func (p *Pipeline) handleProviderEventTap(item interface{}) {
	ev, ok := item.(provider.Event)
	if !ok {
		return
	}
	switch ev.Kind {
	case provider.EventKindAudioDelta:
		p.plane.HandleAudioDelta(control.AudioDeltaEvent{ResponseID: ev.ResponseID})
	case provider.EventKindAudioDone:
		p.plane.HandleAudioDone(control.AudioDoneEvent{ResponseID: ev.ResponseID})
	}
}

// Cleanup implements spec §4.5: cancel the provider adapter, then
// shutdown all four buses in order acs_inbound, provider_outbound,
// provider_inbound, acs_outbound. Idempotent.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	if p.cleanedUp {
		p.mu.Unlock()
		return
	}
	p.cleanedUp = true
	adapter := p.adapter
	p.mu.Unlock()

	close(p.idleTimeoutStop)

	if adapter != nil {
		adapter.Close()
	}
	p.batcher.Close()

	p.acsInbound.Shutdown(ShutdownDeadline)
	p.providerOutbound.Shutdown(ShutdownDeadline)
	p.providerInbound.Shutdown(ShutdownDeadline)
	p.acsOutbound.Shutdown(ShutdownDeadline)
}
