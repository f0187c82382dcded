// Package session implements Session and the Session Manager (spec
// §4.3–§4.4): one Session per accepted WebSocket connection, decoding
// inbound wire frames onto the pipeline's acs_inbound bus and writing
// outbound frames back to the peer.
//
// Grounded on the teacher's webrtcStreamer/baseStreamer split
// (channel/webrtc/streamer.go, channel/webrtc/base_streamer.go):
// Close()/pushDisconnection is idempotent and cancels a session-owned
// context, and Recv's `select{inputCh; ctx.Done()}` shape is mirrored
// here as a direct read loop against the transport rather than through
// an intermediate channel, since the pipeline's acs_inbound bus already
// supplies the buffering the teacher's inputCh existed to provide.
package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/bus"
	"github.com/rapidaai/voicecore/internal/callcontext"
	"github.com/rapidaai/voicecore/internal/clockutil"
	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/rapidaai/voicecore/internal/corerr"
	"github.com/rapidaai/voicecore/internal/pipeline"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/provider/mock"
	"github.com/rapidaai/voicecore/internal/reformatter"
	"github.com/rapidaai/voicecore/internal/wire"
	"github.com/rapidaai/voicecore/internal/wirecapture"
)

// Conn is the minimal transport surface a Session drives; satisfied
// directly by *websocket.Conn (see internal/transport).
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ProviderConnectTimeout bounds Phase 2's adapter Start call (spec §5:
// "Provider adapter start() has a 10s connect timeout").
const ProviderConnectTimeout = 10 * time.Second

// textMessageType mirrors gorilla/websocket.TextMessage without
// depending on the package directly — the wire protocol is JSON text
// frames only (spec §6.1), and Conn's interface keeps the transport
// abstract for testing.
const textMessageType = 1

// TransportBuilder constructs a provider.Transport for the named
// provider config, decoding its opaque settings map. Registered per
// provider type; the core ships only "mock" (spec §6.2).
type TransportBuilder func(cfg config.ProviderConfig) (provider.Transport, error)

// DefaultBuilders returns the provider type -> TransportBuilder table
// the core ships out of the box.
func DefaultBuilders() map[string]TransportBuilder {
	return map[string]TransportBuilder{
		"mock": func(cfg config.ProviderConfig) (provider.Transport, error) {
			opts, err := mock.DecodeOptions(cfg.Settings)
			if err != nil {
				return nil, err
			}
			return mock.NewTransport(opts), nil
		},
	}
}

// Session owns one accepted connection end to end (spec §4.4).
type Session struct {
	id   string
	conn Conn
	cfg  *config.Config
	log  corelog.Logger

	pipeline *pipeline.Pipeline
	builders map[string]TransportBuilder
	capture  *wirecapture.Recorder
	callCtx  callcontext.CallContext

	ctx    context.Context
	cancel context.CancelFunc

	seq       uint64
	closeOnce sync.Once
}

// New constructs a Session with Phase 1 of its pipeline already wired.
// Phase 2 is started lazily, from the first received message, per
// spec §4.4/§4.5.
func New(conn Conn, cfg *config.Config, log corelog.Logger, builders map[string]TransportBuilder) *Session {
	id := uuid.NewString()
	sessionLog := log.With("session_id", id)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		log:      sessionLog,
		builders: builders,
		capture:  wirecapture.New(cfg.WireCaptureDir, id),
		callCtx:  callcontext.CallContext{SessionID: id},
		ctx:      ctx,
		cancel:   cancel,
	}

	pcfg := pipeline.Config{
		IngressQueue: pipeline.QueueConfig{
			Capacity: cfg.Buffering.IngressQueueMax, Policy: overflowPolicy(cfg.Buffering.OverflowPolicy), Workers: 1,
		},
		ProviderQueue: pipeline.QueueConfig{
			Capacity: cfg.Buffering.IngressQueueMax, Policy: overflowPolicy(cfg.Buffering.OverflowPolicy), Workers: 1,
		},
		EgressQueue: pipeline.QueueConfig{
			Capacity: cfg.Buffering.EgressQueueMax, Policy: overflowPolicy(cfg.Buffering.OverflowPolicy), Workers: 1,
		},
	}
	s.pipeline = pipeline.New(id, pcfg, sessionLog, s.sendFrame)

	_, _, _, acsOutbound := s.pipeline.Buses()
	rfCfg := reformatter.DefaultConfig()
	rfCfg.TextNormalizationEnabled = cfg.TextNormalizationEnabled
	rf := reformatter.New(rfCfg, sessionLog, acsOutbound.Publish)
	s.pipeline.RegisterReformatter(rf.HandleEvent)

	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// CallContext returns the session's connection context, populated once
// the first frame has been processed (spec §3 "Connection Context").
func (s *Session) CallContext() callcontext.CallContext { return s.callCtx }

// Run drives the receive loop until the transport closes or the
// session's context is cancelled; always ends by calling cleanup (spec
// §4.4: "Transport closure causes the loop to exit cleanly; any
// exception triggers cleanup").
func (s *Session) Run() {
	defer s.Cleanup()

	first := true
	for {
		if s.ctx.Err() != nil {
			return
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if err != io.EOF {
				s.log.Infow("session: transport read ended", "error", err.Error())
			}
			return
		}

		frame, err := wire.ParseInbound(raw)
		if err != nil {
			s.log.Warnw("session: inbound parse error, dropping frame", "error", err.Error())
			continue
		}
		s.capture.Capture(s.id, wirecapture.DirectionInbound, frame)

		seq := atomic.AddUint64(&s.seq, 1)

		if first {
			first = false
			if err := s.startPhaseTwo(frame); err != nil {
				s.log.Errorw("session: phase two start failed", "error", err.Error())
				s.sendFatalError(err)
				return
			}
		}

		s.publish(frame, seq)
	}
}

// publish classifies one parsed raw frame and publishes the shape the
// relevant acs_inbound subscriber expects (spec §4.4: "wrap into a
// decoded envelope ... publish to acs_inbound").
func (s *Session) publish(frame *wire.RawInboundFrame, seq uint64) {
	acsInbound, _, _, _ := s.pipeline.Buses()

	switch {
	case frame.Kind == wire.KindAudioData && frame.AudioData != nil:
		acsInbound.Publish(&audio.InboundAudio{
			ParticipantID: frame.AudioData.ParticipantRawID,
			Base64PCM:     frame.AudioData.Data,
			PeerTimestamp: frame.AudioData.Timestamp,
		})
	case frame.Type == wire.KindControlSettings:
		// A hot settings update (Open Question #1 in the grounding
		// ledger): published to acs_inbound's test-settings handler, which
		// records it on the pipeline. It never rebinds the current
		// provider adapter — reconnecting phase-2 mid-call is explicitly
		// out of scope — but PendingProviderOverride lets callers read it.
		s.log.Infow("session: control.test.settings received", "sequence", seq, "provider", frame.Provider)
		acsInbound.Publish(&wire.ControlSettingsUpdate{
			SessionID:           s.id,
			Provider:            frame.Provider,
			TranslationSettings: translationSettingsOf(frame.Metadata),
		})
	default:
		// Every other recognized-but-unhandled kind still reaches
		// acs_inbound as a generic decoded envelope (spec §4.4), so a
		// future subscriber can filter on Type/Payload without the
		// session needing to know about it in advance.
		acsInbound.Publish(&wire.DecodedEnvelope{
			Type:             frame.Type,
			Payload:          frame,
			Sequence:         seq,
			SessionID:        s.id,
			ReceivedAtMonoMs: clockutil.NowMs(),
		})
	}
}

// startPhaseTwo extracts the first message's metadata, resolves the
// provider per the priority chain (spec §4.11), builds the adapter, and
// brings Phase 2 online.
func (s *Session) startPhaseTwo(frame *wire.RawInboundFrame) error {
	s.callCtx = callcontext.FromMetadata(s.id, frame.Metadata)
	if s.callCtx.CallerID != "" || s.callCtx.CorrelationID != "" {
		s.log.Infow("session: connection context resolved", s.callCtx.LogFields()...)
	}

	name := s.selectProvider(frame)
	providerCfg, ok := s.cfg.Providers[name]
	if !ok {
		return corerr.New(corerr.CodeInitFailed, "unknown provider: "+name, nil)
	}

	builder, ok := s.builders[providerCfg.Type]
	if !ok {
		return corerr.New(corerr.CodeInitFailed, "no transport builder for provider type: "+providerCfg.Type, nil)
	}
	transport, err := builder(providerCfg)
	if err != nil {
		return corerr.Wrap(err, "session: build provider transport")
	}

	_, _, providerInbound, _ := s.pipeline.Buses()
	adapter := provider.NewBase(s.id, transport, s.log, s.pipeline.ProviderOutboundTake(), providerInbound.Publish, s.onProviderFatal)

	ctx, cancel := context.WithTimeout(s.ctx, ProviderConnectTimeout)
	defer cancel()
	if err := s.pipeline.StartPhaseTwo(ctx, adapter); err != nil {
		return corerr.New(corerr.CodeProviderUnreachable, "provider connect failed", err)
	}
	s.pipeline.MarkReady()
	return nil
}

// selectProvider implements the priority chain from spec §4.11:
// translation_settings.provider > metadata.provider > legacy feature
// flags > the frame's top-level provider field > config.default_provider.
func (s *Session) selectProvider(frame *wire.RawInboundFrame) string {
	if frame.Metadata != nil {
		if settings, ok := frame.Metadata["translation_settings"].(map[string]interface{}); ok {
			if p, ok := settings["provider"].(string); ok && p != "" {
				return p
			}
		}
		if p, ok := frame.Metadata["provider"].(string); ok && p != "" {
			return p
		}
		if flags, ok := frame.Metadata["feature_flags"].(map[string]interface{}); ok {
			if p, ok := flags["provider"].(string); ok && p != "" {
				return p
			}
		}
	}
	if frame.Provider != "" {
		return frame.Provider
	}
	return s.cfg.DefaultProvider
}

// translationSettingsOf extracts the "translation_settings" sub-object
// out of a frame's metadata, if present.
func translationSettingsOf(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	settings, _ := metadata["translation_settings"].(map[string]interface{})
	return settings
}

// PendingProviderOverride returns the provider recorded by the most
// recent control.test.settings update, if any has arrived. Per spec §9
// Open Question #1 it is never applied to rebind the already-running
// provider adapter within this session.
func (s *Session) PendingProviderOverride() (string, bool) {
	update, ok := s.pipeline.LatestTestSettings()
	if !ok || update.Provider == "" {
		return "", false
	}
	return update.Provider, true
}

func (s *Session) onProviderFatal(code corerr.Code, message string) {
	s.sendFrame(wire.NewErrorFrame(string(code), message))
	s.cancel()
}

func (s *Session) sendFatalError(err error) {
	s.sendFrame(wire.NewErrorFrame(string(corerr.CodeOf(err)), corerr.MessageOf(err)))
}

// sendFrame serializes and writes one outbound frame to the peer; this
// is the function the pipeline's wire-sender handler calls (spec §4.4:
// "subscribe a wire-sender handler to acs_outbound that serializes and
// writes items back to the peer").
func (s *Session) sendFrame(frame wire.OutboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Errorw("session: outbound marshal failed", "error", err.Error())
		return
	}
	s.capture.Capture(s.id, wirecapture.DirectionOutbound, frame)
	if err := s.conn.WriteMessage(textMessageType, data); err != nil {
		s.log.Debugw("session: outbound write failed", "error", err.Error())
	}
}

// Cleanup cancels the session context, runs the pipeline's cleanup, and
// closes the transport. Idempotent (spec §4.3: "remove(id) ... run
// cleanup; idempotent").
func (s *Session) Cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.pipeline.Cleanup()
		_ = s.conn.Close()
		_ = s.capture.Close()
	})
}

// overflowPolicy maps the configuration's string-valued policy name
// onto the bus package's enum, defaulting to drop_oldest (spec §4.11)
// for any unrecognized value.
func overflowPolicy(name string) bus.OverflowPolicy {
	if name == "drop_newest" {
		return bus.DropNewest
	}
	return bus.DropOldest
}
