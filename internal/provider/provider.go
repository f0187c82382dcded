// Package provider implements the Provider Adapter contract (spec §4.7):
// the boundary between the neutral session/pipeline core and whatever
// external translation backend a session is configured to use.
//
// Grounded on the teacher's baseStreamer split (base_streamer.go):
// transport-agnostic buffering/channel plumbing lives in one place, and
// concrete transports embed it and only implement their own I/O. Here
// Base owns the egress/ingress worker lifecycle, reconnect, and neutral
// event normalization; a concrete Transport plugs in the actual
// provider-specific encode/decode/dial calls.
package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/rapidaai/voicecore/internal/corerr"
)

// MaxReconnectAttempts caps the egress worker's exponential-backoff
// reconnect loop (spec §4.7: "capped at 5 attempts").
const MaxReconnectAttempts = 5

// Event is the neutral shape every provider frame is normalized into
// before it reaches provider_inbound (spec §4.7).
type Event struct {
	Kind string // one of the EventKind* constants

	ParticipantID  string
	Delta          string
	ResponseID     string
	AudioBase64    string
	SampleRateHz   int
	ErrorCode      string
	ErrorMessage   string
}

const (
	EventKindTextDelta         = "provider.text.delta"
	EventKindTextDone          = "provider.text.done"
	EventKindAudioDelta        = "provider.audio.delta"
	EventKindAudioDone         = "provider.audio.done"
	EventKindResponseCancelled = "provider.response.cancelled"
	EventKindError             = "provider.error"
)

// Adapter is the contract every provider implementation satisfies
// (spec §4.7, §6.2).
type Adapter interface {
	// Start opens the connection and spawns the egress/ingress workers.
	// Returns once the connection is established or permanently failed.
	Start(ctx context.Context) error
	// Cancel sends the provider's cancel message for an in-flight
	// response. Safe to call concurrently with egress writes.
	Cancel(responseID, reason string)
	// Close stops both workers with a deadline, closes the transport,
	// and releases resources. Idempotent.
	Close()
}

// Transport is the provider-specific half of the contract: actual
// dialing, wire encode/decode, and session-configure message
// construction. Base drives it; concrete providers (mock, cloud SDKs)
// only implement this.
type Transport interface {
	// Dial opens the underlying connection (e.g. a WebSocket) and sends
	// any provider-specific session-configure message derived from the
	// session's metadata/translation_settings.
	Dial(ctx context.Context) error
	// SendCommit encodes one audio-batcher commit into the provider's
	// wire format and writes it (audio-append + audio-commit, at
	// minimum).
	SendCommit(ctx context.Context, commit audio.Commit) error
	// SendCancel encodes and writes the provider's cancel message.
	SendCancel(ctx context.Context, responseID, reason string) error
	// ReadEvent blocks for the next provider frame and normalizes it.
	// Returns (Event{}, false, nil) for a recognized-but-ignorable frame,
	// and a non-nil error only for a transport-level failure (read
	// error, socket closed) that should trigger reconnect/shutdown.
	ReadEvent(ctx context.Context) (Event, bool, error)
	// CloseTransport releases the underlying connection. Idempotent.
	CloseTransport()
}

// Base drives a Transport through the egress/ingress worker lifecycle
// described in spec §4.7. One Base per session-provider binding.
type Base struct {
	sessionID string
	transport Transport
	log       corelog.Logger

	inbound    func(Event)        // publish to provider_inbound
	take       func() (audio.Commit, bool) // provider_outbound.Take()
	onFatal    func(code corerr.Code, message string)

	ctx    context.Context
	cancel context.CancelFunc

	newBackOff func() backoff.BackOff
}

// NewBase constructs a Base. take is the provider_outbound queue's
// Take() method (or an equivalent blocking-dequeue closure); inbound
// publishes a normalized Event onto provider_inbound; onFatal is
// invoked once, at most, when reconnect attempts are exhausted.
func NewBase(
	sessionID string,
	transport Transport,
	log corelog.Logger,
	take func() (audio.Commit, bool),
	inbound func(Event),
	onFatal func(code corerr.Code, message string),
) *Base {
	ctx, cancel := context.WithCancel(context.Background())
	return &Base{
		sessionID: sessionID,
		transport: transport,
		log:       log,
		inbound:   inbound,
		take:      take,
		onFatal:   onFatal,
		ctx:       ctx,
		cancel:    cancel,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// WithBackOffFactory overrides the exponential-backoff construction
// used by reconnect. Exposed for tests that need the reconnect loop to
// run on a compressed timescale; production callers should leave the
// default exponential backoff in place.
func (b *Base) WithBackOffFactory(factory func() backoff.BackOff) *Base {
	b.newBackOff = factory
	return b
}

// Start implements Adapter. The initial dial is retried up to
// MaxReconnectAttempts times with exponential backoff, bounded by ctx
// (spec §4.7/§7 scenario S6: "Configure a provider that fails to
// connect ... after 5 retries the session must emit one type=error
// frame").
func (b *Base) Start(ctx context.Context) error {
	if !b.dialWithRetry(ctx) {
		return corerr.New(corerr.CodeProviderUnreachable, "provider dial failed after exhausting retries", nil)
	}
	go b.runEgress()
	go b.runIngress()
	return nil
}

// Cancel implements Adapter.
func (b *Base) Cancel(responseID, reason string) {
	if err := b.transport.SendCancel(b.ctx, responseID, reason); err != nil {
		b.log.Warnw("provider cancel send failed",
			"session_id", b.sessionID, "response_id", responseID, "error", err.Error())
	}
}

// Close implements Adapter. Idempotent: cancelling an already-cancelled
// context and closing an already-closed transport are both no-ops by
// construction (transport.CloseTransport is documented idempotent).
func (b *Base) Close() {
	b.cancel()
	b.transport.CloseTransport()
}

// runEgress loops take() on provider_outbound and writes commits to the
// transport. A write failure triggers reconnect with exponential
// backoff capped at MaxReconnectAttempts; exhausting the cap closes the
// adapter and reports a fatal error via onFatal (spec §4.7).
func (b *Base) runEgress() {
	for {
		commit, ok := b.take()
		if !ok {
			return // provider_outbound closed: session is shutting down
		}
		if err := b.transport.SendCommit(b.ctx, commit); err != nil {
			if !b.reconnect() {
				b.fatal(corerr.CodeProviderFatal, "provider egress exhausted reconnect attempts")
				return
			}
		}
	}
}

// runIngress reads provider frames and republishes them as neutral
// events on provider_inbound (spec §4.7). A read error is treated the
// same as an egress write failure: reconnect, then fatal on exhaustion.
func (b *Base) runIngress() {
	for {
		ev, ok, err := b.transport.ReadEvent(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return // shutting down: not a real failure
			}
			if !b.reconnect() {
				b.fatal(corerr.CodeProviderFatal, "provider ingress exhausted reconnect attempts")
				return
			}
			continue
		}
		if !ok {
			continue // recognized-but-ignorable frame
		}
		b.log.Debugw("provider event",
			"session_id", b.sessionID, "kind", ev.Kind, "response_id", ev.ResponseID)
		b.inbound(ev)
	}
}

// reconnect re-dials the transport with exponential backoff, capped at
// MaxReconnectAttempts (spec §4.7). Used after Start has already
// succeeded, so it runs against the adapter's own long-lived context
// rather than the caller's connect-timeout-bound one. Returns false once
// the cap is exhausted without a successful dial.
func (b *Base) reconnect() bool {
	return b.dialWithRetry(b.ctx)
}

// dialWithRetry attempts transport.Dial, retrying up to
// MaxReconnectAttempts times with exponential backoff. ctx bounds both
// the dial calls and the retry loop itself (backoff.Retry gives up once
// ctx is done, surfaced via backoff.Permanent). Returns false once the
// cap is exhausted without a successful dial.
func (b *Base) dialWithRetry(ctx context.Context) bool {
	policy := backoff.WithMaxRetries(b.newBackOff(), MaxReconnectAttempts)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		derr := b.transport.Dial(ctx)
		if derr != nil {
			b.log.Warnw("provider dial attempt failed",
				"session_id", b.sessionID, "attempt", attempt, "error", derr.Error())
		}
		return derr
	}, policy)
	return err == nil
}

func (b *Base) fatal(code corerr.Code, message string) {
	b.log.Errorw("provider adapter fatal", "session_id", b.sessionID, "code", string(code), "message", message)
	if b.onFatal != nil {
		b.onFatal(code, message)
	}
	b.Close()
}

// receiveTimeout is a 30-second bound for one ReadEvent poll. No
// Transport in this module reads it: provider/mock's ReadEvent returns
// on its next event or on ctx.Done(), and an ingress read ends during
// shutdown because Base.Close cancels the context it reads with.
const receiveTimeout = 30 * time.Second
