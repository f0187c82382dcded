package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/rapidaai/voicecore/internal/corelog"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one item drained from a subscriber's queue. It
// must never panic the process; the worker shell recovers and logs any
// panic, then continues (spec §4.2).
type HandlerFunc func(item interface{})

// handler is one append-only registration on a Bus.
type handler struct {
	name    string
	queue   *BoundedQueue
	workers int
	fn      HandlerFunc
}

// Bus is a named fan-out publisher. Each subscriber registers with its
// own Bounded Queue and one or more workers draining that queue into a
// handler function. Publishing enqueues into every subscriber's queue
// independently; overflow is per-subscriber and never blocks Publish.
type Bus struct {
	name   string
	log    corelog.Logger
	cancel context.CancelFunc
	ctx    context.Context
	group  *errgroup.Group

	// handlers is append-only and only ever read/appended from the
	// owning goroutine during pipeline staged startup, so no lock is
	// required for the common case; Subscribe still guards against
	// duplicate names defensively.
	handlers []*handler
}

// NewBus constructs an empty bus with the given name, used in log lines
// to identify which of the four per-session buses an event belongs to.
func NewBus(name string, log corelog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Bus{
		name:   name,
		log:    log,
		ctx:    gctx,
		cancel: cancel,
		group:  group,
	}
}

// Name returns the bus's name (e.g. "acs_inbound").
func (b *Bus) Name() string { return b.name }

// Subscribe appends a new handler registration. Fails (returns false) if
// name is already registered. Starts `workers` worker goroutines, each
// looping: item, ok := queue.Take(); if !ok return; fn(item).
func (b *Bus) Subscribe(name string, capacity int, policy OverflowPolicy, workers int, fn HandlerFunc) bool {
	for _, h := range b.handlers {
		if h.name == name {
			return false
		}
	}
	if workers < 1 {
		workers = 1
	}
	h := &handler{
		name:    name,
		queue:   NewBoundedQueue(capacity, policy),
		workers: workers,
		fn:      fn,
	}
	b.handlers = append(b.handlers, h)

	for i := 0; i < workers; i++ {
		b.group.Go(func() error {
			b.runWorker(h)
			return nil
		})
	}
	return true
}

// RegisterQueueOnly registers a named Bounded Queue on the bus with no
// draining worker of its own — used when the consumer is an external
// loop that calls queue.Take() directly rather than a HandlerFunc (e.g.
// a provider adapter's egress worker draining provider_outbound; spec
// §4.7). Fails (returns nil) if name is already registered.
func (b *Bus) RegisterQueueOnly(name string, capacity int, policy OverflowPolicy) *BoundedQueue {
	for _, h := range b.handlers {
		if h.name == name {
			return nil
		}
	}
	h := &handler{
		name:  name,
		queue: NewBoundedQueue(capacity, policy),
	}
	b.handlers = append(b.handlers, h)
	return h.queue
}

// runWorker is the per-worker loop: take an item, invoke the handler
// under panic recovery, and never die. A handler panic is logged with
// correlation (bus + handler name) and the worker continues draining.
func (b *Bus) runWorker(h *handler) {
	for {
		item, ok := h.queue.Take()
		if !ok {
			return
		}
		b.invoke(h, item)
	}
}

func (b *Bus) invoke(h *handler, item interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("bus handler panic recovered",
				"bus", b.name, "handler", h.name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	h.fn(item)
}

// Publish enqueues item onto every registered handler's queue. Order
// between handlers is not guaranteed; order within one handler's queue
// matches publish order (FIFO). Publish never blocks on a full queue —
// overflow policy applies and is logged.
func (b *Bus) Publish(item interface{}) {
	for _, h := range b.handlers {
		result := h.queue.Put(item)
		switch result {
		case DroppedNew:
			b.log.Warnw("bus queue overflow, dropped newest",
				"bus", b.name, "handler", h.name, "policy", "drop_newest")
		case DroppedOld:
			b.log.Warnw("bus queue overflow, dropped oldest",
				"bus", b.name, "handler", h.name, "policy", "drop_oldest")
		}
	}
}

// Handler looks up a registered handler's queue by name, used by the
// pipeline actuator to reach into acs_outbound's wire-sender queue for
// drop_outbound_audio (spec §4.5).
func (b *Bus) Handler(name string) (queue *BoundedQueue, ok bool) {
	for _, h := range b.handlers {
		if h.name == name {
			return h.queue, true
		}
	}
	return nil, false
}

// Shutdown closes every handler's queue and awaits worker termination
// with a deadline; workers still running after the deadline are
// abandoned (their goroutines exit once the queue drains or the process
// ends — Go has no forced-cancellation of a blocked goroutine, so the
// "force-cancel" in spec §4.2/§7 is realized by closing the queue, which
// unblocks Take immediately; a handler function itself ignoring context
// is a handler bug, not a bus one).
func (b *Bus) Shutdown(deadline time.Duration) {
	for _, h := range b.handlers {
		h.queue.Close()
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		_ = b.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		b.log.Warnw("bus shutdown deadline exceeded, abandoning workers", "bus", b.name)
	}
}
