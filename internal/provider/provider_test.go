package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rapidaai/voicecore/internal/audio"
	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/rapidaai/voicecore/internal/corerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal provider.Transport used to exercise Base's
// worker loops without pulling in the mock package (kept dependency-free
// so provider_test.go only asserts on Base's own orchestration).
type fakeTransport struct {
	mu sync.Mutex

	dialCount int
	failDials int // first N dials fail, then succeed

	// permanentFailAfter, when > 0, makes every dial starting with the
	// (permanentFailAfter+1)'th fail forever — models a provider that
	// connects once and then stops accepting reconnects.
	permanentFailAfter int

	sendErr error
	events  chan Event
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCount++
	if f.permanentFailAfter > 0 && f.dialCount > f.permanentFailAfter {
		return assertErr
	}
	if f.dialCount <= f.failDials {
		return assertErr
	}
	return nil
}

func (f *fakeTransport) SendCommit(ctx context.Context, commit audio.Commit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeTransport) SendCancel(ctx context.Context, responseID, reason string) error {
	return nil
}

func (f *fakeTransport) ReadEvent(ctx context.Context) (Event, bool, error) {
	select {
	case ev := <-f.events:
		return ev, true, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

func (f *fakeTransport) CloseTransport() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

var assertErr = &transportError{"transport write failed"}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }

func TestBase_HappyPathRoundTrip(t *testing.T) {
	tr := newFakeTransport()
	var received []Event
	var mu sync.Mutex

	outbound := make(chan audio.Commit, 4)
	take := func() (audio.Commit, bool) {
		c, ok := <-outbound
		return c, ok
	}

	b := NewBase("sess-1", tr, corelog.NewNop(), take,
		func(ev Event) {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		},
		func(code corerr.Code, message string) {},
	)

	require.NoError(t, b.Start(context.Background()))

	outbound <- audio.Commit{CommitID: "c1", ParticipantID: "p1"}
	tr.events <- Event{Kind: EventKindTextDelta, ParticipantID: "p1", Delta: "hola"}
	tr.events <- Event{Kind: EventKindAudioDone, ResponseID: "c1"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	b.Close()
}

// TestBase_StartRetriesInitialDialThenFails is scenario S6's connect
// path: the initial dial fails every time, Start retries it up to
// MaxReconnectAttempts times, and finally returns an error without ever
// starting the egress/ingress workers.
func TestBase_StartRetriesInitialDialThenFails(t *testing.T) {
	tr := newFakeTransport()
	tr.failDials = 1000 // every dial attempt fails

	outbound := make(chan audio.Commit, 4)
	take := func() (audio.Commit, bool) {
		c, ok := <-outbound
		return c, ok
	}

	b := NewBase("sess-1", tr, corelog.NewNop(), take,
		func(ev Event) {},
		func(code corerr.Code, message string) {},
	).WithBackOffFactory(func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Millisecond
		eb.MaxInterval = 5 * time.Millisecond
		return eb
	})

	err := b.Start(context.Background())
	require.Error(t, err)

	tr.mu.Lock()
	dialCount := tr.dialCount
	tr.mu.Unlock()
	assert.Equal(t, MaxReconnectAttempts+1, dialCount, "initial attempt plus 5 retries")
}

// TestBase_ReconnectThenFatal is scenario S6's mid-call path: the
// initial dial succeeds (Start returns normally), but every dial
// attempted by a later reconnect fails, and the adapter reports fatal
// exactly once, after reconnect exhausts MaxReconnectAttempts.
func TestBase_ReconnectThenFatal(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = assertErr
	tr.permanentFailAfter = 1 // the initial dial succeeds; every reconnect dial fails

	outbound := make(chan audio.Commit, 4)
	take := func() (audio.Commit, bool) {
		c, ok := <-outbound
		return c, ok
	}

	var fatalCount int
	var mu sync.Mutex
	b := NewBase("sess-1", tr, corelog.NewNop(), take,
		func(ev Event) {},
		func(code corerr.Code, message string) {
			mu.Lock()
			fatalCount++
			mu.Unlock()
		},
	).WithBackOffFactory(func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Millisecond
		eb.MaxInterval = 5 * time.Millisecond
		return eb
	})

	require.NoError(t, b.Start(context.Background()))
	outbound <- audio.Commit{CommitID: "c1", ParticipantID: "p1"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatalCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, tr.closed)
}
