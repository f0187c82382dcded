package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeFailsOnDuplicateName(t *testing.T) {
	b := NewBus("acs_inbound", corelog.NewNop())
	ok := b.Subscribe("h1", 8, DropNewest, 1, func(interface{}) {})
	require.True(t, ok)
	ok = b.Subscribe("h1", 8, DropNewest, 1, func(interface{}) {})
	assert.False(t, ok)
}

func TestBus_PublishDeliversToEachHandlerInFIFOOrder(t *testing.T) {
	b := NewBus("acs_inbound", corelog.NewNop())

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe("recorder", 100, DropNewest, 1, func(item interface{}) {
		mu.Lock()
		got = append(got, item.(int))
		if len(got) == 20 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		b.Publish(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v, "delivery order must equal publish order per-subscriber")
	}
}

func TestBus_HandlerPanicDoesNotKillWorker(t *testing.T) {
	b := NewBus("acs_inbound", corelog.NewNop())
	var processed int64
	done := make(chan struct{})

	b.Subscribe("flaky", 10, DropNewest, 1, func(item interface{}) {
		n := item.(int)
		if n == 1 {
			panic("boom")
		}
		if atomic.AddInt64(&processed, 1) == 2 {
			close(done)
		}
	})

	b.Publish(0)
	b.Publish(1) // panics, worker must survive
	b.Publish(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive handler panic")
	}
	assert.EqualValues(t, 2, atomic.LoadInt64(&processed))
}

// TestBus_SlowConsumerIsolation is scenario S5: a slow handler with a
// small queue and drop_oldest must not delay a fast handler's delivery,
// and its drop counter must account for every item beyond the first
// delivered one.
func TestBus_SlowConsumerIsolation(t *testing.T) {
	b := NewBus("acs_outbound", corelog.NewNop())

	var fastCount int64
	fastDone := make(chan struct{})
	b.Subscribe("wire_sender", 64, DropNewest, 1, func(interface{}) {
		if atomic.AddInt64(&fastCount, 1) == 20 {
			close(fastDone)
		}
	})

	release := make(chan struct{})
	var slowSeen int64
	b.Subscribe("slow", 1, DropOldest, 1, func(interface{}) {
		<-release
		atomic.AddInt64(&slowSeen, 1)
	})
	slowQueue, _ := b.Handler("slow")

	start := time.Now()
	for i := 0; i < 20; i++ {
		b.Publish(i)
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 500*time.Millisecond, "publish must not block on a slow subscriber")

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast handler starved by slow handler")
	}

	close(release)
	_, droppedOldest, accepted := slowQueue.DropCounts()
	assert.EqualValues(t, 19, droppedOldest, "slow handler must drop 19 of 20 items with capacity=1")
	assert.EqualValues(t, 1, accepted)
}

func TestBus_ShutdownClosesQueuesAndAwaitsWorkers(t *testing.T) {
	b := NewBus("provider_inbound", corelog.NewNop())
	var finished int64
	b.Subscribe("h", 8, DropNewest, 2, func(interface{}) {
		atomic.AddInt64(&finished, 1)
	})
	for i := 0; i < 5; i++ {
		b.Publish(i)
	}
	b.Shutdown(time.Second)
	assert.EqualValues(t, 5, atomic.LoadInt64(&finished), "Shutdown must wait for the workers to drain every queued item")
	// Publishing after shutdown must not panic; queues are closed so
	// items are dropped.
	b.Publish(99)
}
