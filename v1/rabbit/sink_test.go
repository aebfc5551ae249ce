package rabbit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncSinkPreservesOrderAndDrainsOnClose(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []uint64
	)
	gate := make(chan struct{})
	sink := NewAsyncSink(func(e Event) {
		<-gate
		mu.Lock()
		seen = append(seen, e.(MessageAcked).DeliveryTag)
		mu.Unlock()
	})

	// Emit must not wait for the slow handler.
	start := time.Now()
	for i := uint64(1); i <= 100; i++ {
		sink.Emit(MessageAcked{At: time.Now(), DeliveryTag: i})
	}
	assert.Less(t, time.Since(start), time.Second)

	close(gate)
	sink.Close()

	require.Len(t, seen, 100)
	for i, tag := range seen {
		assert.Equal(t, uint64(i+1), tag)
	}

	sink.Emit(MessageAcked{DeliveryTag: 101})
	sink.Close()
	assert.Len(t, seen, 100, "events after Close are dropped")
}

func TestSinkFunc(t *testing.T) {
	var got Event
	var sink Sink = SinkFunc(func(e Event) { got = e })

	sink.Emit(StateChanged{From: Disconnected, To: Connecting})
	require.NotNil(t, got)
	assert.Equal(t, KindStateChanged, got.Kind())
}

func TestRecorderFiltersByKind(t *testing.T) {
	r := &Recorder{}
	now := time.Now()
	r.Emit(StateChanged{At: now, From: Disconnected, To: Connecting})
	r.Emit(MessagePublished{At: now, Result: PublishResult{Sequence: 1}})
	r.Emit(MessageReceived{At: now, Message: InboundMessage{DeliveryTag: 4}})
	r.Emit(MessageAcked{At: now, DeliveryTag: 4})
	r.Emit(MessageNacked{At: now, DeliveryTag: 5, Requeue: true})

	assert.Len(t, r.Events(), 5)
	assert.Len(t, r.States(), 1)
	assert.Len(t, r.Published(), 1)
	assert.Len(t, r.Received(), 1)
	assert.Len(t, r.Acked(), 1)
	assert.Len(t, r.Nacked(), 1)

	kinds := []string{}
	for _, e := range r.Events() {
		kinds = append(kinds, e.Kind())
		assert.Equal(t, now, e.Time())
	}
	assert.Equal(t, []string{KindStateChanged, KindMessagePublished, KindMessageReceived, KindMessageAcked, KindMessageNacked}, kinds)
}
