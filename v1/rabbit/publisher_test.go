package rabbit

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryOutcomeString(t *testing.T) {
	assert.Equal(t, "confirmed", Confirmed.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "connection_lost", ConnectionLost.String())
	assert.Equal(t, "unknown", DeliveryOutcome(9).String())
}

func TestPublishThreeMessagesConfirmedInSequenceOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Target.Declare = true
	m, broker, recorder := newTestManager(t, cfg)
	p := NewPublisher(m, cfg.Publish)

	for i := 0; i < 3; i++ {
		result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("hello")})
		require.NoError(t, err)
		assert.Equal(t, Confirmed, result.Outcome)
		assert.NoError(t, result.Err)
		assert.Equal(t, uint64(i+1), result.Sequence)
		assert.Equal(t, uint64(1), result.Session)
		assert.NotEmpty(t, result.MessageID)
		assert.Equal(t, 5, result.Size)
	}

	published := recorder.Published()
	require.Len(t, published, 3)
	for i, event := range published {
		assert.Equal(t, Confirmed, event.Result.Outcome)
		assert.Equal(t, uint64(i+1), event.Result.Sequence)
		assert.Equal(t, "ex1", event.Target.ExchangeName)
		assert.Equal(t, "rk1", event.Target.RoutingKey)
	}

	for _, pub := range broker.latest(t).publishes() {
		assert.Equal(t, "ex1", pub.exchange)
		assert.Equal(t, "rk1", pub.key)
		assert.True(t, pub.mandatory)
		assert.Equal(t, amqp.Persistent, pub.publishing.DeliveryMode)
		assert.Equal(t, DefaultContentType, pub.publishing.ContentType)
		assert.False(t, pub.publishing.Timestamp.IsZero())
	}
}

func TestPublishBatchReportsOneOutcomePerMessage(t *testing.T) {
	for _, n := range []int{0, 1, 25} {
		t.Run("", func(t *testing.T) {
			cfg := testConfig()
			m, broker, recorder := newTestManager(t, cfg)
			_, err := m.EnsureReady(context.Background())
			require.NoError(t, err)
			broker.setHoldConfirms(true)
			p := NewPublisher(m, cfg.Publish)

			msgs := make([]OutboundMessage, n)
			for i := range msgs {
				msgs[i] = OutboundMessage{Body: []byte{byte(i)}, CorrelationID: "batch"}
			}

			done := make(chan []PublishResult, 1)
			go func() {
				results, err := p.PublishBatch(context.Background(), cfg.Target, msgs)
				assert.NoError(t, err)
				done <- results
			}()

			ch := broker.latest(t)
			require.Eventually(t, func() bool { return ch.publishedCount() == n }, 2*time.Second, time.Millisecond)
			ch.confirmAll(true)

			results := <-done
			require.Len(t, results, n)

			published := recorder.Published()
			require.Len(t, published, n)
			seen := make(map[uint64]bool, n)
			for _, event := range published {
				assert.Equal(t, Confirmed, event.Result.Outcome)
				assert.False(t, seen[event.Result.Sequence], "sequence %d reported twice", event.Result.Sequence)
				seen[event.Result.Sequence] = true
			}
			for i, r := range results {
				assert.Equal(t, uint64(i+1), r.Sequence, "results are in send order")
				assert.Equal(t, "batch", r.CorrelationID)
			}
		})
	}
}

func TestPublishConcurrentCallers(t *testing.T) {
	cfg := testConfig()
	m, broker, recorder := newTestManager(t, cfg)
	p := NewPublisher(m, cfg.Publish)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
			assert.NoError(t, err)
			assert.Equal(t, Confirmed, result.Outcome)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, broker.latest(t).publishedCount())
	seen := make(map[uint64]bool)
	for _, event := range recorder.Published() {
		seen[event.Result.Sequence] = true
	}
	assert.Len(t, seen, 20)
}

func TestPublishNackIsRejected(t *testing.T) {
	cfg := testConfig()
	m, broker, _ := newTestManager(t, cfg)
	broker.nackConfirms = true
	p := NewPublisher(m, cfg.Publish)

	result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrMessageNacked)
}

func TestPublishUnroutableIsRejected(t *testing.T) {
	cfg := testConfig()
	m, broker, _ := newTestManager(t, cfg)
	broker.unroutable["rk1"] = true
	p := NewPublisher(m, cfg.Publish)

	result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrMessageReturned)

	other := cfg.Target
	other.RoutingKey = "routable"
	result, err = p.Publish(context.Background(), other, OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, Confirmed, result.Outcome)
}

func TestPublishConfirmTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Publish.ConfirmTimeout = 30 * time.Millisecond
	m, broker, recorder := newTestManager(t, cfg)
	broker.setHoldConfirms(true)
	p := NewPublisher(m, cfg.Publish)

	result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, TimedOut, result.Outcome)

	var timeout *ConfirmTimeoutError
	require.ErrorAs(t, result.Err, &timeout)
	assert.Equal(t, uint64(1), timeout.Sequence)
	assert.Equal(t, 30*time.Millisecond, timeout.Timeout)
	require.Len(t, recorder.Published(), 1)
}

func TestPublishConnectionDropBeforeConfirm(t *testing.T) {
	cfg := testConfig()
	m, broker, recorder := newTestManager(t, cfg)
	_, err := m.EnsureReady(context.Background())
	require.NoError(t, err)
	broker.setHoldConfirms(true)
	p := NewPublisher(m, cfg.Publish)

	done := make(chan PublishResult, 1)
	go func() {
		result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
		assert.NoError(t, err)
		done <- result
	}()

	ch := broker.latest(t)
	require.Eventually(t, func() bool { return ch.publishedCount() == 1 }, 2*time.Second, time.Millisecond)
	broker.connection(0).drop()

	var result PublishResult
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not resolve after the drop")
	}
	assert.Equal(t, ConnectionLost, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrConnectionLost)
	assert.Equal(t, uint64(1), result.Sequence)

	require.Eventually(t, func() bool {
		return recoveredAfterDegraded(transitions(recorder.States()))
	}, 2*time.Second, time.Millisecond, "no Ready after Degraded in %v", transitions(recorder.States()))
	assert.Equal(t, Ready, m.State())

	published := recorder.Published()
	require.Len(t, published, 1)
	assert.Equal(t, ConnectionLost, published[0].Result.Outcome)

	// The new channel starts its own sequence.
	broker.setHoldConfirms(false)
	result, err = p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("y")})
	require.NoError(t, err)
	assert.Equal(t, Confirmed, result.Outcome)
	assert.Equal(t, uint64(2), result.Session)
	assert.Equal(t, uint64(1), result.Sequence)
}

func TestPublishSendFailureIsConnectionLost(t *testing.T) {
	cfg := testConfig()
	m, broker, _ := newTestManager(t, cfg)
	broker.publishErr = amqp.ErrClosed
	p := NewPublisher(m, cfg.Publish)

	result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, ConnectionLost, result.Outcome)
	assert.Equal(t, uint64(0), result.Sequence, "never reached the wire")
	assert.ErrorIs(t, result.Err, amqp.ErrClosed)
}

func TestPublishChannelExceptionEndsBatch(t *testing.T) {
	cfg := testConfig()
	m, broker, recorder := newTestManager(t, cfg)
	_, err := m.EnsureReady(context.Background())
	require.NoError(t, err)
	broker.setHoldConfirms(true)
	p := NewPublisher(m, cfg.Publish)

	type batch struct {
		results []PublishResult
		err     error
	}
	done := make(chan batch, 1)
	go func() {
		results, err := p.PublishBatch(context.Background(), cfg.Target, []OutboundMessage{{Body: []byte("a")}, {Body: []byte("b")}})
		done <- batch{results: results, err: err}
	}()

	ch := broker.latest(t)
	require.Eventually(t, func() bool { return ch.publishedCount() == 2 }, 2*time.Second, time.Millisecond)
	ch.shutdown(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange 'ex1' in vhost '/'", Server: true})

	var got batch
	select {
	case got = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("batch did not end after the channel exception")
	}

	var protocolErr *ProtocolError
	require.ErrorAs(t, got.err, &protocolErr)
	assert.Equal(t, "publish", protocolErr.Op)
	assert.Equal(t, amqp.NotFound, protocolErr.Code)
	assert.ErrorIs(t, got.err, ErrNotFound)
	assert.True(t, IsTerminal(got.err))

	require.Len(t, got.results, 2)
	for _, result := range got.results {
		assert.Equal(t, Rejected, result.Outcome)
		assert.ErrorAs(t, result.Err, &protocolErr)
	}
	assert.Len(t, recorder.Published(), 2)

	// The Manager still recovers for later operations.
	require.Eventually(t, func() bool {
		return recoveredAfterDegraded(transitions(recorder.States()))
	}, 2*time.Second, time.Millisecond)
}

func TestPublishSingleChannelException(t *testing.T) {
	cfg := testConfig()
	m, broker, _ := newTestManager(t, cfg)
	_, err := m.EnsureReady(context.Background())
	require.NoError(t, err)
	broker.setHoldConfirms(true)
	p := NewPublisher(m, cfg.Publish)

	type outcome struct {
		result PublishResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
		done <- outcome{result: result, err: err}
	}()

	ch := broker.latest(t)
	require.Eventually(t, func() bool { return ch.publishedCount() == 1 }, 2*time.Second, time.Millisecond)
	ch.shutdown(&amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - write access to exchange 'ex1' refused", Server: true})

	got := <-done
	var protocolErr *ProtocolError
	require.ErrorAs(t, got.err, &protocolErr)
	assert.Equal(t, amqp.AccessRefused, protocolErr.Code)
	assert.Equal(t, Rejected, got.result.Outcome)
	assert.Equal(t, uint64(1), got.result.Sequence)
}

func TestPublishLostConfirmKeepsCloseReason(t *testing.T) {
	cfg := testConfig()
	m, broker, _ := newTestManager(t, cfg)
	_, err := m.EnsureReady(context.Background())
	require.NoError(t, err)
	broker.setHoldConfirms(true)
	p := NewPublisher(m, cfg.Publish)

	done := make(chan PublishResult, 1)
	go func() {
		result, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
		assert.NoError(t, err)
		done <- result
	}()

	ch := broker.latest(t)
	require.Eventually(t, func() bool { return ch.publishedCount() == 1 }, 2*time.Second, time.Millisecond)
	ch.shutdown(&amqp.Error{Code: amqp.InternalError, Reason: "INTERNAL_ERROR", Server: true})

	result := <-done
	assert.Equal(t, ConnectionLost, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrConnectionLost)
	assert.ErrorContains(t, result.Err, "INTERNAL_ERROR")
}

// recoveredAfterDegraded reports whether a connecting->ready transition
// follows a ready->degraded one.
func recoveredAfterDegraded(states []string) bool {
	degraded := false
	for _, s := range states {
		switch {
		case s == "ready->degraded":
			degraded = true
		case s == "connecting->ready" && degraded:
			return true
		}
	}
	return false
}

func TestPublishCancelled(t *testing.T) {
	cfg := testConfig()
	m, _, recorder := newTestManager(t, cfg)
	p := NewPublisher(m, cfg.Publish)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Publish(ctx, cfg.Target, OutboundMessage{Body: []byte("x")})
	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.False(t, IsTerminal(err))
	assert.Empty(t, recorder.Published())
}

func TestPublishNotReady(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.MaxRetries = -1
	cfg.Publish.ReadyTimeout = 30 * time.Millisecond
	m, broker, _ := newTestManager(t, cfg)
	broker.setFailDials(-1)
	p := NewPublisher(m, cfg.Publish)

	_, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
}

func TestPublishFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.MaxRetries = 0
	m, broker, _ := newTestManager(t, cfg)
	broker.setFailDials(-1)
	p := NewPublisher(m, cfg.Publish)

	_, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
	var fatal *FatalConnectionError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, broker.dialCount())
}

func TestPublishRepeated(t *testing.T) {
	t.Run("fixed count", func(t *testing.T) {
		cfg := testConfig()
		m, broker, _ := newTestManager(t, cfg)
		p := NewPublisher(m, cfg.Publish)

		summary, err := p.PublishRepeated(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")}, 5, 0)
		require.NoError(t, err)
		assert.Equal(t, PublishSummary{Sent: 5, Confirmed: 5}, summary)
		assert.Equal(t, 0, summary.Failed())
		assert.Equal(t, 5, broker.latest(t).publishedCount())
	})

	t.Run("until cancelled", func(t *testing.T) {
		cfg := testConfig()
		m, broker, _ := newTestManager(t, cfg)
		p := NewPublisher(m, cfg.Publish)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := m.EnsureReady(ctx)
		require.NoError(t, err)
		ch := broker.latest(t)
		go func() {
			for ch.publishedCount() < 3 {
				time.Sleep(time.Millisecond)
			}
			cancel()
		}()

		summary, err := p.PublishRepeated(ctx, cfg.Target, OutboundMessage{Body: []byte("x")}, -1, time.Millisecond)
		var cancelled *CancelledError
		require.ErrorAs(t, err, &cancelled)
		assert.GreaterOrEqual(t, summary.Sent, 3)
		assert.Equal(t, summary.Sent, summary.Confirmed)
	})
}

func TestPublishHeadersAndTraceContext(t *testing.T) {
	cfg := testConfig()
	m, broker, _ := newTestManager(t, cfg)
	p := NewPublisher(m, cfg.Publish).WithPropagator(staticPropagator{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})

	_, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{
		Body:          []byte(`{"a":1}`),
		ContentType:   "application/json",
		Headers:       map[string]string{"x-source": "test"},
		CorrelationID: "corr-1",
		MessageID:     "msg-1",
	})
	require.NoError(t, err)

	pubs := broker.latest(t).publishes()
	require.Len(t, pubs, 1)
	pub := pubs[0].publishing
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, "corr-1", pub.CorrelationId)
	assert.Equal(t, "msg-1", pub.MessageId)
	assert.Equal(t, "test", pub.Headers["x-source"])
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", pub.Headers["traceparent"])
}

func TestPublishTransient(t *testing.T) {
	cfg := testConfig()
	cfg.Publish.Persistent = false
	m, broker, _ := newTestManager(t, cfg)
	p := NewPublisher(m, cfg.Publish)

	_, err := p.Publish(context.Background(), cfg.Target, OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, amqp.Transient, broker.latest(t).publishes()[0].publishing.DeliveryMode)
}

// staticPropagator injects a fixed carrier and records extracted carriers in context.
type staticPropagator map[string]string

type carrierKey struct{}

func (s staticPropagator) GetCarrier(context.Context) map[string]string { return s }

func (s staticPropagator) SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context {
	return context.WithValue(ctx, carrierKey{}, carrier)
}
