package cli

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aleph-Alpha/amqpcli/v1/metrics"
	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
)

// recoveryBuckets span a single quick redial up to a long outage.
var recoveryBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// connectionStates are reset on every transition so that exactly one of them
// reads 1.
var connectionStates = []rabbit.ConnectionState{
	rabbit.Disconnected, rabbit.Connecting, rabbit.Ready, rabbit.Degraded, rabbit.Closing,
}

// eventMetrics turns engine events into Prometheus series and passes every
// event on to next.
type eventMetrics struct {
	next rabbit.Sink

	state     *prometheus.GaugeVec
	published *prometheus.CounterVec
	settled   *prometheus.CounterVec
	recovery  *prometheus.HistogramVec

	mu        sync.Mutex
	lostSince time.Time
}

func newEventMetrics(m metrics.MetricsCollector, next rabbit.Sink) *eventMetrics {
	return &eventMetrics{
		next: next,
		state: m.CreateGauge("connection_state",
			"1 for the current broker connection state, 0 otherwise", []string{"state"}),
		published: m.CreateCounter("messages_published_total",
			"Published messages by delivery outcome", []string{"outcome"}),
		settled: m.CreateCounter("deliveries_settled_total",
			"Consumed deliveries by settlement", []string{"queue", "settlement"}),
		recovery: m.CreateHistogram("connection_recovery_seconds",
			"Time from a lost session until the connection is ready again", nil, recoveryBuckets),
	}
}

func (s *eventMetrics) Emit(event rabbit.Event) {
	switch e := event.(type) {
	case rabbit.StateChanged:
		s.stateChanged(e)
	case rabbit.MessagePublished:
		s.published.WithLabelValues(e.Result.Outcome.String()).Inc()
	case rabbit.MessageAcked:
		s.settled.WithLabelValues(e.Queue, "ack").Inc()
	case rabbit.MessageNacked:
		settlement := "reject"
		if e.Requeue {
			settlement = "requeue"
		}
		s.settled.WithLabelValues(e.Queue, settlement).Inc()
	}

	if s.next != nil {
		s.next.Emit(event)
	}
}

func (s *eventMetrics) stateChanged(e rabbit.StateChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range connectionStates {
		value := 0.0
		if st == e.To {
			value = 1
		}
		s.state.WithLabelValues(st.String()).Set(value)
	}

	switch {
	case e.To == rabbit.Degraded:
		s.lostSince = e.At
	case e.To == rabbit.Ready && !s.lostSince.IsZero():
		s.recovery.WithLabelValues().Observe(e.At.Sub(s.lostSince).Seconds())
		s.lostSince = time.Time{}
	}
}
