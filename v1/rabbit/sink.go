package rabbit

import "sync"

// Sink receives engine events. Emit must not block on slow consumers; use
// AsyncSink in front of anything that does I/O.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event Event)

// Emit calls f(event).
func (f SinkFunc) Emit(event Event) { f(event) }

type discardSink struct{}

func (discardSink) Emit(Event) {}

// AsyncSink queues events without bound and hands them to a handler on a
// single goroutine, in emit order.
type AsyncSink struct {
	handler func(Event)

	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewAsyncSink starts the dispatch goroutine. Call Close to flush and stop it.
func NewAsyncSink(handler func(Event)) *AsyncSink {
	s := &AsyncSink{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues event. Events emitted after Close are dropped.
func (s *AsyncSink) Emit(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close delivers every queued event and stops the dispatcher. It is idempotent.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
	<-s.done
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			closed := s.closed
			s.mu.Unlock()

			for _, event := range batch {
				s.handler(event)
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends event.
func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Published returns the recorded MessagePublished events.
func (r *Recorder) Published() []MessagePublished {
	return eventsOf[MessagePublished](r)
}

// Received returns the recorded MessageReceived events.
func (r *Recorder) Received() []MessageReceived {
	return eventsOf[MessageReceived](r)
}

// Acked returns the recorded MessageAcked events.
func (r *Recorder) Acked() []MessageAcked {
	return eventsOf[MessageAcked](r)
}

// Nacked returns the recorded MessageNacked events.
func (r *Recorder) Nacked() []MessageNacked {
	return eventsOf[MessageNacked](r)
}

// States returns the recorded StateChanged events.
func (r *Recorder) States() []StateChanged {
	return eventsOf[StateChanged](r)
}

func eventsOf[T Event](r *Recorder) []T {
	var out []T
	for _, e := range r.Events() {
		if typed, ok := e.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
