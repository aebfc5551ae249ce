package rabbit

import "time"

// Event kinds as reported by Event.Kind.
const (
	KindStateChanged     = "connection_state_changed"
	KindMessagePublished = "message_published"
	KindMessageReceived  = "message_received"
	KindMessageAcked     = "message_acked"
	KindMessageNacked    = "message_nacked"
)

// Event is emitted by the Manager and the engines to a Sink.
type Event interface {
	Kind() string
	Time() time.Time
}

// StateChanged reports a Manager state transition. Err is the cause of
// transitions into Disconnected or Degraded.
type StateChanged struct {
	At   time.Time
	From ConnectionState
	To   ConnectionState
	Err  error
}

func (e StateChanged) Kind() string    { return KindStateChanged }
func (e StateChanged) Time() time.Time { return e.At }

// MessagePublished reports the outcome of one publish.
type MessagePublished struct {
	At     time.Time
	Target Target
	Result PublishResult
}

func (e MessagePublished) Kind() string    { return KindMessagePublished }
func (e MessagePublished) Time() time.Time { return e.At }

// MessageReceived is emitted before a delivery is handed to the handler.
type MessageReceived struct {
	At      time.Time
	Message InboundMessage
}

func (e MessageReceived) Kind() string    { return KindMessageReceived }
func (e MessageReceived) Time() time.Time { return e.At }

// MessageAcked reports a successful basic.ack.
type MessageAcked struct {
	At          time.Time
	Queue       string
	Session     uint64
	DeliveryTag uint64
}

func (e MessageAcked) Kind() string    { return KindMessageAcked }
func (e MessageAcked) Time() time.Time { return e.At }

// MessageNacked reports a successful basic.nack. Err is the handler error, or
// the cancellation cause for deliveries returned during shutdown.
type MessageNacked struct {
	At          time.Time
	Queue       string
	Session     uint64
	DeliveryTag uint64
	Requeue     bool
	Err         error
}

func (e MessageNacked) Kind() string    { return KindMessageNacked }
func (e MessageNacked) Time() time.Time { return e.At }
