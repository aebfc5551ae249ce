package rabbit

import (
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// returnsBuffer bounds the basic.return backlog of one channel. Returns are
// drained on every publish resolution, so the backlog stays near the number of
// unroutable messages in flight.
const returnsBuffer = 256

// closeCauseWait bounds how long a resolved confirm waits for the supervisor
// to record why its channel closed. amqp091-go nacks pending confirms right
// after notifying close listeners, so the two race.
const closeCauseWait = time.Second

var (
	errStaleDelivery  = errors.New("rabbit: delivery belongs to a lost session")
	errAlreadySettled = errors.New("rabbit: delivery already settled")
)

// Session is one connection plus its confirm-mode channel. Every reconnect
// creates a new Session with a new ID. Delivery tags and publish sequence
// numbers are only meaningful within the Session that issued them.
type Session struct {
	id      uint64
	conn    Connection
	channel Channel

	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
	returns    chan amqp.Return

	lost     chan struct{}
	lostOnce sync.Once

	mu       sync.Mutex
	err      error
	returned map[string]amqp.Return

	settleMu sync.Mutex
	settled  map[uint64]struct{}
}

func newSession(id uint64, conn Connection, ch Channel) *Session {
	s := &Session{
		id:       id,
		conn:     conn,
		channel:  ch,
		lost:     make(chan struct{}),
		settled:  make(map[uint64]struct{}),
		returned: make(map[string]amqp.Return),
	}
	s.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	s.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	s.returns = ch.NotifyReturn(make(chan amqp.Return, returnsBuffer))
	return s
}

// ID returns the session generation number, starting at 1.
func (s *Session) ID() uint64 { return s.id }

// Lost is closed once the session can no longer be used.
func (s *Session) Lost() <-chan struct{} { return s.lost }

// Err returns why the session was lost, nil while it is usable.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) isLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

func (s *Session) markLost(err error) {
	s.lostOnce.Do(func() {
		if err == nil {
			err = ErrConnectionLost
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.lost)
	})
}

// cause returns why the session went away. When the channel is already closed
// but the loss is not recorded yet, it waits up to closeCauseWait for it.
func (s *Session) cause() error {
	if !s.isLost() && !s.channel.IsClosed() {
		return ErrConnectionLost
	}
	timer := time.NewTimer(closeCauseWait)
	defer timer.Stop()
	select {
	case <-s.lost:
		return s.Err()
	case <-timer.C:
		return ErrConnectionLost
	}
}

// protocolError returns the broker exception that closed the session as a
// *ProtocolError for op, or nil when the session was lost for another reason.
func (s *Session) protocolError(op string) *ProtocolError {
	var pe *ProtocolError
	if !errors.As(s.Err(), &pe) {
		return nil
	}
	return &ProtocolError{Op: op, Code: pe.Code, Reason: pe.Reason, Err: pe.Err}
}

// settle runs fn for tag at most once, and never after the session is lost.
func (s *Session) settle(tag uint64, fn func(ch Channel) error) error {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	if s.isLost() {
		return errStaleDelivery
	}
	if _, done := s.settled[tag]; done {
		return errAlreadySettled
	}
	s.settled[tag] = struct{}{}
	return fn(s.channel)
}

// takeReturn reports whether the broker returned the message with messageID.
// The broker sends basic.return before the confirm of the same message, so by
// the time a confirm resolves its return is already buffered.
func (s *Session) takeReturn(messageID string) (amqp.Return, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

drain:
	for {
		select {
		case ret, ok := <-s.returns:
			if !ok {
				break drain
			}
			s.returned[ret.MessageId] = ret
		default:
			break drain
		}
	}

	ret, ok := s.returned[messageID]
	if ok {
		delete(s.returned, messageID)
	}
	return ret, ok
}

// close shuts the channel, then the connection. Errors about already closed
// resources are ignored.
func (s *Session) close() error {
	var errs []error
	if !s.channel.IsClosed() {
		if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
