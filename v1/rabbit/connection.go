package rabbit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// startReconnectLocked launches the reconnect task unless one is running or
// the Manager is closed or has given up. m.mu must be held.
func (m *Manager) startReconnectLocked(afterLoss bool) {
	if m.reconnecting || m.closed || m.fatal != nil {
		return
	}
	m.reconnecting = true
	m.wg.Add(1)
	go m.reconnect(afterLoss)
}

// reconnect retries attempt with the configured backoff until it succeeds,
// the retry budget is exhausted, a permanent refusal occurs or the Manager
// closes. After a lost session the first attempt waits one base delay.
func (m *Manager) reconnect(afterLoss bool) {
	defer m.wg.Done()
	ctx := m.ctx

	if afterLoss {
		timer := time.NewTimer(m.cfg.Backoff.BaseDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.finishReconnect(ctx.Err(), 0)
			return
		}
	}

	attempts := 0
	operation := func() error {
		attempts++
		_, err := m.attempt(ctx, attempts)
		if err == nil {
			return nil
		}
		if IsPermanentError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		m.logWarn(ctx, "Connection attempt failed, retrying", err, map[string]interface{}{
			"address": m.cfg.Endpoint.Address(),
			"attempt": attempts,
			"delay":   delay.String(),
		})
		m.observeOperation("reconnect", m.cfg.Endpoint.Address(), "", delay, err, 0)
	}

	err := backoff.RetryNotify(operation, newRetryPolicy(ctx, m.cfg.Backoff), notify)
	m.finishReconnect(err, attempts)
}

// finishReconnect records the outcome of a reconnect task. A failure that is
// not caused by Close becomes the terminal *FatalConnectionError.
func (m *Manager) finishReconnect(err error, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnecting = false
	if err == nil || m.closed || m.ctx.Err() != nil {
		return
	}

	m.fatal = &FatalConnectionError{
		Addr:     m.cfg.Endpoint.Address(),
		Attempts: attempts,
		Err:      err,
	}
	var connectErr *ConnectError
	refused := errors.As(err, &connectErr) && connectErr.Permanent()
	m.logError(context.Background(), "Giving up on broker connection", m.fatal, map[string]interface{}{
		"address":  m.cfg.Endpoint.Address(),
		"attempts": attempts,
		"refused":  refused,
	})
	m.state.broadcast()
}

// supervise waits for the connection or channel of sess to close and then
// degrades the Manager.
func (m *Manager) supervise(sess *Session) {
	defer m.wg.Done()

	var cause error
	select {
	case amqpErr, ok := <-sess.connClosed:
		cause = closeCause("connection", amqpErr, ok)
	case amqpErr, ok := <-sess.chClosed:
		cause = closeCause("channel", amqpErr, ok)
	case <-sess.Lost():
		return
	case <-m.ctx.Done():
		return
	}

	m.degrade(sess, cause)
}

// closeCause describes an unexpected close. Broker exceptions such as a
// publish to a missing exchange become a *ProtocolError; everything else is a
// recoverable loss wrapping ErrConnectionLost.
func closeCause(what string, amqpErr *amqp.Error, ok bool) error {
	if ok && amqpErr != nil && isProtocolError(amqpErr) {
		return newProtocolError(what, amqpErr)
	}
	if ok && amqpErr != nil {
		return fmt.Errorf("%w: %s closed: %w", ErrConnectionLost, what, amqpErr)
	}
	return fmt.Errorf("%w: %s closed", ErrConnectionLost, what)
}

// degrade retires sess after an unexpected close and starts recovery.
func (m *Manager) degrade(sess *Session, cause error) {
	m.mu.Lock()
	if m.closed || m.session != sess {
		m.mu.Unlock()
		sess.markLost(cause)
		return
	}
	m.session = nil
	sess.markLost(cause)
	m.lastErr = cause
	m.transitionLocked(Degraded, cause)
	m.startReconnectLocked(true)
	m.mu.Unlock()

	fields := map[string]interface{}{
		"address": m.cfg.Endpoint.Address(),
		"session": sess.id,
	}
	var protocolErr *ProtocolError
	if errors.As(cause, &protocolErr) {
		m.logError(context.Background(), "Broker closed the session with an exception, reconnecting", cause, fields)
	} else {
		m.logWarn(context.Background(), "Broker session lost, reconnecting", cause, fields)
	}
	_ = sess.close()
}
