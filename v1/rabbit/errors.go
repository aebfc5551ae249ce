package rabbit

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Sentinel errors. Typed errors below wrap them where it helps errors.Is.
var (
	// ErrInvalidConfig is wrapped by Config.Validate failures
	ErrInvalidConfig = errors.New("rabbit: invalid configuration")

	// ErrManagerClosed is returned once Close has been called
	ErrManagerClosed = errors.New("rabbit: connection manager closed")

	// ErrConnectionLost is reported when a session disappears under an operation
	ErrConnectionLost = errors.New("rabbit: connection lost")

	// ErrConnectTimeout is returned when a dial does not finish within Endpoint.ConnectTimeout
	ErrConnectTimeout = errors.New("rabbit: connect timeout")

	// ErrAuthenticationFailed is returned when the broker refuses the credentials
	ErrAuthenticationFailed = errors.New("rabbit: authentication failed")

	// ErrAccessDenied is returned when access is denied to a resource
	ErrAccessDenied = errors.New("rabbit: access denied")

	// ErrVirtualHostNotFound is returned when the virtual host does not exist
	ErrVirtualHostNotFound = errors.New("rabbit: virtual host not found")

	// ErrCertificate is returned for TLS certificate verification failures
	ErrCertificate = errors.New("rabbit: certificate error")

	// ErrNotFound is returned when an exchange or queue does not exist
	ErrNotFound = errors.New("rabbit: resource not found")

	// ErrPreconditionFailed is returned when a declaration conflicts with an existing entity
	ErrPreconditionFailed = errors.New("rabbit: precondition failed")

	// ErrResourceLocked is returned when an exclusive resource is held by another connection
	ErrResourceLocked = errors.New("rabbit: resource locked")

	// ErrFrame is returned for frame, syntax and command level protocol violations
	ErrFrame = errors.New("rabbit: protocol violation")

	// ErrMessageNacked is carried by a Rejected outcome when the broker nacks a publish
	ErrMessageNacked = errors.New("rabbit: message nacked by broker")

	// ErrMessageReturned is carried by a Rejected outcome when a mandatory publish is unroutable
	ErrMessageReturned = errors.New("rabbit: message returned by broker")

	// ErrAlreadyConsuming is returned when a second consume loop is started on the same queue
	ErrAlreadyConsuming = errors.New("rabbit: queue already has an active consume loop")

	// ErrSubscriptionCancelled is reported when the broker cancels the consumer
	ErrSubscriptionCancelled = errors.New("rabbit: subscription cancelled by broker")
)

// ConnectError is returned when a single connection attempt fails.
type ConnectError struct {
	Addr      string
	Attempt   int
	Err       error
	Timestamp time.Time
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rabbit: connect to %s failed (attempt %d): %v", e.Addr, e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot help, e.g. refused credentials.
func (e *ConnectError) Permanent() bool { return isPermanentConnectError(e.Err) }

// FatalConnectionError is returned once the reconnect budget is exhausted or a
// permanent refusal ends the reconnect loop. The Manager stays Disconnected.
type FatalConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *FatalConnectionError) Error() string {
	return fmt.Sprintf("rabbit: giving up on %s after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *FatalConnectionError) Unwrap() error { return e.Err }

// NotReadyError is returned when an operation needed a Ready connection and
// none became available within its timeout.
type NotReadyError struct {
	State   ConnectionState
	Timeout time.Duration
	Err     error
}

func (e *NotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rabbit: connection not ready after %s (state %s): %v", e.Timeout, e.State, e.Err)
	}
	return fmt.Sprintf("rabbit: connection not ready after %s (state %s)", e.Timeout, e.State)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

// ConfirmTimeoutError is carried by a TimedOut outcome.
type ConfirmTimeoutError struct {
	Sequence uint64
	Timeout  time.Duration
}

func (e *ConfirmTimeoutError) Error() string {
	return fmt.Sprintf("rabbit: no confirm for sequence %d within %s", e.Sequence, e.Timeout)
}

// ProtocolError is a non-retryable broker refusal. It ends the current operation.
type ProtocolError struct {
	Op     string
	Code   int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rabbit: %s refused by broker (%d %s)", e.Op, e.Code, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CancelledError is returned when the caller's context stopped an operation.
// It is not a failure.
type CancelledError struct {
	Op  string
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("rabbit: %s cancelled: %v", e.Op, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// newProtocolError builds a ProtocolError from an AMQP exception.
func newProtocolError(op string, err error) *ProtocolError {
	pe := &ProtocolError{Op: op, Err: TranslateError(err)}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		pe.Code = amqpErr.Code
		pe.Reason = amqpErr.Reason
	} else {
		pe.Reason = err.Error()
	}
	return pe
}

// TranslateError maps AMQP, TLS and network errors onto the sentinel errors of
// this package. The original error stays in the chain. Unknown errors are
// returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if sentinel := translateAMQPError(amqpErr); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
		return err
	}

	if isCertificateError(err) {
		return fmt.Errorf("%w: %w", ErrCertificate, err)
	}

	return err
}

// translateAMQPError maps AMQP reply codes to sentinel errors.
func translateAMQPError(amqpErr *amqp.Error) error {
	switch amqpErr.Code {
	case amqp.AccessRefused:
		reason := strings.ToLower(amqpErr.Reason)
		if strings.Contains(reason, "username or password") || strings.Contains(reason, "login") ||
			strings.Contains(reason, "sasl") {
			return ErrAuthenticationFailed
		}
		if strings.Contains(reason, "vhost") {
			return ErrVirtualHostNotFound
		}
		return ErrAccessDenied
	case amqp.InvalidPath:
		return ErrVirtualHostNotFound
	case amqp.NotAllowed:
		return ErrAccessDenied
	case amqp.NotFound:
		return ErrNotFound
	case amqp.PreconditionFailed:
		return ErrPreconditionFailed
	case amqp.ResourceLocked:
		return ErrResourceLocked
	case amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid, amqp.UnexpectedFrame, amqp.NotImplemented:
		return ErrFrame
	case amqp.ConnectionForced, amqp.ChannelError, amqp.ResourceError, amqp.InternalError:
		return ErrConnectionLost
	}
	return nil
}

// isPermanentConnectError reports whether a failed dial must not be retried.
func isPermanentConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrVhost) || errors.Is(err, amqp.ErrSASL) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.InvalidPath, amqp.NotAllowed:
			return true
		}
	}
	return isCertificateError(err)
}

// isProtocolError reports whether err is a broker refusal that ends an operation
// instead of triggering recovery: hard protocol violations and the channel
// exceptions raised by referring to missing or conflicting entities.
func isProtocolError(err error) bool {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return false
	}
	switch amqpErr.Code {
	case amqp.NotFound, amqp.AccessRefused, amqp.PreconditionFailed, amqp.ResourceLocked, amqp.NotAllowed,
		amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid, amqp.UnexpectedFrame, amqp.NotImplemented:
		return true
	}
	return false
}

// IsRetryableError reports whether recovering the connection may let the
// failed operation succeed.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if isPermanentConnectError(err) || isProtocolError(err) {
		return false
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) || errors.Is(err, ErrManagerClosed) || errors.Is(err, ErrInvalidConfig) {
		return false
	}
	var fatal *FatalConnectionError
	if errors.As(err, &fatal) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return true
		}
		return false
	}
	return true
}

// IsPermanentError reports whether err must surface to the user without retry.
func IsPermanentError(err error) bool {
	return err != nil && !IsRetryableError(err)
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &verifyErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidErr)
}
