package render

import (
	"context"
	"errors"

	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitUnavailable = 3
	ExitProtocol    = 4
)

// ExitCode maps a command error to the process exit code. Cancellation by the
// user is a clean exit. Messages that were not confirmed are reported per
// message and never reach ExitCode.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		cancelled *rabbit.CancelledError
		fatal     *rabbit.FatalConnectionError
		notReady  *rabbit.NotReadyError
		protocol  *rabbit.ProtocolError
	)
	switch {
	case errors.As(err, &cancelled), errors.Is(err, context.Canceled):
		return ExitOK
	case errors.Is(err, rabbit.ErrInvalidConfig):
		return ExitConfig
	case errors.As(err, &fatal), errors.As(err, &notReady):
		return ExitUnavailable
	case errors.As(err, &protocol):
		return ExitProtocol
	default:
		return ExitFailure
	}
}
