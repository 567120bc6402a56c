package worker

import (
	"errors"
	"fmt"
)

// InputError is a problem with the job itself, detected before any repository call.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// TransportError wraps a non-recoverable failure talking to the repository host.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("Failed to fetch repository data: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errPanic marks failures recovered from a panic.
var errPanic = errors.New("pipeline panicked")

// failureMessage is the text persisted and published for a failed job.
func failureMessage(err error) string {
	var inputErr *InputError
	var transportErr *TransportError
	switch {
	case errors.As(err, &inputErr):
		return inputErr.Error()
	case errors.As(err, &transportErr):
		return transportErr.Error()
	case errors.Is(err, ErrTreeNotFound):
		return err.Error()
	case errors.Is(err, errPanic):
		return "An unexpected error occurred"
	default:
		return fmt.Sprintf("An unexpected error occurred: %v", err)
	}
}
