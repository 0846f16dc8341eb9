package consumer

import (
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The event goes to
// the dead-letter sink on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || envelope.IsPermanent(err) || errors.Is(err, ErrHandlerNotRegistered)
}

// HandlerError is a failed handler attempt.
type HandlerError struct {
	EventID   string
	EventType string
	Attempt   int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s %s (attempt %d): %v", e.EventType, e.EventID, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
