package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports a request that was not answered before its deadline
	ErrTimeout = errors.New("queue: request timed out")

	// ErrCapacityExceeded reports a request rejected because too many are outstanding
	ErrCapacityExceeded = errors.New("queue: max pending requests exceeded")

	// ErrShutdown reports work abandoned because the component was stopped
	ErrShutdown = errors.New("queue: component stopped")

	// ErrInterrupted tells a consumer loop to stop without committing the current batch
	ErrInterrupted = errors.New("queue: processing interrupted")
)

// PublishError wraps a broker failure while sending a message.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("queue: publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// HandlerError is the error response produced by a remote request handler.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string {
	return "queue: remote handler failed: " + e.Message
}

// IsRetryable reports whether the caller may resend the same request
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCapacityExceeded) {
		return true
	}
	var pe *PublishError
	return errors.As(err, &pe)
}
