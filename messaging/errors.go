package messaging

import (
	"errors"
	"fmt"
)

var (
	// Connection errors
	ErrNotReady           = errors.New("bendermq: connection not ready")
	ErrClosed             = errors.New("bendermq: connection closed")
	ErrMaxRetriesExceeded = errors.New("bendermq: maximum connection attempts exceeded")
	ErrLinkLoss           = errors.New("bendermq: link to broker lost")
	ErrAccessRefused      = errors.New("bendermq: broker refused credentials")

	// Topology errors
	ErrTopologyConflict = errors.New("bendermq: declaration conflicts with existing entity")

	// Publisher errors
	ErrPublishTimeout = errors.New("bendermq: publish retry budget exhausted")

	// Consumer errors
	ErrAlreadySettled = errors.New("bendermq: delivery already acknowledged or rejected")
	ErrNilHandler     = errors.New("bendermq: subscription requires a handler")
)

// ConnectionError records a failed connection-level operation.
type ConnectionError struct {
	Op       string // Operation that failed
	Attempts int    // Number of attempts made
	Err      error  // Underlying error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("bendermq: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("bendermq: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TopologyError records a failed declaration.
type TopologyError struct {
	Component string // exchange, queue, or binding
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("bendermq: failed to %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether retrying the declaration can help. Conflicts
// are caller configuration errors and never retried.
func (e *TopologyError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrTopologyConflict)
}

// PublishError records a failed publish, including how many attempts the
// retry budget allowed.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Attempts   int
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("bendermq: publish to %s/%s failed after %d attempts: %v",
		e.Exchange, e.RoutingKey, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError records a failed subscription operation.
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("bendermq: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// HandlerPanicError reports a consumer handler that panicked. The delivery
// is rejected with requeue and the error is passed to the error observer.
type HandlerPanicError struct {
	Queue string
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("bendermq: handler panicked on queue %s: %v", e.Queue, e.Value)
}

// IsLinkLoss reports whether err indicates the physical link to the broker
// went away mid-operation.
func IsLinkLoss(err error) bool {
	return errors.Is(err, ErrLinkLoss)
}

// IsRetryable classifies an error for the retry loops. Configuration and
// terminal errors are never retried; link loss and not-ready are always
// retried; everything else defaults to retryable, matching the connect
// loop's treatment of unknown I/O errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrTopologyConflict),
		errors.Is(err, ErrAccessRefused),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrLinkLoss), errors.Is(err, ErrNotReady):
		return true
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}
