package queue

import (
	"errors"
	"fmt"
)

// ErrConsumerClosed is returned by Run after Close.
var ErrConsumerClosed = errors.New("consumer closed")

// PublishError reports a message the broker did not acknowledge in time.
type PublishError struct {
	Topic string
	Key   string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s (key %q): %v", e.Topic, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// HandlerError reports a message whose handler kept failing.
type HandlerError struct {
	Topic     string
	Partition int
	Offset    int64
	Attempt   int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s[%d]@%d attempt %d: %v", e.Topic, e.Partition, e.Offset, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
