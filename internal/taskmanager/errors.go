package taskmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTask is returned by Publish for malformed requests.
	ErrInvalidTask = errors.New("invalid task")
	// ErrBrokerUnavailable is returned by Publish when the task row was written
	// but the worker notification could not be sent. Polling still picks it up.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrSkippableItem marks an item failure that must not abort the task.
	ErrSkippableItem = errors.New("skippable item error")
	// ErrUnknownKind ...
	ErrUnknownKind = errors.New("no handler registered for task kind")
	// ErrRuntimeStarted ...
	ErrRuntimeStarted = errors.New("runtime already started")
	// ErrTaskCanceled is the cancellation cause of a task canceled by a client.
	ErrTaskCanceled = errors.New("task canceled")
	// ErrLeaseLost is the cancellation cause when the runtime lost its claim.
	ErrLeaseLost = errors.New("task lease lost")
	// ErrItemOutOfOrder ...
	ErrItemOutOfOrder = errors.New("work item processed out of order")
)

type skippableError struct {
	err error
}

func (e *skippableError) Error() string {
	return e.err.Error()
}

func (e *skippableError) Unwrap() []error {
	return []error{ErrSkippableItem, e.err}
}

// SkipItem marks err as skippable for the default classifier.
func SkipItem(err error) error {
	if err == nil {
		return nil
	}
	return &skippableError{err: err}
}

// Classifier reports whether an item error is skippable.
type Classifier func(error) bool

// DefaultClassifier treats errors wrapping ErrSkippableItem as skippable.
func DefaultClassifier(err error) bool {
	return errors.Is(err, ErrSkippableItem)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}
