package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/busbridge/transform"
)

var (
	// ErrClosed is returned by operations on a closed bus and by pending
	// requests interrupted by Close
	ErrClosed = errors.New("busbridge: bus is closed")

	// ErrSlotMaterialized is the panic value of Override on a built slot
	ErrSlotMaterialized = errors.New("busbridge: slot already materialized")

	// ErrDuplicateCorrelationID is returned when a correlation ID is registered twice
	ErrDuplicateCorrelationID = errors.New("busbridge: duplicate correlation id")

	// ErrUnknownCorrelationID is returned when awaiting an ID that was never registered
	ErrUnknownCorrelationID = errors.New("busbridge: unknown correlation id")

	// ErrNoBuilder is returned when a slot has neither builder nor override
	ErrNoBuilder = errors.New("busbridge: no builder for slot")

	// ErrInvalidConfiguration is returned for unusable options
	ErrInvalidConfiguration = errors.New("busbridge: invalid configuration")

	// ErrDropped is returned by Request when a transform dropped the request
	ErrDropped = errors.New("busbridge: request dropped by transform")

	// ErrNoReplyDestination is returned by Reply when the request names no reply destination
	ErrNoReplyDestination = errors.New("busbridge: request has no reply destination")
)

// ResourceBuildError reports a transport resource that could not be built
type ResourceBuildError struct {
	Slot  Slot
	Cause error
}

func (e *ResourceBuildError) Error() string {
	return fmt.Sprintf("busbridge: unable to build %s: %v", e.Slot, e.Cause)
}

func (e *ResourceBuildError) Unwrap() error {
	return e.Cause
}

// ShutdownError aggregates the release failures of Close
type ShutdownError struct {
	Failures []error
}

func (e *ShutdownError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("busbridge: %d release failure(s) during shutdown: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *ShutdownError) Unwrap() []error {
	return e.Failures
}

// ReleaseError is a single slot release failure inside a ShutdownError
type ReleaseError struct {
	Slot Slot
	Err  error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release %s: %v", e.Slot, e.Err)
}

func (e *ReleaseError) Unwrap() error {
	return e.Err
}

// ReplyTimeoutError reports a request whose reply did not arrive in time
type ReplyTimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *ReplyTimeoutError) Error() string {
	return fmt.Sprintf("busbridge: no reply for correlation id %s within %v", e.CorrelationID, e.Timeout)
}

// OperationError wraps a transport failure with the operation context
type OperationError struct {
	Op            string
	CorrelationID string
	Err           error
}

func (e *OperationError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("busbridge: %s failed (correlationId=%s): %v", e.Op, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("busbridge: %s failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether the caller may retry the failed operation.
// Reply timeouts and transform rejections are recoverable, resource build
// failures and closed buses are not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrClosed):
		return false
	case errors.Is(err, ErrDuplicateCorrelationID):
		return false
	}

	var buildErr *ResourceBuildError
	if errors.As(err, &buildErr) {
		return false
	}

	var timeoutErr *ReplyTimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var transformErr *transform.TransformError
	if errors.As(err, &transformErr) {
		return true
	}

	var opErr *OperationError
	return errors.As(err, &opErr)
}
