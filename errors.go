package invokez

import (
	"errors"
	"fmt"
)

var (
	// ErrInvocationClosed reports work submitted after Shutdown.
	ErrInvocationClosed = errors.New("invocation closed")

	// ErrInvalidTraceParent is returned for malformed traceparent values.
	ErrInvalidTraceParent = errors.New("invalid traceparent")
)

// panicError carries a recovered panic value as an error.
type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
