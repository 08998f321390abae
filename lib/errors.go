package lib

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// resource exhaustion, recoverable by retrying
	ErrExhausted  = errors.New("rsp: session table exhausted")
	ErrWouldBlock = errors.New("rsp: send window full")
	ErrQueueFull  = errors.New("rsp: delivery queue full")

	// protocol violations, the offending segment is dropped
	ErrMalformed = errors.New("rsp: malformed segment")

	// application misuse
	ErrNotFound     = errors.New("rsp: session not found")
	ErrInUse        = errors.New("rsp: endpoint pair already bound")
	ErrNotConnected = errors.New("rsp: session not connected")
	ErrInvalidState = errors.New("rsp: operation invalid in current state")
	ErrTooLarge     = errors.New("rsp: payload exceeds maximum segment payload")
	ErrEmpty        = errors.New("rsp: no data available")
	ErrClosed       = errors.New("rsp: core closed")
)

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

// TimeoutError is returned by Dial when the handshake does not complete.
// It satisfies net.Error.
type TimeoutError struct {
	msg string
}

func newTimeoutError(format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{msg: fmt.Sprintf(format, args...)}
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}
