package dispatch

import (
	"errors"
	"fmt"
)

// ErrBreakerOpen is the cause of a dispatch rejected by an open circuit breaker.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Error reports a failed delivery of a token to the actuator endpoint.
type Error struct {
	DeviceID string
	Command  string
	Token    string
	Endpoint string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s:%s (%s) to %s failed after %d attempt(s): %v",
		e.DeviceID, e.Command, e.Token, e.Endpoint, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
