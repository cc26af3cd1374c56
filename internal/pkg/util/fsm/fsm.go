package fsm

import (
	"errors"

	"github.com/looplab/fsm"
)

// Rejected reports whether err means the event was not allowed from the
// current state rather than a failure inside a callback.
func Rejected(err error) bool {
	if err == nil {
		return false
	}

	var invalid fsm.InvalidEventError
	var inTransition fsm.InTransitionError
	var noTransition fsm.NoTransitionError
	return errors.As(err, &invalid) || errors.As(err, &inTransition) || errors.As(err, &noTransition)
}
