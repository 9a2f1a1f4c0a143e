package routine

import (
	"errors"
	"fmt"
)

// ErrPanicRecovered is wrapped by the error of a task that panicked
var ErrPanicRecovered = errors.New("routine: panic recovered")

// ErrClosed is returned when starting a task on a closed tracker
var ErrClosed = errors.New("routine: tracker closed")

// ErrPanic returns an error wrapping the recovered panic value
func ErrPanic(recovered any) error {
	return fmt.Errorf("%w: %v", ErrPanicRecovered, recovered)
}
