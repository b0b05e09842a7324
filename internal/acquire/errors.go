package acquire

import (
	"errors"
	"fmt"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

// ObstructionError means a consent banner or overlay could not be removed.
type ObstructionError struct {
	Key listing.Key
	Err error
}

func (e *ObstructionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acquire %s: obstruction not dismissible", e.Key)
	}
	return fmt.Sprintf("acquire %s: obstruction not dismissible: %s", e.Key, e.Err)
}

func (e *ObstructionError) Unwrap() error { return e.Err }

// UIStateError means an expected control was missing or not clickable.
type UIStateError struct {
	Key  listing.Key
	Step string
	Err  error
}

func (e *UIStateError) Error() string {
	return fmt.Sprintf("acquire %s: %s: %s", e.Key, e.Step, e.Err)
}

func (e *UIStateError) Unwrap() error { return e.Err }

// NavigationError means the listings page could not be loaded.
type NavigationError struct {
	Key listing.Key
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("acquire %s: navigate %s: %s", e.Key, e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Retryable reports whether err is an acquisition failure worth another
// attempt with a fresh browser session.
func Retryable(err error) bool {
	var obs *ObstructionError
	var ui *UIStateError
	var nav *NavigationError
	return errors.As(err, &obs) || errors.As(err, &ui) || errors.As(err, &nav)
}
