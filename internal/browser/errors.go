package browser

import (
	"context"
	"errors"
)

// Infrastructure failures. These abort a run; everything expected (a missing
// element, an unsolved challenge) is reported as a value instead.
var (
	// ErrSessionUnavailable means every remote slot is taken. Retriable.
	ErrSessionUnavailable = errors.New("no remote browser session available")
	// ErrSessionExpired means the session outlived its allowed lifetime.
	ErrSessionExpired = errors.New("remote browser session expired")
	// ErrConnection means the remote endpoint could not be reached or dropped.
	ErrConnection = errors.New("remote browser connection failed")
)

// IsInfrastructure reports whether err is one of the session level failures
// or a context deadline.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrSessionUnavailable) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, context.DeadlineExceeded)
}
