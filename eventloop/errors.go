package eventloop

import "errors"

var (
	// ErrAlreadyRunning is returned by Run when the loop is not in the
	// ready state.
	ErrAlreadyRunning = errors.New("eventloop: loop is not ready to run")

	// ErrStillRunning is returned by WaitForStopCompletion when Stop has
	// not been called first.
	ErrStillRunning = errors.New("eventloop: loop has not been stopped")

	// ErrInvalidSubscription is returned for a subscribe with no callback,
	// no filters, or a handle that is already subscribed.
	ErrInvalidSubscription = errors.New("eventloop: invalid io event subscription")
)
