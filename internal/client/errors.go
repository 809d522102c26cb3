package client

import "errors"

var (
	// ErrNotRestored is returned by actions before the first Restore.
	ErrNotRestored = errors.New("state not restored")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("synchronizer stopped")
)

// ErrPending is returned when an action is attempted while the device's
// previous write is still in flight.
var ErrPending = errors.New("previous action pending")
