package feed

import "errors"

var (
	// ErrSubscriptionLost is reported by a subscription whose channel the
	// feed closed: the subscriber fell behind or the transport went away.
	ErrSubscriptionLost = errors.New("subscription lost")
	// ErrClosed is returned after the feed has been closed.
	ErrClosed = errors.New("feed closed")
)
