package phase

import "errors"

// Sentinel errors returned by transition rules.
var (
	// ErrParticipantListEmpty means no checked-in participant can be picked.
	// The transition is deferred until the roster is non-empty.
	ErrParticipantListEmpty = errors.New("participant list empty")

	// ErrNotAllAnswered is returned when answers are enforced and some active
	// participant has not answered the current question.
	ErrNotAllAnswered = errors.New("not all participants answered")

	// ErrInvalidTransition is returned when the operation does not apply to
	// the current phase.
	ErrInvalidTransition = errors.New("invalid transition")
)
