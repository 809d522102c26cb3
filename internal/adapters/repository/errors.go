package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound = errors.New("event not found")
	// ErrStaleWrite means the row changed since it was read.
	ErrStaleWrite = errors.New("stale write")
	// ErrDuplicateVote means the voter already voted this level.
	ErrDuplicateVote = errors.New("duplicate vote")
	ErrInvalidEvent  = errors.New("invalid event")
)
