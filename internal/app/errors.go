package service

import "errors"

var (
	// ErrNotStarted is returned by operations called before Start.
	ErrNotStarted = errors.New("service not started")
	// ErrInvalidInput rejects malformed requests before they reach the store.
	ErrInvalidInput = errors.New("invalid input")
)
