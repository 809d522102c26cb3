package simulation

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid simulation config")
	ErrDiverged      = errors.New("devices diverged")
	ErrIncomplete    = errors.New("event did not reach the free phase")
)
