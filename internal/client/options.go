package client

import (
	"time"

	"github.com/okian/icebreaker/internal/domain/dedupe"
	"github.com/okian/icebreaker/internal/domain/match"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/internal/domain/phase"
	"github.com/okian/icebreaker/pkg/logger"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultBackoffInitial = 100 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithRules sets the rules used to predict local transitions.
func WithRules(r phase.Rules) Option {
	return func(s *Synchronizer) {
		s.rules = r
	}
}

// WithGuard sets the evaluation guard. Defaults to a guard private to the
// device session.
func WithGuard(g dedupe.Guard) Option {
	return func(s *Synchronizer) {
		if g != nil {
			s.guard = g
		}
	}
}

// WithTimeUnit sets the unit auto-advance delays are expressed in.
func WithTimeUnit(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeUnit = d
		}
	}
}

// WithPollInterval sets how often votes are checked during match selection.
func WithPollInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithResubscribeBackoff bounds the delay between resubscribe attempts.
func WithResubscribeBackoff(initial, maxDelay time.Duration) Option {
	return func(s *Synchronizer) {
		if initial > 0 && maxDelay >= initial {
			s.backoffInitial = initial
			s.backoffMax = maxDelay
		}
	}
}

// WithOutcomeHandler is called once per evaluated level with this device's
// outcome.
func WithOutcomeHandler(fn func(match.Outcome)) Option {
	return func(s *Synchronizer) {
		s.onOutcome = fn
	}
}

// WithChangeHandler is called after every change to the local row.
func WithChangeHandler(fn func(model.Event)) Option {
	return func(s *Synchronizer) {
		s.onChange = fn
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}
