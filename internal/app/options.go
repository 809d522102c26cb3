package service

import (
	"time"

	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/adapters/repository"
	"github.com/okian/icebreaker/internal/domain/dedupe"
	"github.com/okian/icebreaker/internal/domain/phase"
	"github.com/okian/icebreaker/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the data store. Defaults to an in-memory store.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithFeed sets the change feed. Defaults to an in-memory feed.
func WithFeed(f feed.Feed) Option {
	return func(s *Service) {
		if f != nil {
			s.feed = f
		}
	}
}

// WithGuard sets the match evaluation guard. Defaults to an in-memory guard.
func WithGuard(g dedupe.Guard) Option {
	return func(s *Service) {
		if g != nil {
			s.guard = g
		}
	}
}

// WithRules sets the transition rules.
func WithRules(r phase.Rules) Option {
	return func(s *Service) {
		s.rules = r
	}
}

// WithMaxRetries bounds how often a transition is recomputed after a stale write.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithTimeUnit sets the unit auto-advance delays are expressed in.
func WithTimeUnit(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeUnit = d
		}
	}
}

// WithGuardSize sets the capacity of the default in-memory guard.
func WithGuardSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.guardSize = n
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
