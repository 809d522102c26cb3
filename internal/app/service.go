// Package service commits game transitions for the HTTP API. It reads the
// row, asks the phase rules for a patch and writes it back under a version
// precondition, retrying on stale writes. Every commit reaches the feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/adapters/repository"
	"github.com/okian/icebreaker/internal/domain/dedupe"
	"github.com/okian/icebreaker/internal/domain/match"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/internal/domain/phase"
	"github.com/okian/icebreaker/pkg/logger"
	"github.com/okian/icebreaker/pkg/metrics"
)

const (
	defaultMaxRetries = 3
	defaultGuardSize  = 10000
)

// Service implements the API dependencies for the game.
type Service struct {
	mu sync.RWMutex

	// Core components
	store     repository.Store
	feed      feed.Feed
	guard     dedupe.Guard
	evaluator *match.Evaluator
	rules     phase.Rules

	// Configuration
	maxRetries int
	timeUnit   time.Duration
	guardSize  int

	// State
	started bool

	// Logging
	logger logger.Logger
}

// decideFunc computes the transition for the row as read.
type decideFunc func(ev model.Event, participants []model.Participant) (phase.Transition, error)

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		rules:      phase.NewRules(),
		maxRetries: defaultMaxRetries,
		timeUnit:   time.Second,
		guardSize:  defaultGuardSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start fills in the default backends and wires the store to the feed.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore()
	}
	if s.feed == nil {
		s.feed = feed.NewMemoryFeed()
	}
	if s.guard == nil {
		s.guard = dedupe.NewMemoryGuard(s.guardSize)
	}
	s.store = repository.NewNotifyingStore(s.store, s.feed, s.logger.Named("store"))
	s.evaluator = match.NewEvaluator(s.guard)

	s.started = true
	s.logger.Info(ctx, "game service started",
		logger.Int("maxRetries", s.maxRetries),
		logger.Duration("timeUnit", s.timeUnit),
		logger.Bool("matchSelection", s.rules.MatchSelection),
		logger.Bool("requireAllAnswered", s.rules.RequireAllAnswered),
	)
	return nil
}

// Stop closes the feed and the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping game service...")
	if err := s.feed.Close(); err != nil {
		s.logger.Warn(ctx, "feed close failed", logger.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "store close failed", logger.Error(err))
	}
	s.started = false
	s.logger.Info(ctx, "game service stopped")
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// CreateEvent stores a new event in the countdown phase.
func (s *Service) CreateEvent(ctx context.Context, title, location string, startsAt time.Time) (model.Event, error) {
	if err := s.ready(); err != nil {
		return model.Event{}, err
	}
	if strings.TrimSpace(title) == "" {
		return model.Event{}, fmt.Errorf("title is required: %w", ErrInvalidInput)
	}
	ev, err := s.store.CreateEvent(ctx, model.NewEvent(uuid.NewString(), title, location, startsAt))
	if err != nil {
		return model.Event{}, err
	}
	s.logger.Info(ctx, "event created", logger.String("eventID", ev.ID))
	return ev, nil
}

// Get reads the current row. Devices call it on entry and after losing
// their subscription.
func (s *Service) Get(ctx context.Context, eventID string) (model.Event, error) {
	if err := s.ready(); err != nil {
		return model.Event{}, err
	}
	return s.store.Get(ctx, eventID)
}

// CheckIn adds or refreshes a checked-in participant.
func (s *Service) CheckIn(ctx context.Context, p model.Participant) error {
	if err := s.ready(); err != nil {
		return err
	}
	if p.UserID == "" {
		return fmt.Errorf("user id is required: %w", ErrInvalidInput)
	}
	p.CheckedIn = true
	if p.DisplayName == "" {
		p.DisplayName = p.UserID
	}
	return s.store.UpsertParticipant(ctx, p)
}

// Participants lists the roster, checked in or not.
func (s *Service) Participants(ctx context.Context, eventID string) ([]model.Participant, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, eventID)
}

// Begin closes check-in. A second caller finds the phase already moved and
// gets the current row back with advanced=false.
func (s *Service) Begin(ctx context.Context, eventID string) (ev model.Event, advanced bool, err error) {
	seen := model.Position{Phase: model.PhaseCountdown}
	return s.commit(ctx, eventID, &seen, func(ev model.Event, _ []model.Participant) (phase.Transition, error) {
		return s.rules.Begin(ev.GameState)
	})
}

// StartQuestions opens the first question.
func (s *Service) StartQuestions(ctx context.Context, eventID string) (ev model.Event, advanced bool, err error) {
	seen := model.Position{Phase: model.PhaseReady}
	return s.commit(ctx, eventID, &seen, func(ev model.Event, ps []model.Participant) (phase.Transition, error) {
		return s.rules.StartQuestions(ev.GameState, ps)
	})
}

// Advance moves past the question the caller saw. When the row is no longer
// at seen, another device already advanced and the call is a no-op.
func (s *Service) Advance(ctx context.Context, eventID string, seen model.Position) (ev model.Event, advanced bool, err error) {
	return s.commit(ctx, eventID, &seen, func(ev model.Event, ps []model.Participant) (phase.Transition, error) {
		return s.rules.Advance(ev.GameState, ps)
	})
}

// Continue leaves the match selection the caller saw.
func (s *Service) Continue(ctx context.Context, eventID string, seen model.Position) (ev model.Event, advanced bool, err error) {
	return s.commit(ctx, eventID, &seen, func(ev model.Event, ps []model.Participant) (phase.Transition, error) {
		return s.rules.Continue(ev.GameState, ps)
	})
}

// MarkAnswered adds userID to the answered set of the question the caller
// saw. An answer arriving after the row moved on is dropped with
// answered=false.
func (s *Service) MarkAnswered(ctx context.Context, eventID, userID string, seen model.Position) (ev model.Event, answered bool, err error) {
	return s.commit(ctx, eventID, &seen, func(ev model.Event, _ []model.Participant) (phase.Transition, error) {
		return phase.MarkAnswered(ev.GameState, userID)
	})
}

// commit runs decide against the latest row and writes the result with a
// version precondition. A stale write re-reads and decides again.
func (s *Service) commit(ctx context.Context, eventID string, seen *model.Position, decide decideFunc) (model.Event, bool, error) {
	if err := s.ready(); err != nil {
		return model.Event{}, false, err
	}
	for attempt := 0; ; attempt++ {
		ev, err := s.store.Get(ctx, eventID)
		if err != nil {
			return model.Event{}, false, err
		}
		if seen != nil && !ev.Position().Equal(*seen) {
			metrics.RecordNoopAdvance()
			s.logger.Debug(ctx, "already advanced",
				logger.String("eventID", eventID),
				logger.Int64("version", ev.Version),
			)
			return ev, false, nil
		}
		participants, err := s.store.ListParticipants(ctx, eventID)
		if err != nil {
			return ev, false, err
		}
		tr, err := decide(ev, participants)
		if err != nil {
			if errors.Is(err, phase.ErrParticipantListEmpty) {
				metrics.RecordErrorByComponent("service", "participant_list_empty")
			}
			return ev, false, err
		}

		next, err := s.store.Update(ctx, eventID, tr.Patch, &repository.Precondition{Version: ev.Version})
		if errors.Is(err, repository.ErrStaleWrite) {
			metrics.RecordStaleWrite()
			if attempt >= s.maxRetries {
				return ev, false, fmt.Errorf("%s gave up after %d attempts: %w", tr.Kind, attempt+1, err)
			}
			continue
		}
		if err != nil {
			metrics.RecordErrorByComponent("service", "update_failed")
			return ev, false, err
		}

		metrics.RecordTransition(string(tr.Kind))
		s.logger.Info(ctx, "transition committed",
			logger.String("eventID", eventID),
			logger.String("kind", string(tr.Kind)),
			logger.String("phase", string(next.Phase)),
			logger.Int64("version", next.Version),
		)
		return next, true, nil
	}
}

// SubmitVote records a participant's choice for the level. The first vote
// stands; a second one fails with repository.ErrDuplicateVote.
func (s *Service) SubmitVote(ctx context.Context, v model.Vote) error {
	if err := s.ready(); err != nil {
		return err
	}
	ev, err := s.store.Get(ctx, v.EventID)
	if err != nil {
		return err
	}
	participants, err := s.store.ListParticipants(ctx, v.EventID)
	if err != nil {
		return err
	}
	if err := match.ValidateVote(ev.GameState, v, participants); err != nil {
		return err
	}
	if err := s.store.InsertVote(ctx, v); err != nil {
		if errors.Is(err, repository.ErrDuplicateVote) {
			metrics.RecordDuplicateVote()
		}
		return err
	}
	metrics.RecordVote()
	return nil
}

// Matches returns the reciprocal pairs of a level once everybody voted,
// match.ErrVotesPending before that.
func (s *Service) Matches(ctx context.Context, eventID string, level model.Level) ([]model.Pair, error) {
	pairs, _, err := s.matches(ctx, eventID, level)
	return pairs, err
}

// Outcome tells userID whether they matched and when their device moves on.
func (s *Service) Outcome(ctx context.Context, eventID string, level model.Level, userID string) (match.Outcome, error) {
	pairs, participants, err := s.matches(ctx, eventID, level)
	if err != nil {
		return match.Outcome{}, err
	}
	out := match.OutcomeFor(userID, pairs, participants, s.timeUnit)
	out.Level = level
	return out, nil
}

func (s *Service) matches(ctx context.Context, eventID string, level model.Level) ([]model.Pair, []model.Participant, error) {
	if err := s.ready(); err != nil {
		return nil, nil, err
	}
	if _, err := s.store.Get(ctx, eventID); err != nil {
		return nil, nil, err
	}
	votes, err := s.store.ListVotes(ctx, eventID, level)
	if err != nil {
		return nil, nil, err
	}
	participants, err := s.store.ListParticipants(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	pairs, err := match.ComputeMatches(votes, participants)
	if err != nil {
		return nil, nil, err
	}
	// The guard makes sure evaluation is recorded once per level across replicas.
	if _, ran, err := s.evaluator.Evaluate(ctx, eventID, level, votes, participants); err != nil {
		s.logger.Warn(ctx, "evaluation guard failed", logger.String("eventID", eventID), logger.Error(err))
	} else if ran {
		s.logger.Info(ctx, "level evaluated",
			logger.String("eventID", eventID),
			logger.String("level", string(level)),
			logger.Int("pairs", len(pairs)),
		)
	}
	return pairs, participants, nil
}

// Subscribe opens a change subscription for eventID.
func (s *Service) Subscribe(ctx context.Context, eventID string) (feed.Subscription, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, eventID); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, eventID)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":            s.started,
		"maxRetries":         s.maxRetries,
		"timeUnitMs":         s.timeUnit.Milliseconds(),
		"matchSelection":     s.rules.MatchSelection,
		"requireAllAnswered": s.rules.RequireAllAnswered,
	}
	if s.started {
		total := s.store.Count(context.Background())
		stats["totalEvents"] = total
		metrics.UpdateEventsTotal(total)
		if n := dedupe.Size(s.guard); n >= 0 {
			stats["evaluatedLevels"] = n
		}
	}
	return stats
}
